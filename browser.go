package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

// BrowserDriver executes browser steps against the instance under test. The
// browser context persists across steps so page state survives between them.
type BrowserDriver struct {
	config  *BrowserConfig
	session *Session

	ctx    context.Context
	cancel context.CancelFunc

	headless      bool
	consoleErrors []string
}

// NewBrowserDriver creates a driver. The browser itself launches lazily on
// the first browser step.
func NewBrowserDriver(config *BrowserConfig, session *Session, headless bool) *BrowserDriver {
	if config == nil {
		config = &BrowserConfig{Headless: true}
	}
	return &BrowserDriver{
		config:   config,
		session:  session,
		headless: headless,
	}
}

// ensureStarted launches Chrome and the browser context on first use.
func (bd *BrowserDriver) ensureStarted() error {
	if bd.ctx != nil {
		return nil
	}

	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.DisableGPU,
	}
	if bd.headless {
		opts = append(opts, chromedp.Headless)
	}
	if bd.config.ExecutablePath != "" {
		opts = append(opts, chromedp.ExecPath(bd.config.ExecutablePath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	ctx, cancel := chromedp.NewContext(allocCtx)

	bd.ctx = ctx
	bd.cancel = func() {
		cancel()
		allocCancel()
	}

	chromedp.ListenTarget(bd.ctx, func(ev interface{}) {
		if ev, ok := ev.(*runtime.EventExceptionThrown); ok {
			text := ev.ExceptionDetails.Text
			if ev.ExceptionDetails.Exception != nil && ev.ExceptionDetails.Exception.Description != "" {
				text = ev.ExceptionDetails.Exception.Description
			}
			bd.consoleErrors = append(bd.consoleErrors, text)
			bd.session.Log.ConsoleError(text)
		}
	})

	// Start the browser now so launch failures surface on this step instead
	// of the first navigation.
	startCtx, startCancel := context.WithTimeout(bd.ctx, 30*time.Second)
	defer startCancel()
	if err := chromedp.Run(startCtx); err != nil {
		bd.Close()
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	return nil
}

// Close shuts the browser down. Safe to call multiple times.
func (bd *BrowserDriver) Close() {
	if bd.cancel != nil {
		bd.cancel()
		bd.cancel = nil
		bd.ctx = nil
	}
}

// ConsoleErrors returns browser console exceptions captured so far.
func (bd *BrowserDriver) ConsoleErrors() []string {
	return bd.consoleErrors
}

// Execute runs one browser step. baseURL is the instance's web URL, used to
// resolve relative navigation paths.
func (bd *BrowserDriver) Execute(step Step, baseURL string) error {
	if err := bd.ensureStarted(); err != nil {
		return err
	}

	timeout := time.Duration(cfgInt(step.Config, "timeout", 10)) * time.Second
	ctx, cancel := context.WithTimeout(bd.ctx, timeout)
	defer cancel()

	selector := cfgString(step.Config, "selector")
	var err error

	switch step.Action {
	case "initialize_browser":
		// ensureStarted already did the work

	case "navigate":
		url := cfgStringDefault(step.Config, "url", cfgString(step.Config, "path"))
		if !strings.HasPrefix(url, "http") {
			url = baseURL + url
		}
		err = chromedp.Run(ctx,
			chromedp.Navigate(url),
			chromedp.WaitReady("body", chromedp.ByQuery),
		)

	case "click":
		err = chromedp.Run(ctx,
			chromedp.WaitVisible(selector, chromedp.ByQuery),
			chromedp.Click(selector, chromedp.ByQuery),
		)

	case "type":
		value := cfgString(step.Config, "value")
		err = chromedp.Run(ctx,
			chromedp.WaitVisible(selector, chromedp.ByQuery),
			chromedp.Clear(selector, chromedp.ByQuery),
			chromedp.SendKeys(selector, value, chromedp.ByQuery),
		)

	case "wait_for_element":
		err = chromedp.Run(ctx,
			chromedp.WaitVisible(selector, chromedp.ByQuery),
		)

	case "assert_visible":
		var nodes []*cdp.Node
		err = chromedp.Run(ctx,
			chromedp.Nodes(selector, &nodes, chromedp.ByQuery, chromedp.AtLeast(0)),
		)
		if err == nil && len(nodes) == 0 {
			err = fmt.Errorf("element not found: %s", selector)
		}

	case "assert_text":
		contains := cfgString(step.Config, "contains")
		var text string
		err = chromedp.Run(ctx,
			chromedp.WaitVisible(selector, chromedp.ByQuery),
			chromedp.Text(selector, &text, chromedp.ByQuery),
		)
		if err == nil && !strings.Contains(text, contains) {
			err = fmt.Errorf("text %q not found in element %s (got: %q)",
				contains, selector, truncateText(text, 100))
		}

	case "capture_text":
		variable := cfgString(step.Config, "variable")
		if variable == "" {
			return fmt.Errorf("capture_text requires a variable name")
		}
		var text string
		err = chromedp.Run(ctx,
			chromedp.WaitVisible(selector, chromedp.ByQuery),
			chromedp.Text(selector, &text, chromedp.ByQuery),
		)
		if err == nil {
			bd.session.SetVar(variable, strings.TrimSpace(text), cfgString(step.Config, "description"))
		}

	case "screenshot":
		name := cfgStringDefault(step.Config, "name", step.ID)
		var buf []byte
		err = chromedp.Run(ctx,
			chromedp.FullScreenshot(&buf, 90),
		)
		if err == nil && len(buf) > 0 {
			path := bd.session.NextScreenshotPath(name)
			if werr := os.WriteFile(path, buf, 0644); werr != nil {
				bd.session.Log.Warnf("failed to save screenshot: %v", werr)
			} else {
				bd.session.Log.Printf("Screenshot saved: %s\n", path)
			}
		}

	case "wait":
		seconds := cfgInt(step.Config, "seconds", 1)
		time.Sleep(time.Duration(seconds) * time.Second)

	default:
		return fmt.Errorf("unknown browser action: %s", step.Action)
	}

	if err == nil && bd.config.SlowMotion > 0 {
		time.Sleep(time.Duration(bd.config.SlowMotion) * time.Millisecond)
	}

	bd.session.Log.BrowserStep(step.Action, err == nil, map[string]interface{}{
		"selector": selector,
	})

	return err
}

// truncateText truncates text to maxLen characters
func truncateText(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	return text[:maxLen] + "..."
}
