package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// runCommandStep executes a shell command step. The command runs in the
// instance sandbox (so relative paths resolve against the app under test)
// with the instance's environment pinned, when an instance exists.
func (r *ScriptRunner) runCommandStep(ctx context.Context, step Step) error {
	command := cfgString(step.Config, "command")
	if command == "" {
		return fmt.Errorf("command step requires a command")
	}

	timeout := time.Duration(cfgInt(step.Config, "timeout", 60)) * time.Second
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dir := cfgString(step.Config, "cwd")
	var env map[string]string
	if r.instance != nil {
		if dir == "" {
			dir = r.instance.InstanceDir()
		} else if !filepath.IsAbs(dir) {
			dir = filepath.Join(r.instance.InstanceDir(), dir)
		}
		env = r.instance.Env()
	}

	shell, flag := shellCommand()
	cmd := exec.CommandContext(cmdCtx, shell, flag, command)
	cmd.Dir = dir
	cmd.Env = mergeEnv(os.Environ(), env)

	start := time.Now()
	output, err := cmd.CombinedOutput()
	elapsed := time.Since(start)

	exitCode := 0
	if err != nil {
		exitCode = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}

	r.session.Log.Command(command, exitCode, elapsed.Nanoseconds())

	trimmed := strings.TrimSpace(string(output))
	if trimmed != "" {
		r.session.Log.Printf("Command output:\n%s\n", trimmed)
	}

	if variable := cfgString(step.Config, "capture_variable"); variable != "" {
		r.session.SetVar(variable, trimmed, cfgString(step.Config, "description"))
	}

	expected := cfgInt(step.Config, "expect_exit_code", 0)
	if exitCode != expected {
		return fmt.Errorf("command exited with code %d (expected %d): %s",
			exitCode, expected, command)
	}

	return nil
}

// runTestStep executes a test assertion step against the running instance.
func (r *ScriptRunner) runTestStep(ctx context.Context, step Step) error {
	switch step.Action {
	case "http_get":
		return r.runHTTPGet(ctx, step)
	default:
		return fmt.Errorf("unknown test action: %s", step.Action)
	}
}

func (r *ScriptRunner) runHTTPGet(ctx context.Context, step Step) error {
	url := cfgString(step.Config, "url")
	if url == "" {
		return fmt.Errorf("http_get requires a url")
	}
	if !strings.HasPrefix(url, "http") {
		if r.instance == nil {
			return fmt.Errorf("http_get with relative url requires a running instance")
		}
		url = r.instance.BaseURL() + url
	}

	timeout := time.Duration(cfgInt(step.Config, "timeout", 10)) * time.Second
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("invalid url %s: %w", url, err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	expected := cfgInt(step.Config, "expect_status", 200)
	if resp.StatusCode != expected {
		return fmt.Errorf("GET %s returned %d (expected %d)", url, resp.StatusCode, expected)
	}

	if contains := cfgString(step.Config, "body_contains"); contains != "" {
		if !strings.Contains(string(body), contains) {
			return fmt.Errorf("GET %s: response body does not contain %q", url, contains)
		}
	}

	if variable := cfgString(step.Config, "capture_variable"); variable != "" {
		r.session.SetVar(variable, strings.TrimSpace(string(body)), cfgString(step.Config, "description"))
	}

	return nil
}
