package main

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// CleanupCoordinator manages graceful cleanup of resources when a run ends
// or a signal arrives. Resources register themselves when created, and the
// coordinator tears them down in dependency order exactly once.
type CleanupCoordinator struct {
	mu       sync.Mutex
	instance *Instance
	browser  *BrowserDriver
	session  *Session
	cleanup  bool // remove the instance sandbox, not just stop it
	done     bool
}

// NewCleanupCoordinator creates a new cleanup coordinator.
func NewCleanupCoordinator(session *Session, browser *BrowserDriver) *CleanupCoordinator {
	return &CleanupCoordinator{
		session: session,
		browser: browser,
		cleanup: true,
	}
}

// SetInstance registers the current instance for cleanup.
func (c *CleanupCoordinator) SetInstance(in *Instance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instance = in
}

// ClearInstance unregisters the instance after a script cleans it up itself.
func (c *CleanupCoordinator) ClearInstance() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instance = nil
}

// SetAutoCleanup controls whether Cleanup removes the instance sandbox or
// only stops its processes (auto_cleanup: false keeps the directory).
func (c *CleanupCoordinator) SetAutoCleanup(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanup = enabled
}

// InstallSignalHandler exits with code 130 after cleaning up when SIGINT or
// SIGTERM arrives mid-run.
func (c *CleanupCoordinator) InstallSignalHandler() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		c.session.Log.Printf("\nReceived %s, cleaning up...\n", sig)
		c.Cleanup(false)
		os.Exit(130)
	}()
}

// Cleanup tears down all registered resources. Safe to call multiple times.
// dumpLogs controls whether the instance's server logs are printed before
// the sandbox disappears.
func (c *CleanupCoordinator) Cleanup(dumpLogs bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done {
		return
	}
	c.done = true

	// Browser first: it holds connections into the instance.
	if c.browser != nil {
		c.browser.Close()
		c.browser = nil
	}

	if c.instance != nil {
		if c.cleanup {
			c.instance.Cleanup(dumpLogs)
		} else {
			c.instance.Stop()
			c.session.Log.Printf("Instance %s kept at %s (auto_cleanup disabled)\n",
				c.instance.ID, c.instance.InstanceDir())
		}
		c.instance = nil
	}

	if c.session != nil {
		c.session.Close()
	}
}
