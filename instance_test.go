//go:build !windows

package main

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testStageConfig(t *testing.T, template string) *StageConfig {
	t.Helper()
	cfg := &StageConfig{
		Workspace:    t.TempDir(),
		Template:     template,
		Backend:      &ServiceCommand{Command: "true", Settle: 1},
		ReadyTimeout: 20,
		GracePeriod:  2,
		Browser:      &BrowserConfig{Headless: true},
		Logging:      DefaultLoggingConfig(),
	}
	return cfg
}

func TestGenerateInstanceID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := GenerateInstanceID()
		if !strings.HasPrefix(id, "test_") {
			t.Fatalf("unexpected ID format: %s", id)
		}
		if seen[id] {
			t.Fatalf("duplicate instance ID: %s", id)
		}
		seen[id] = true
	}
}

func TestInstance_CreateLegacy(t *testing.T) {
	template := writeTemplate(t, map[string]string{"app.py": "x"})
	cfg := testStageConfig(t, template)
	in := NewInstance(cfg, NewConsoleLogger(), "")

	if in.State() != StateUncreated {
		t.Fatalf("initial state = %s", in.State())
	}
	if !in.Create() {
		t.Fatal("create failed")
	}
	if in.State() != StateCreated {
		t.Errorf("state after create = %s", in.State())
	}
	if !fileExists(filepath.Join(in.InstanceDir(), "app.py")) {
		t.Error("template not copied into instance dir")
	}
	if !fileExists(filepath.Join(in.InstanceDir(), ".env.local")) {
		t.Error("instance env file not written")
	}
}

func TestInstance_CreateTwiceRejected(t *testing.T) {
	template := writeTemplate(t, map[string]string{"app.py": "x"})
	cfg := testStageConfig(t, template)
	in := NewInstance(cfg, NewConsoleLogger(), "")

	if !in.Create() {
		t.Fatal("create failed")
	}
	if in.Create() {
		t.Error("second create should be rejected")
	}
}

func TestInstance_StartRequiresCreated(t *testing.T) {
	cfg := testStageConfig(t, writeTemplate(t, map[string]string{"app.py": "x"}))
	in := NewInstance(cfg, NewConsoleLogger(), "")

	if in.Start() {
		t.Error("start before create should fail")
	}
}

func TestInstance_BootstrapFallsBackToLegacy(t *testing.T) {
	template := writeTemplate(t, map[string]string{"app.py": "x"})
	cfg := testStageConfig(t, template)
	cfg.Bootstrap = "false" // bootstrap command that always fails

	in := NewInstance(cfg, NewConsoleLogger(), "")
	if !in.Create() {
		t.Fatal("create should fall back to the template path")
	}
	if !fileExists(filepath.Join(in.InstanceDir(), "app.py")) {
		t.Error("legacy fallback did not copy the template")
	}
}

// fakeNpm puts a stub npm executable on PATH that records its invocation in
// markerFile and exits with the given code.
func fakeNpm(t *testing.T, markerFile string, exitCode int) {
	t.Helper()
	bin := t.TempDir()
	script := fmt.Sprintf("#!/bin/sh\necho \"$@\" > %s\nexit %d\n", markerFile, exitCode)
	if err := os.WriteFile(filepath.Join(bin, "npm"), []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func TestInstance_CreateInstallsDependencies(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "npm-ran")
	fakeNpm(t, marker, 0)

	template := writeTemplate(t, map[string]string{
		"app.py":       "x",
		"package.json": `{"name": "app"}`,
	})
	cfg := testStageConfig(t, template)

	in := NewInstance(cfg, NewConsoleLogger(), "")
	if !in.Create() {
		t.Fatal("create failed")
	}
	data, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("npm install was not invoked: %v", err)
	}
	if !strings.Contains(string(data), "install") {
		t.Errorf("npm invoked with wrong arguments: %q", data)
	}
}

func TestInstance_CreateSkipsInstallWithoutPackageJSON(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "npm-ran")
	fakeNpm(t, marker, 0)

	cfg := testStageConfig(t, writeTemplate(t, map[string]string{"app.py": "x"}))
	in := NewInstance(cfg, NewConsoleLogger(), "")
	if !in.Create() {
		t.Fatal("create failed")
	}
	if fileExists(marker) {
		t.Error("npm should not run for templates without package.json")
	}
}

func TestInstance_CreateSurvivesFailedInstall(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "npm-ran")
	fakeNpm(t, marker, 1)

	template := writeTemplate(t, map[string]string{
		"app.py":       "x",
		"package.json": `{"name": "app"}`,
	})
	cfg := testStageConfig(t, template)

	in := NewInstance(cfg, NewConsoleLogger(), "")
	if !in.Create() {
		t.Fatal("a failed dependency install must not fail creation")
	}
	if !fileExists(marker) {
		t.Error("npm install should have been attempted")
	}
	if in.State() != StateCreated {
		t.Errorf("state after create = %s", in.State())
	}
}

func TestInstance_CleanupRemovesSandbox(t *testing.T) {
	template := writeTemplate(t, map[string]string{"app.py": "x"})
	cfg := testStageConfig(t, template)
	in := NewInstance(cfg, NewConsoleLogger(), "")

	if !in.Create() {
		t.Fatal("create failed")
	}
	dir := in.InstanceDir()

	in.Cleanup(false)
	if fileExists(dir) {
		t.Error("sandbox should be removed")
	}
	if in.State() != StateCleaned {
		t.Errorf("state after cleanup = %s", in.State())
	}

	// Cleanup again must not fail.
	in.Cleanup(false)
}

func TestInstance_AttachExisting(t *testing.T) {
	template := writeTemplate(t, map[string]string{"app.py": "x"})
	cfg := testStageConfig(t, template)

	first := NewInstance(cfg, NewConsoleLogger(), "test_attach_01")
	if !first.Create() {
		t.Fatal("create failed")
	}

	second := NewInstance(cfg, NewConsoleLogger(), "test_attach_01")
	if !second.AttachExisting() {
		t.Fatal("attach to existing sandbox failed")
	}
	if second.State() != StateCreated {
		t.Errorf("state after attach = %s", second.State())
	}

	missing := NewInstance(cfg, NewConsoleLogger(), "test_never_created")
	if missing.AttachExisting() {
		t.Error("attach to a missing sandbox should fail")
	}
}

func TestInstance_FullLifecycle(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}

	template := writeTemplate(t, map[string]string{"app.py": "x"})
	cfg := testStageConfig(t, template)
	// The app under test: a stub server on the allocated port.
	cfg.Backend = &ServiceCommand{Command: "python3 -m http.server $PORT --bind 127.0.0.1", Settle: 2}

	in := NewInstance(cfg, NewConsoleLogger(), "")
	err := in.WithRunning(func(in *Instance) error {
		if in.State() != StateRunning {
			t.Errorf("state inside WithRunning = %s", in.State())
		}
		if !in.IsRunning() {
			t.Error("backend should be running")
		}

		// The ownership record should exist while running.
		record, err := readInstanceRecord(in.InstanceDir())
		if err != nil {
			t.Errorf("instance record missing: %v", err)
		} else if record.OwnerPID != os.Getpid() {
			t.Errorf("record owner = %d, want this process", record.OwnerPID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithRunning failed: %v", err)
	}

	if in.State() != StateCleaned {
		t.Errorf("state after WithRunning = %s", in.State())
	}
	if fileExists(in.InstanceDir()) {
		t.Error("sandbox should be cleaned up")
	}
}

func TestInstance_StoppedCannotRestart(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}

	template := writeTemplate(t, map[string]string{"app.py": "x"})
	cfg := testStageConfig(t, template)
	cfg.Backend = &ServiceCommand{Command: "python3 -m http.server $PORT --bind 127.0.0.1", Settle: 2}

	in := NewInstance(cfg, NewConsoleLogger(), "")
	if !in.Create() {
		t.Fatal("create failed")
	}
	defer in.Cleanup(false)

	if !in.Start() {
		t.Fatal("start failed")
	}
	in.Stop()
	if in.State() != StateStopped {
		t.Fatalf("state after stop = %s", in.State())
	}

	if in.Start() {
		t.Error("restart of a stopped instance should be rejected")
	}
}

func TestInstance_StopFreesPorts(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}

	template := writeTemplate(t, map[string]string{"app.py": "x"})
	cfg := testStageConfig(t, template)
	cfg.Backend = &ServiceCommand{Command: "python3 -m http.server $PORT --bind 127.0.0.1", Settle: 2}

	in := NewInstance(cfg, NewConsoleLogger(), "")
	if !in.Create() {
		t.Fatal("create failed")
	}
	defer in.Cleanup(false)

	if !in.Start() {
		t.Fatal("start failed")
	}

	webAddr := fmt.Sprintf("127.0.0.1:%d", in.Ports().WebPort)
	conn, err := net.DialTimeout("tcp", webAddr, 2*time.Second)
	if err != nil {
		t.Fatalf("web port should be bound while running: %v", err)
	}
	conn.Close()

	in.Stop()

	// The OS may take a moment to release the socket after the kill.
	deadline := time.Now().Add(5 * time.Second)
	for {
		conn, err := net.DialTimeout("tcp", webAddr, 500*time.Millisecond)
		if err != nil {
			break
		}
		conn.Close()
		if time.Now().After(deadline) {
			t.Fatal("web port still bound after Stop")
		}
		time.Sleep(200 * time.Millisecond)
	}

	// The API and frontend ports were never bound and must stay free.
	for _, port := range []int{in.Ports().APIPort, in.Ports().FrontendDevPort} {
		if conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 500*time.Millisecond); err == nil {
			conn.Close()
			t.Errorf("port %d bound after Stop", port)
		}
	}
}

func TestTailLines(t *testing.T) {
	text := "a\nb\nc\nd\ne\n"
	if got := tailLines(text, 2); got != "d\ne" {
		t.Errorf("tailLines = %q", got)
	}
	if got := tailLines("one", 5); got != "one" {
		t.Errorf("tailLines short input = %q", got)
	}
}
