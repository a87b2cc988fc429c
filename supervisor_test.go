//go:build !windows

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func spawnTest(t *testing.T, command string) *ManagedProcess {
	t.Helper()
	dir := t.TempDir()
	p, err := SpawnProcess("test", command, dir, nil,
		filepath.Join(dir, "out.log"), filepath.Join(dir, "err.log"))
	if err != nil {
		t.Fatalf("spawn failed: %v", err)
	}
	return p
}

func TestSpawnProcess_CapturesOutput(t *testing.T) {
	p := spawnTest(t, "echo hello; echo oops >&2")

	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}

	out, _ := os.ReadFile(p.StdoutPath)
	if !strings.Contains(string(out), "hello") {
		t.Errorf("stdout log missing output: %q", out)
	}
	errOut, _ := os.ReadFile(p.StderrPath)
	if !strings.Contains(string(errOut), "oops") {
		t.Errorf("stderr log missing output: %q", errOut)
	}
}

func TestSpawnProcess_EnvOverridesWin(t *testing.T) {
	t.Setenv("SIDESTAGE_TEST_PORT", "1111")

	// Spawn with an override layered on top of the host value.
	dir := t.TempDir()
	p2, err := SpawnProcess("test", "echo $SIDESTAGE_TEST_PORT", dir,
		map[string]string{"SIDESTAGE_TEST_PORT": "2222"},
		filepath.Join(dir, "out.log"), filepath.Join(dir, "err.log"))
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-p2.done:
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}

	out, _ := os.ReadFile(p2.StdoutPath)
	if !strings.Contains(string(out), "2222") {
		t.Errorf("override should win, got %q", out)
	}
}

func TestManagedProcess_PollExitCode(t *testing.T) {
	p := spawnTest(t, "exit 3")

	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}

	running, code := p.Poll()
	if running {
		t.Error("process should have exited")
	}
	if code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
}

func TestManagedProcess_TerminateGraceful(t *testing.T) {
	p := spawnTest(t, "sleep 30")

	if running, _ := p.Poll(); !running {
		t.Fatal("process should be running")
	}

	start := time.Now()
	p.Terminate(NewConsoleLogger(), 3*time.Second)
	elapsed := time.Since(start)

	if running, _ := p.Poll(); running {
		t.Error("process should be dead after Terminate")
	}
	// sleep dies on SIGTERM, so this should be much faster than the grace
	// period.
	if elapsed > 2*time.Second {
		t.Errorf("graceful termination took too long: %s", elapsed)
	}
}

func TestManagedProcess_TerminateForceKill(t *testing.T) {
	// Shell that ignores SIGTERM; only SIGKILL gets it.
	p := spawnTest(t, `trap "" TERM; while true; do sleep 0.2; done`)

	// Give the trap a moment to install.
	time.Sleep(300 * time.Millisecond)

	p.Terminate(NewConsoleLogger(), time.Second)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if running, _ := p.Poll(); !running {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Error("TERM-ignoring process should be force-killed")
}

func TestManagedProcess_TerminateKillsDescendants(t *testing.T) {
	// The shell spawns a grandchild; terminating the tree must get both.
	p := spawnTest(t, "sleep 30 & wait")
	time.Sleep(300 * time.Millisecond)

	descendants := listDescendants(p.PID())
	if len(descendants) == 0 {
		t.Skip("pgrep unavailable or no descendants visible")
	}

	p.Terminate(NewConsoleLogger(), 3*time.Second)
	time.Sleep(300 * time.Millisecond)

	for _, pid := range descendants {
		if pidAlive(pid) {
			t.Errorf("descendant %d survived termination", pid)
		}
	}
}

func TestManagedProcess_NilSafe(t *testing.T) {
	var p *ManagedProcess

	if running, _ := p.Poll(); running {
		t.Error("nil process should not be running")
	}
	p.Terminate(NewConsoleLogger(), time.Second) // must not panic
	if p.PID() != 0 {
		t.Error("nil process PID should be 0")
	}
}

func TestMergeEnv(t *testing.T) {
	host := []string{"A=1", "B=2", "PATH=/usr/bin"}
	env := mergeEnv(host, map[string]string{"B": "override", "C": "3"})

	want := map[string]string{"A": "1", "B": "override", "C": "3", "PATH": "/usr/bin"}
	got := make(map[string]string)
	for _, kv := range env {
		i := strings.IndexByte(kv, '=')
		got[kv[:i]] = kv[i+1:]
	}

	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
}
