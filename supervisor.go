package main

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"
)

// ManagedProcess is one supervised child process (frontend or backend) with
// its stdout/stderr redirected to durable log files. Ownership is exclusive:
// the instance that spawned it is the only one allowed to poll or terminate
// it.
type ManagedProcess struct {
	Name       string
	StdoutPath string
	StderrPath string

	cmd    *exec.Cmd
	stdout *os.File
	stderr *os.File

	mu       sync.Mutex
	done     chan struct{}
	exited   bool
	exitCode int
}

// SpawnProcess launches command through the platform shell in dir, with the
// instance overrides layered on top of the host environment (overrides win
// on key collision). Both log files are opened in truncate mode so each run
// starts clean. The child gets its own process group so the whole tree can
// be torn down later.
func SpawnProcess(name, command, dir string, overrides map[string]string, stdoutPath, stderrPath string) (*ManagedProcess, error) {
	stdout, err := os.Create(stdoutPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout log: %w", err)
	}
	stderr, err := os.Create(stderrPath)
	if err != nil {
		stdout.Close()
		return nil, fmt.Errorf("failed to open stderr log: %w", err)
	}

	shell, flag := shellCommand()
	cmd := exec.Command(shell, flag, command)
	cmd.Dir = dir
	cmd.Env = mergeEnv(os.Environ(), overrides)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = spawnSysProcAttr()

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	p := &ManagedProcess{
		Name:       name,
		StdoutPath: stdoutPath,
		StderrPath: stderrPath,
		cmd:        cmd,
		stdout:     stdout,
		stderr:     stderr,
		done:       make(chan struct{}),
	}

	// Reap in the background so Poll stays non-blocking.
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exited = true
		p.exitCode = 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				p.exitCode = exitErr.ExitCode()
			} else {
				p.exitCode = -1
			}
		}
		p.mu.Unlock()
		stdout.Close()
		stderr.Close()
		close(p.done)
	}()

	return p, nil
}

// PID returns the top-level process ID.
func (p *ManagedProcess) PID() int {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Poll reports whether the process is still running, and its exit code once
// it isn't. Non-blocking; used right after spawn to catch instant crashes
// and again during teardown.
func (p *ManagedProcess) Poll() (running bool, exitCode int) {
	if p == nil {
		return false, 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited, p.exitCode
}

// Terminate tears down the entire process tree: graceful signal to every
// descendant first, then the parent, a bounded grace wait, then force-kill
// for any survivor. The spawned command is frequently a shell or package
// runner wrapping the real server, so killing only the top PID would orphan
// grandchildren. Errors are logged and swallowed; termination is idempotent
// and always "succeeds" from the caller's point of view.
func (p *ManagedProcess) Terminate(log *SessionLogger, grace time.Duration) {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return
	}

	if running, code := p.Poll(); !running {
		log.Printf("%s already stopped (exit code %d)\n", p.Name, code)
		return
	}

	terminateTree(log, p.PID(), grace)

	// Let the reaper goroutine observe the exit so Poll flips over.
	select {
	case <-p.done:
	case <-time.After(grace + 2*time.Second):
		log.Warnf("%s did not report exit after kill", p.Name)
	}

	log.Printf("Stopped %s\n", p.Name)
}

// mergeEnv layers overrides on top of the host environment. Instance
// overrides always win on key collision, which is what keeps ambient host
// configuration from leaking into the sandbox.
func mergeEnv(host []string, overrides map[string]string) []string {
	merged := make(map[string]string, len(host)+len(overrides))
	for _, kv := range host {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range overrides {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}
