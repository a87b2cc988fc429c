package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// InstanceState tracks where an instance is in its lifecycle. Transitions
// are one-directional: a stopped instance cannot be restarted, only
// recreated.
type InstanceState string

const (
	StateUncreated InstanceState = "UNCREATED"
	StateCreated   InstanceState = "CREATED"
	StateRunning   InstanceState = "RUNNING"
	StateStopped   InstanceState = "STOPPED"
	StateCleaned   InstanceState = "CLEANED"
)

// Instance is one ephemeral, fully-isolated deployment of the application
// under test: identity, derived ports, private sandbox, and the supervised
// frontend/backend processes. Single-owner: one goroutine drives the
// lifecycle; no internal locking.
type Instance struct {
	ID string

	cfg   *StageConfig
	log   *SessionLogger
	ports PortAssignment

	sandbox  *Sandbox
	state    InstanceState
	frontend *ManagedProcess
	backend  *ManagedProcess
}

// GenerateInstanceID builds a unique instance ID from a timestamp plus a
// random suffix, so concurrent runs never collide on ports or directories.
func GenerateInstanceID() string {
	buf := make([]byte, 4)
	rand.Read(buf)
	return fmt.Sprintf("test_%s_%s", time.Now().Format("20060102_150405"), hex.EncodeToString(buf))
}

// NewInstance prepares an instance for the given ID (empty → generated).
// Nothing touches disk until Create.
func NewInstance(cfg *StageConfig, log *SessionLogger, instanceID string) *Instance {
	if instanceID == "" {
		instanceID = GenerateInstanceID()
	}
	ports := AllocatePorts(instanceID)
	return &Instance{
		ID:      instanceID,
		cfg:     cfg,
		log:     log,
		ports:   ports,
		sandbox: NewSandbox(cfg.Workspace, instanceID, ports),
		state:   StateUncreated,
	}
}

// Read-only accessors consumed by the step executor.

func (in *Instance) BaseURL() string {
	return fmt.Sprintf("http://localhost:%d", in.ports.WebPort)
}

func (in *Instance) APIURL() string {
	return fmt.Sprintf("http://localhost:%d", in.ports.APIPort)
}

func (in *Instance) InstanceDir() string    { return in.sandbox.Dir }
func (in *Instance) DatabasePath() string   { return in.sandbox.DatabasePath() }
func (in *Instance) Ports() PortAssignment  { return in.ports }
func (in *Instance) State() InstanceState   { return in.state }
func (in *Instance) Env() map[string]string { return in.sandbox.InstanceEnv() }

func (in *Instance) setState(to InstanceState) {
	in.log.InstanceState(in.ID, in.state, to)
	in.state = to
}

// Create materializes the instance. The bootstrap strategy is tried first
// when configured; a reported bootstrap failure falls back to the legacy
// template-copy path. Returns false (with narration) instead of raising so
// callers can chain their own fallbacks.
func (in *Instance) Create() bool {
	if in.state != StateUncreated {
		in.log.Warnf("create called in state %s", in.state)
		return false
	}

	in.log.Printf("Creating temp instance %s...\n", in.ID)

	if in.cfg.Bootstrap != "" {
		if in.createWithBootstrap() {
			in.log.InstanceCreate(in.ID, "bootstrap", true)
			in.setState(StateCreated)
			return true
		}
		in.log.Printf("Bootstrap failed, falling back to legacy creation\n")
	}

	if err := in.createLegacy(); err != nil {
		in.log.Error("failed to create instance", err)
		in.log.InstanceCreate(in.ID, "legacy", false)
		return false
	}

	in.log.InstanceCreate(in.ID, "legacy", true)
	in.setState(StateCreated)
	in.log.Printf("Created temp instance %s at %s\n", in.ID, in.sandbox.Dir)
	return true
}

// createWithBootstrap runs the configured external bootstrap command. This
// may take minutes (it typically copies files and installs dependencies).
func (in *Instance) createWithBootstrap() bool {
	command := fmt.Sprintf("%s --instance-id %s --port-base %d",
		in.cfg.Bootstrap, in.ID, in.ports.WebPort)
	in.log.Printf("Running bootstrap: %s\n", command)

	shell, flag := shellCommand()
	cmd := exec.Command(shell, flag, command)
	cmd.Dir = in.cfg.Workspace
	out, err := cmd.CombinedOutput()
	if err != nil {
		in.log.Warnf("bootstrap failed: %v\n%s", err, tailLines(string(out), 20))
		return false
	}

	// Bootstrap populated the tree; still pin the instance config so the
	// sandbox invariant (every path inside the sandbox) holds.
	if err := in.sandbox.WriteInstanceConfig(); err != nil {
		in.log.Warnf("bootstrap post-config failed: %v", err)
		return false
	}
	return true
}

// createLegacy copies the application template into the sandbox, writes the
// instance configuration, and installs node dependencies when the template
// needs them.
func (in *Instance) createLegacy() error {
	if err := in.sandbox.Materialize(in.cfg.Template); err != nil {
		return err
	}
	in.installDependencies()
	return nil
}

// installDependencies runs npm install when the template ships a package.json.
// node_modules never survives the template copy (it is in the ignore set), so
// the check is effectively "does this app have node deps". Best-effort: a
// failed install is narrated, not fatal, since many backends run without
// their node tooling.
func (in *Instance) installDependencies() {
	pkg := filepath.Join(in.sandbox.Dir, "package.json")
	nodeModules := filepath.Join(in.sandbox.Dir, "node_modules")
	if !fileExists(pkg) || fileExists(nodeModules) {
		return
	}

	in.log.Printf("Installing npm dependencies for %s...\n", in.ID)
	shell, flag := shellCommand()
	cmd := exec.Command(shell, flag, "npm install")
	cmd.Dir = in.sandbox.Dir
	if out, err := cmd.CombinedOutput(); err != nil {
		in.log.Warnf("failed to install dependencies: %v\n%s", err, tailLines(string(out), 10))
		return
	}
	in.log.Printf("Dependencies installed for %s\n", in.ID)
}

// AttachExisting binds this instance to a sandbox left behind by a previous
// run (auto_cleanup: false), so it can be started without recreating.
func (in *Instance) AttachExisting() bool {
	if in.state != StateUncreated {
		in.log.Warnf("attach called in state %s", in.state)
		return false
	}
	if !in.sandbox.Exists() {
		in.log.Error("instance directory does not exist", fmt.Errorf("%s", in.sandbox.Dir))
		return false
	}
	in.setState(StateCreated)
	return true
}

// Start spawns the frontend dev server (if configured) and then the backend,
// which gates readiness. Any failure triggers an immediate Stop so no
// partially-started processes leak.
func (in *Instance) Start() bool {
	switch in.state {
	case StateCreated:
	case StateStopped:
		in.log.Printf("Instance %s was stopped; recreate it instead of restarting\n", in.ID)
		return false
	default:
		in.log.Warnf("start called in state %s", in.state)
		return false
	}

	if !in.sandbox.Exists() {
		in.log.Error("instance directory does not exist", fmt.Errorf("%s", in.sandbox.Dir))
		return false
	}

	in.log.Printf("Starting temp instance %s...\n", in.ID)

	// Re-pin the environment override file on every start so a template
	// that ships its own env files can never win.
	if err := in.sandbox.WriteInstanceConfig(); err != nil {
		in.log.Error("failed to write instance config", err)
		return false
	}

	overrides := in.sandbox.InstanceEnv()

	if in.cfg.Frontend != nil {
		if !in.startFrontend(overrides) {
			// A dead frontend is not fatal: the backend serves the
			// built assets in most setups. Narrated, not escalated.
			in.log.Warnf("frontend did not start cleanly; continuing")
		}
	}

	if !in.startBackend(overrides) {
		in.Stop()
		return false
	}

	if err := WriteInstanceRecord(in.sandbox.Dir, in.ID, in.ports, in.backend.PID()); err != nil {
		in.log.Warnf("failed to record instance ownership: %v", err)
	}

	timeout := time.Duration(in.cfg.ReadyTimeout) * time.Second
	if !WaitForReady(in.log, in.BaseURL(), timeout) {
		in.showRecentLogs(20)
		in.Stop()
		return false
	}

	in.setState(StateRunning)
	in.log.Printf("Temp instance %s started\n", in.ID)
	in.log.Printf("  Web: %s\n", in.BaseURL())
	in.log.Printf("  API: %s\n", in.APIURL())
	return true
}

func (in *Instance) startFrontend(overrides map[string]string) bool {
	fe := in.cfg.Frontend
	dir := in.sandbox.Dir
	if fe.Dir != "" {
		dir = filepath.Join(dir, fe.Dir)
	}
	if !fileExists(dir) {
		in.log.Printf("Frontend dir %s not found, skipping frontend\n", dir)
		return true
	}

	proc, err := SpawnProcess("frontend", fe.Command, dir, overrides,
		in.sandbox.FrontendLogPath(), in.sandbox.FrontendErrLogPath())
	if err != nil {
		in.log.Warnf("frontend spawn failed: %v", err)
		return false
	}
	in.frontend = proc
	in.log.ProcessSpawn("frontend", fe.Command, proc.PID())
	in.log.Printf("Frontend dev server started (PID %d, port %d)\n", proc.PID(), in.ports.FrontendDevPort)

	time.Sleep(time.Duration(fe.Settle) * time.Second)

	if running, code := proc.Poll(); !running {
		in.log.ProcessExit("frontend", code)
		in.log.Warnf("frontend exited immediately with code %d", code)
		return false
	}
	return true
}

func (in *Instance) startBackend(overrides map[string]string) bool {
	be := in.cfg.Backend
	dir := in.sandbox.Dir
	if be.Dir != "" {
		dir = filepath.Join(dir, be.Dir)
	}

	proc, err := SpawnProcess("backend", be.Command, dir, overrides,
		in.sandbox.ServerLogPath(), in.sandbox.ServerErrLogPath())
	if err != nil {
		in.log.Error("backend spawn failed", err)
		return false
	}
	in.backend = proc
	in.log.ProcessSpawn("backend", be.Command, proc.PID())
	in.log.Printf("Backend started (PID %d, port %d)\n", proc.PID(), in.ports.WebPort)
	in.log.Printf("Server logs: %s\n", in.sandbox.ServerLogPath())

	time.Sleep(time.Duration(be.Settle) * time.Second)

	if running, code := proc.Poll(); !running {
		in.log.ProcessExit("backend", code)
		in.log.Error("backend exited immediately", fmt.Errorf("exit code %d", code))
		in.showRecentLogs(20)
		return false
	}
	return true
}

// Stop terminates both process trees (graceful then forced) and sweeps the
// allocated ports for survivors. Idempotent and never fails: teardown must
// run to completion even when the system is partially broken.
func (in *Instance) Stop() {
	in.log.Printf("Stopping temp instance %s...\n", in.ID)

	grace := time.Duration(in.cfg.GracePeriod) * time.Second
	in.frontend.Terminate(in.log, grace)
	in.frontend = nil
	in.backend.Terminate(in.log, grace)
	in.backend = nil

	// Fallback sweep: anything still bound to our ports outlived the
	// tracked trees (PID reuse, detached children).
	for _, port := range []int{in.ports.WebPort, in.ports.APIPort, in.ports.FrontendDevPort} {
		KillListenersOnPort(in.log, port)
	}

	RemoveInstanceRecord(in.sandbox.Dir)

	if in.state == StateRunning {
		in.setState(StateStopped)
	}
	in.log.Printf("Stopped temp instance %s\n", in.ID)
}

// Cleanup stops the instance and deletes its sandbox. dumpLogs controls
// whether the full captured server output is printed first — the sandbox is
// about to disappear, so this is the last chance to diagnose a failure.
// Never fails; errors are narrated and swallowed.
func (in *Instance) Cleanup(dumpLogs bool) {
	if dumpLogs {
		in.DumpFullLogs()
	}

	in.Stop()

	// Windows holds file locks briefly after process exit.
	if runtime.GOOS == "windows" {
		time.Sleep(time.Second)
	}

	if in.sandbox.Exists() {
		if err := in.sandbox.Remove(); err != nil {
			in.log.Warnf("failed to remove sandbox: %v", err)
		} else {
			in.log.Printf("Cleaned up temp instance %s\n", in.ID)
		}
	}

	in.log.InstanceCleanup(in.ID)
	in.setState(StateCleaned)
}

// IsRunning reports whether the backend process is alive.
func (in *Instance) IsRunning() bool {
	running, _ := in.backend.Poll()
	return running
}

// WithRunning is the scoped-acquisition contract: create + start, run fn,
// and guarantee cleanup on every exit path including panics.
func (in *Instance) WithRunning(fn func(*Instance) error) error {
	if !in.Create() {
		return fmt.Errorf("failed to create temp instance %s", in.ID)
	}
	defer in.Cleanup(true)

	if !in.Start() {
		return fmt.Errorf("failed to start temp instance %s", in.ID)
	}

	return fn(in)
}

// showRecentLogs prints the tail of the server logs to the console.
func (in *Instance) showRecentLogs(lines int) {
	for _, path := range []string{in.sandbox.ServerLogPath(), in.sandbox.ServerErrLogPath()} {
		data, err := os.ReadFile(path)
		if err != nil || len(strings.TrimSpace(string(data))) == 0 {
			continue
		}
		in.log.Printf("--- %s (last %d lines) ---\n", filepath.Base(path), lines)
		fmt.Println(tailLines(string(data), lines))
	}
}

// DumpFullLogs prints the complete captured server output.
func (in *Instance) DumpFullLogs() {
	fmt.Println(strings.Repeat("=", 70))
	fmt.Printf("SERVER LOGS FOR INSTANCE %s\n", in.ID)
	fmt.Println(strings.Repeat("=", 70))

	for _, path := range []string{in.sandbox.ServerLogPath(), in.sandbox.ServerErrLogPath()} {
		fmt.Printf("--- %s ---\n", path)
		data, err := os.ReadFile(path)
		switch {
		case err != nil:
			fmt.Println("(no log file)")
		case len(strings.TrimSpace(string(data))) == 0:
			fmt.Println("(empty)")
		default:
			fmt.Println(string(data))
		}
	}

	fmt.Println(strings.Repeat("=", 70))
}

// tailLines returns the last n lines of text.
func tailLines(text string, n int) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
