package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Sandbox is the private filesystem tree backing one instance. Every path a
// spawned process reads or writes lives under Dir; no instance may touch
// another instance's sandbox.
type Sandbox struct {
	InstanceID string
	Dir        string

	ports PortAssignment
}

// copyIgnoreNames are directory/file names excluded when copying an
// application template into a sandbox (heavy artifacts, VCS metadata).
var copyIgnoreNames = map[string]bool{
	"node_modules": true,
	".git":         true,
	"dist":         true,
	"build":        true,
	"__pycache__":  true,
	".DS_Store":    true,
}

// conflictingEnvFiles are environment files an application template may ship
// that would override instance isolation if left in place.
var conflictingEnvFiles = []string{".env.production", ".env"}

// NewSandbox describes the sandbox for an instance without touching disk.
func NewSandbox(workspace, instanceID string, ports PortAssignment) *Sandbox {
	return &Sandbox{
		InstanceID: instanceID,
		Dir:        filepath.Join(workspace, "temp-instances", instanceID),
		ports:      ports,
	}
}

// Path helpers. All absolute, all inside Dir.

func (sb *Sandbox) ConfigPath() string       { return filepath.Join(sb.Dir, "config", "test.json") }
func (sb *Sandbox) EnvFilePath() string      { return filepath.Join(sb.Dir, ".env.local") }
func (sb *Sandbox) LocalDataDir() string     { return filepath.Join(sb.Dir, "local_data") }
func (sb *Sandbox) UploadsDir() string       { return filepath.Join(sb.LocalDataDir(), "uploads") }
func (sb *Sandbox) AppBundlesDir() string    { return filepath.Join(sb.LocalDataDir(), "app_bundles") }
func (sb *Sandbox) EntityBundlesDir() string { return filepath.Join(sb.LocalDataDir(), "entity_bundles") }
func (sb *Sandbox) DatabasePath() string     { return filepath.Join(sb.LocalDataDir(), "app.db") }
func (sb *Sandbox) LogsDir() string          { return filepath.Join(sb.Dir, "logs") }
func (sb *Sandbox) ServerLogPath() string    { return filepath.Join(sb.LogsDir(), "server.log") }
func (sb *Sandbox) ServerErrLogPath() string { return filepath.Join(sb.LogsDir(), "server_error.log") }
func (sb *Sandbox) FrontendLogPath() string  { return filepath.Join(sb.LogsDir(), "frontend.log") }
func (sb *Sandbox) FrontendErrLogPath() string {
	return filepath.Join(sb.LogsDir(), "frontend_error.log")
}

// DatabaseURL returns the sqlite URL pointing inside the sandbox.
func (sb *Sandbox) DatabaseURL() string {
	return "sqlite:///" + filepath.ToSlash(sb.DatabasePath())
}

// Exists reports whether the sandbox directory is present on disk.
func (sb *Sandbox) Exists() bool {
	return fileExists(sb.Dir)
}

// Materialize creates the sandbox tree. Recreate-by-replace: an existing
// sandbox for the same ID is fully removed first so no stale state survives.
// templateDir may be empty (bootstrap mode already populated the tree) or
// name an application source template to copy in.
func (sb *Sandbox) Materialize(templateDir string) error {
	if templateDir != "" && !fileExists(templateDir) {
		return fmt.Errorf("template source not found: %s", templateDir)
	}

	if sb.Exists() {
		if err := os.RemoveAll(sb.Dir); err != nil {
			return fmt.Errorf("failed to remove stale sandbox: %w", err)
		}
	}
	if err := os.MkdirAll(sb.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create sandbox directory: %w", err)
	}

	if templateDir != "" {
		if err := copyTree(templateDir, sb.Dir, copyIgnoreNames); err != nil {
			return fmt.Errorf("failed to copy template: %w", err)
		}
	}

	return sb.WriteInstanceConfig()
}

// WriteInstanceConfig lays down the per-instance directories, config file and
// environment override file. Safe to call on an already-populated sandbox
// (bootstrap path); existing config is overwritten.
func (sb *Sandbox) WriteInstanceConfig() error {
	for _, dir := range []string{
		sb.UploadsDir(),
		sb.AppBundlesDir(),
		sb.EntityBundlesDir(),
		sb.LogsDir(),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	if err := sb.writeTestConfig(); err != nil {
		return err
	}
	if err := sb.writeEnvFile(); err != nil {
		return err
	}
	sb.removeConflictingEnvFiles()

	return nil
}

// testConfig mirrors config/test.json consumed by the application under test.
type testConfig struct {
	WebPort      int               `json:"web_port"`
	APIPort      int               `json:"api_port"`
	DatabaseURL  string            `json:"database_url"`
	InstanceID   string            `json:"instance_id"`
	TempInstance bool              `json:"temp_instance"`
	Environment  string            `json:"environment"`
	Storage      testStorageConfig `json:"storage"`
}

type testStorageConfig struct {
	UploadsPath       string `json:"uploads_path"`
	AppBundlesPath    string `json:"app_bundles_path"`
	EntityBundlesPath string `json:"entity_bundles_path"`
}

func (sb *Sandbox) writeTestConfig() error {
	cfg := testConfig{
		WebPort:      sb.ports.WebPort,
		APIPort:      sb.ports.APIPort,
		DatabaseURL:  sb.DatabaseURL(),
		InstanceID:   sb.InstanceID,
		TempInstance: true,
		Environment:  "test",
		Storage: testStorageConfig{
			UploadsPath:       sb.UploadsDir(),
			AppBundlesPath:    sb.AppBundlesDir(),
			EntityBundlesPath: sb.EntityBundlesDir(),
		},
	}
	if err := AtomicWriteJSON(sb.ConfigPath(), cfg); err != nil {
		return fmt.Errorf("failed to write test config: %w", err)
	}
	return nil
}

// InstanceEnv returns the environment overrides that fully pin the runtime
// configuration of spawned processes. These are both written to .env.local
// and layered over the host environment at spawn time, so no ambient
// variable or stray config file can leak into the instance.
func (sb *Sandbox) InstanceEnv() map[string]string {
	return map[string]string{
		"ENVIRONMENT":        "test",
		"DEBUG":              "true",
		"TEMP_INSTANCE":      "true",
		"INSTANCE_ID":        sb.InstanceID,
		"PORT":               fmt.Sprintf("%d", sb.ports.WebPort),
		"API_PORT":           fmt.Sprintf("%d", sb.ports.APIPort),
		"BASE_URL":           fmt.Sprintf("http://localhost:%d", sb.ports.WebPort),
		"HOST":               "127.0.0.1",
		"DB_PROVIDER":        "sqlite",
		"DATABASE_URL":       sb.DatabaseURL(),
		"STORAGE_PROVIDER":   "local",
		"UPLOADS_DIR":        sb.UploadsDir(),
		"APP_BUNDLES_DIR":    sb.AppBundlesDir(),
		"ENTITY_BUNDLES_DIR": sb.EntityBundlesDir(),
		"FRONTEND_DEV_PORT":  fmt.Sprintf("%d", sb.ports.FrontendDevPort),
		"WORKER_ENABLED":     "false",
		"SECRET_KEY":         "temp-test-secret-" + sb.InstanceID,
		// Isolation flag: the app must not load home-directory or
		// production env files on top of this instance's overrides.
		"USE_HOME_ENV": "false",
	}
}

func (sb *Sandbox) writeEnvFile() error {
	env := sb.InstanceEnv()

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "# Auto-generated environment for temp instance %s\n", sb.InstanceID)
	b.WriteString("# Every value here is absolute and scoped to this sandbox.\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, env[k])
	}

	if err := AtomicWriteFile(sb.EnvFilePath(), []byte(b.String())); err != nil {
		return fmt.Errorf("failed to write env file: %w", err)
	}
	return nil
}

// removeConflictingEnvFiles deletes template-shipped env files that would
// compete with .env.local. Missing files are fine.
func (sb *Sandbox) removeConflictingEnvFiles() {
	for _, name := range conflictingEnvFiles {
		path := filepath.Join(sb.Dir, name)
		if fileExists(path) {
			os.Remove(path)
		}
	}
}

// Remove deletes the whole sandbox tree.
func (sb *Sandbox) Remove() error {
	return os.RemoveAll(sb.Dir)
}

// copyTree recursively copies src into dst, skipping entries whose base name
// is in ignore. Symlinks are skipped; the template copy only needs regular
// files and directories.
func copyTree(src, dst string, ignore map[string]bool) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		name := entry.Name()
		if ignore[name] || strings.HasSuffix(name, ".pyc") {
			continue
		}

		srcPath := filepath.Join(src, name)
		dstPath := filepath.Join(dst, name)

		if entry.Type()&os.ModeSymlink != 0 {
			continue
		}

		if entry.IsDir() {
			if err := os.MkdirAll(dstPath, 0755); err != nil {
				return err
			}
			if err := copyTree(srcPath, dstPath, ignore); err != nil {
				return err
			}
			continue
		}

		if err := copyFile(srcPath, dstPath); err != nil {
			return err
		}
	}

	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
