package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ServiceCommand configures one supervised process of the app under test.
type ServiceCommand struct {
	Command string `json:"command"`
	Dir     string `json:"dir,omitempty"`    // relative to the instance dir
	Settle  int    `json:"settle,omitempty"` // seconds to wait before the liveness check
}

// BrowserConfig configures the chromedp browser driver
type BrowserConfig struct {
	Headless       bool   `json:"headless,omitempty"`
	ExecutablePath string `json:"executablePath,omitempty"`
	SlowMotion     int    `json:"slowMotion,omitempty"` // ms pause after each action
}

// StageConfig is the main configuration loaded from sidestage.config.json
type StageConfig struct {
	Workspace    string          `json:"workspace,omitempty"` // root for temp-instances/ and demo-sessions/
	Template     string          `json:"template,omitempty"`  // app source template for the legacy creation path
	Bootstrap    string          `json:"bootstrap,omitempty"` // external bootstrap command (fast creation path)
	Frontend     *ServiceCommand `json:"frontend,omitempty"`
	Backend      *ServiceCommand `json:"backend"`
	ReadyTimeout int             `json:"readyTimeout,omitempty"` // seconds
	GracePeriod  int             `json:"gracePeriod,omitempty"`  // seconds before force-kill
	Browser      *BrowserConfig  `json:"browser,omitempty"`
	Logging      *LoggingConfig  `json:"logging,omitempty"`
}

// ConfigPath returns the path to sidestage.config.json
func ConfigPath(projectRoot string) string {
	return filepath.Join(projectRoot, "sidestage.config.json")
}

// LoadConfig loads and validates sidestage.config.json
func LoadConfig(projectRoot string) (*StageConfig, error) {
	configPath := ConfigPath(projectRoot)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("sidestage.config.json not found\n\nRun 'sidestage init' to create one")
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg StageConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid sidestage.config.json: %w", err)
	}

	applyConfigDefaults(&cfg, projectRoot)

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyConfigDefaults fills in unset fields
func applyConfigDefaults(cfg *StageConfig, projectRoot string) {
	if cfg.Workspace == "" {
		cfg.Workspace = projectRoot
	}
	if !filepath.IsAbs(cfg.Workspace) {
		cfg.Workspace = filepath.Join(projectRoot, cfg.Workspace)
	}
	if cfg.Template != "" && !filepath.IsAbs(cfg.Template) {
		cfg.Template = filepath.Join(projectRoot, cfg.Template)
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 30
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 3
	}
	if cfg.Backend != nil && cfg.Backend.Settle <= 0 {
		cfg.Backend.Settle = 5
	}
	if cfg.Frontend != nil && cfg.Frontend.Settle <= 0 {
		cfg.Frontend.Settle = 3
	}
	if cfg.Browser == nil {
		cfg.Browser = &BrowserConfig{Headless: true}
	}
	if cfg.Logging == nil {
		cfg.Logging = DefaultLoggingConfig()
	}
}

// validateConfig validates the configuration
func validateConfig(cfg *StageConfig) error {
	if cfg.Backend == nil || cfg.Backend.Command == "" {
		return fmt.Errorf("backend.command is required")
	}
	if cfg.Template == "" && cfg.Bootstrap == "" {
		return fmt.Errorf("either template or bootstrap must be set")
	}
	return nil
}

// WriteDefaultConfig writes a default sidestage.config.json
func WriteDefaultConfig(projectRoot string) error {
	cfg := StageConfig{
		Template: "../app",
		Frontend: &ServiceCommand{
			Command: "npm run dev",
			Dir:     "frontend",
			Settle:  3,
		},
		Backend: &ServiceCommand{
			Command: "npm run start",
			Settle:  5,
		},
		ReadyTimeout: 30,
		GracePeriod:  3,
		Browser:      &BrowserConfig{Headless: true},
	}

	return AtomicWriteJSON(ConfigPath(projectRoot), cfg)
}

// GetProjectRoot returns the project root (git root or cwd)
func GetProjectRoot() string {
	cwd, _ := os.Getwd()
	return findGitRoot(cwd)
}

// findGitRoot finds the git root from a starting directory
func findGitRoot(start string) string {
	dir := start
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return start
		}
		dir = parent
	}
}

// isCommandAvailable checks if a command is available in PATH
func isCommandAvailable(cmd string) bool {
	_, err := exec.LookPath(cmd)
	return err == nil
}

// extractBaseCommand returns the first word of a shell command string.
// e.g. "npm run dev" → "npm", "./scripts/start.sh arg" → "./scripts/start.sh"
func extractBaseCommand(cmdStr string) string {
	fields := strings.Fields(cmdStr)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// chromeCandidates are executables probed when no explicit browser path is
// configured.
var chromeCandidates = []string{
	"google-chrome", "chromium", "chromium-browser", "chrome", "msedge",
}

func chromeAvailable(cfg *BrowserConfig) bool {
	if cfg != nil && cfg.ExecutablePath != "" {
		return fileExists(cfg.ExecutablePath)
	}
	for _, name := range chromeCandidates {
		if isCommandAvailable(name) {
			return true
		}
	}
	return false
}

// CheckReadiness validates that the environment can run scripts.
// Returns a list of issues. Empty list means ready.
func CheckReadiness(cfg *StageConfig) []string {
	var issues []string

	if cfg.Template != "" && !fileExists(cfg.Template) {
		issues = append(issues, fmt.Sprintf("template directory not found: %s", cfg.Template))
	}

	if cfg.Bootstrap != "" {
		if base := extractBaseCommand(cfg.Bootstrap); base != "" && !isCommandAvailable(base) {
			issues = append(issues, fmt.Sprintf("bootstrap: '%s' not found in PATH (from: %s)", base, cfg.Bootstrap))
		}
	}

	if cfg.Backend != nil {
		if base := extractBaseCommand(cfg.Backend.Command); base != "" && !isCommandAvailable(base) {
			issues = append(issues, fmt.Sprintf("backend: '%s' not found in PATH (from: %s)", base, cfg.Backend.Command))
		}
	}
	if cfg.Frontend != nil {
		if base := extractBaseCommand(cfg.Frontend.Command); base != "" && !isCommandAvailable(base) {
			issues = append(issues, fmt.Sprintf("frontend: '%s' not found in PATH (from: %s)", base, cfg.Frontend.Command))
		}
	}

	if !chromeAvailable(cfg.Browser) {
		issues = append(issues, "no Chrome/Chromium executable found — browser steps will fail. Set browser.executablePath.")
	}

	return issues
}
