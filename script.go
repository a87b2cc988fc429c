package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ScriptSettings are script-wide knobs
type ScriptSettings struct {
	Headless            *bool `json:"headless,omitempty" yaml:"headless,omitempty"`
	SlowMotion          int   `json:"slow_motion,omitempty" yaml:"slow_motion,omitempty"`
	AutoCleanup         *bool `json:"auto_cleanup,omitempty" yaml:"auto_cleanup,omitempty"`
	Timeout             int   `json:"timeout,omitempty" yaml:"timeout,omitempty"` // seconds for the whole run
	ForceExitOnComplete bool  `json:"force_exit_on_complete,omitempty" yaml:"force_exit_on_complete,omitempty"`
}

// Step is one declarative action in a script
type Step struct {
	ID          string                 `json:"id" yaml:"id"`
	Type        string                 `json:"type" yaml:"type"`
	Action      string                 `json:"action" yaml:"action"`
	Description string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Config      map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
}

// Script is a declarative step script, loaded from JSON or YAML
type Script struct {
	ScriptName  string         `json:"script_name" yaml:"script_name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Settings    ScriptSettings `json:"settings,omitempty" yaml:"settings,omitempty"`
	Steps       []Step         `json:"steps" yaml:"steps"`
}

// knownStepTypes are the dispatchable step types
var knownStepTypes = map[string]bool{
	"instance": true,
	"browser":  true,
	"command":  true,
	"test":     true,
}

// LoadScript loads a step script from disk. The format follows the file
// extension: .yaml/.yml parse as YAML, everything else as JSON.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("script file not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read script: %w", err)
	}

	var script Script
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &script); err != nil {
			return nil, fmt.Errorf("invalid YAML script: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &script); err != nil {
			return nil, fmt.Errorf("invalid JSON script: %w", err)
		}
	}

	if err := script.Validate(); err != nil {
		return nil, err
	}

	return &script, nil
}

// Validate checks structural requirements before any step runs.
func (s *Script) Validate() error {
	if s.ScriptName == "" {
		return fmt.Errorf("script_name is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("script has no steps")
	}

	seen := make(map[string]bool)
	for i, step := range s.Steps {
		if step.ID == "" {
			return fmt.Errorf("steps[%d].id is required", i)
		}
		if seen[step.ID] {
			return fmt.Errorf("duplicate step id: %s", step.ID)
		}
		seen[step.ID] = true

		if !knownStepTypes[step.Type] {
			return fmt.Errorf("steps[%d] (%s): unknown type %q", i, step.ID, step.Type)
		}
		if step.Action == "" {
			return fmt.Errorf("steps[%d] (%s): action is required", i, step.ID)
		}
	}

	return nil
}

// AutoCleanup reports whether the temp instance should be removed when the
// script finishes. Defaults to true; scripts set auto_cleanup: false to keep
// the instance around for manual poking.
func (s *Script) AutoCleanup() bool {
	if s.Settings.AutoCleanup == nil {
		return true
	}
	return *s.Settings.AutoCleanup
}

// Headless reports the effective headless setting, falling back to the tool
// config default when the script doesn't say.
func (s *Script) Headless(defaultHeadless bool) bool {
	if s.Settings.Headless == nil {
		return defaultHeadless
	}
	return *s.Settings.Headless
}

// Timeout returns the overall run timeout.
func (s *Script) Timeout() time.Duration {
	if s.Settings.Timeout <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(s.Settings.Timeout) * time.Second
}
