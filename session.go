package main

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// SessionVariable is a value captured during a run, with enough provenance
// to reconstruct where it came from.
type SessionVariable struct {
	Value       string    `json:"value"`
	Description string    `json:"description,omitempty"`
	Step        int       `json:"step"`
	Timestamp   time.Time `json:"timestamp"`
}

// Session owns the per-run directory under demo-sessions/ and the variable
// store that steps read and write through {{placeholder}} substitution.
type Session struct {
	ID             string
	Dir            string
	ScreenshotsDir string
	LogsDir        string
	Log            *SessionLogger

	StepIndex int // 1-based index of the step currently executing

	variables       map[string]SessionVariable
	screenshotCount int
}

// NewSession creates the session directory tree and the event logger.
// Old sessions beyond the configured maximum are rotated out first.
func NewSession(workspace, scriptName string, logCfg *LoggingConfig) (*Session, error) {
	sessionsRoot := filepath.Join(workspace, "demo-sessions")

	if logCfg == nil {
		logCfg = DefaultLoggingConfig()
	}
	rotateOldSessions(sessionsRoot, logCfg.MaxSessions)

	id := fmt.Sprintf("%s_%s", sanitizeSessionName(scriptName), time.Now().Format("20060102_150405"))

	s := &Session{
		ID:             id,
		Dir:            filepath.Join(sessionsRoot, id),
		ScreenshotsDir: filepath.Join(sessionsRoot, id, "screenshots"),
		LogsDir:        filepath.Join(sessionsRoot, id, "logs"),
		variables:      make(map[string]SessionVariable),
	}

	for _, dir := range []string{s.Dir, s.ScreenshotsDir, s.LogsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create session directory: %w", err)
		}
	}

	log, err := NewSessionLogger(s.LogsDir, logCfg)
	if err != nil {
		return nil, err
	}
	s.Log = log

	return s, nil
}

// sanitizeSessionName keeps directory names portable: anything outside
// [a-zA-Z0-9_-] becomes an underscore.
func sanitizeSessionName(name string) string {
	if name == "" {
		return "session"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// SetVar stores a variable with provenance. The value itself is kept out of
// the event log.
func (s *Session) SetVar(key, value, description string) {
	s.variables[key] = SessionVariable{
		Value:       value,
		Description: description,
		Step:        s.StepIndex,
		Timestamp:   time.Now(),
	}
	s.Log.VariableSet(key, description)
}

// GetVar returns a variable's value, or fallback if unset.
func (s *Session) GetVar(key, fallback string) string {
	if v, ok := s.variables[key]; ok {
		return v.Value
	}
	return fallback
}

// VarNames returns the stored variable names in sorted order.
func (s *Session) VarNames() []string {
	names := make([]string, 0, len(s.variables))
	for k := range s.variables {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

var placeholderRe = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// Substitute replaces {{name}} placeholders with session variables and
// {{ENV:NAME}} placeholders with environment variables. Unknown placeholders
// are left as-is so the failure surfaces where the value is used.
func (s *Session) Substitute(text string) string {
	return placeholderRe.ReplaceAllStringFunc(text, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-2])
		if env, ok := strings.CutPrefix(name, "ENV:"); ok {
			if value, set := os.LookupEnv(env); set {
				return value
			}
			return match
		}
		if v, ok := s.variables[name]; ok {
			return v.Value
		}
		return match
	})
}

// SubstituteConfig applies Substitute to every string in a step config,
// recursing through nested maps and lists.
func (s *Session) SubstituteConfig(config map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(config))
	for k, v := range config {
		out[k] = s.substituteValue(v)
	}
	return out
}

func (s *Session) substituteValue(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return s.Substitute(t)
	case map[string]interface{}:
		return s.SubstituteConfig(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = s.substituteValue(item)
		}
		return out
	default:
		return v
	}
}

// NextScreenshotPath returns a numbered screenshot path so files sort in
// capture order.
func (s *Session) NextScreenshotPath(name string) string {
	s.screenshotCount++
	if name == "" {
		name = "screenshot"
	}
	return filepath.Join(s.ScreenshotsDir, fmt.Sprintf("%03d_%s.png", s.screenshotCount, sanitizeSessionName(name)))
}

// sessionInfo is the summary written to session_info.json when a run ends.
type sessionInfo struct {
	SessionID     string                     `json:"session_id"`
	Script        string                     `json:"script"`
	Success       bool                       `json:"success"`
	StepsRun      int                        `json:"steps_run"`
	StepsTotal    int                        `json:"steps_total"`
	FinishedAt    time.Time                  `json:"finished_at"`
	Variables     map[string]SessionVariable `json:"variables,omitempty"`
	ConsoleErrors []string                   `json:"console_errors,omitempty"`
}

// SaveInfo writes the run summary into the session directory.
func (s *Session) SaveInfo(script *Script, success bool, stepsRun int, consoleErrors []string) error {
	info := sessionInfo{
		SessionID:     s.ID,
		Script:        script.ScriptName,
		Success:       success,
		StepsRun:      stepsRun,
		StepsTotal:    len(script.Steps),
		FinishedAt:    time.Now(),
		Variables:     s.variables,
		ConsoleErrors: consoleErrors,
	}
	return AtomicWriteJSON(filepath.Join(s.Dir, "session_info.json"), info)
}

// Close flushes and closes the session's event log.
func (s *Session) Close() {
	s.Log.Close()
}
