package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// EventType represents the type of log event
type EventType string

const (
	EventSessionStart    EventType = "session_start"
	EventSessionEnd      EventType = "session_end"
	EventStepStart       EventType = "step_start"
	EventStepEnd         EventType = "step_end"
	EventInstanceState   EventType = "instance_state"
	EventInstanceCreate  EventType = "instance_create"
	EventInstanceCleanup EventType = "instance_cleanup"
	EventProcessSpawn    EventType = "process_spawn"
	EventProcessExit     EventType = "process_exit"
	EventProbe           EventType = "probe"
	EventBrowserStep     EventType = "browser_step"
	EventConsoleError    EventType = "console_error"
	EventCommand         EventType = "command"
	EventVariableSet     EventType = "variable_set"
	EventWarning         EventType = "warning"
	EventError           EventType = "error"
)

// Event is a single entry in the session event stream
type Event struct {
	Timestamp time.Time              `json:"ts"`
	Type      EventType              `json:"type"`
	Step      int                    `json:"step,omitempty"`
	Duration  *int64                 `json:"duration,omitempty"` // nanoseconds
	Success   *bool                  `json:"success,omitempty"`
	Message   string                 `json:"msg,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// LoggingConfig configures the logging system
type LoggingConfig struct {
	Enabled           bool `json:"enabled"`
	MaxSessions       int  `json:"maxSessions"`
	ConsoleTimestamps bool `json:"consoleTimestamps"`
}

// DefaultLoggingConfig returns sensible defaults
func DefaultLoggingConfig() *LoggingConfig {
	return &LoggingConfig{
		Enabled:           true,
		MaxSessions:       10,
		ConsoleTimestamps: true,
	}
}

// SessionLogger narrates a run as an append-only timestamped console stream
// and mirrors it as structured JSONL events for post-mortem inspection.
type SessionLogger struct {
	file      *os.File
	encoder   *json.Encoder
	mu        sync.Mutex
	step      int
	startTime time.Time
	enabled   bool
	config    *LoggingConfig
}

// NewSessionLogger creates a logger writing events.jsonl into logsDir.
func NewSessionLogger(logsDir string, config *LoggingConfig) (*SessionLogger, error) {
	if config == nil {
		config = DefaultLoggingConfig()
	}

	logger := &SessionLogger{
		startTime: time.Now(),
		enabled:   config.Enabled,
		config:    config,
	}

	if !config.Enabled {
		return logger, nil
	}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	file, err := os.Create(filepath.Join(logsDir, "events.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to create event log: %w", err)
	}

	logger.file = file
	logger.encoder = json.NewEncoder(file)

	return logger, nil
}

// NewConsoleLogger returns a logger that narrates to the console only, with
// no event file. Used by CLI subcommands that have no session directory.
func NewConsoleLogger() *SessionLogger {
	return &SessionLogger{
		startTime: time.Now(),
		config:    DefaultLoggingConfig(),
	}
}

// Close closes the event log file
func (l *SessionLogger) Close() error {
	if l != nil && l.file != nil {
		return l.file.Close()
	}
	return nil
}

// EventLogPath returns the path of the event log file, if any.
func (l *SessionLogger) EventLogPath() string {
	if l != nil && l.file != nil {
		return l.file.Name()
	}
	return ""
}

// SetStep sets the current step number attached to subsequent events
func (l *SessionLogger) SetStep(n int) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.step = n
	l.mu.Unlock()
}

func (l *SessionLogger) logEvent(event Event) {
	if l == nil || !l.enabled || l.file == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Step == 0 {
		event.Step = l.step
	}

	l.encoder.Encode(event)
}

// Convenience methods for specific event types

// SessionStart logs the start of a script session
func (l *SessionLogger) SessionStart(scriptName, sessionID string, stepCount int) {
	l.logEvent(Event{
		Type: EventSessionStart,
		Data: map[string]interface{}{
			"script":  scriptName,
			"session": sessionID,
			"steps":   stepCount,
		},
	})
}

// SessionEnd logs the end of a session
func (l *SessionLogger) SessionEnd(success bool, summary string) {
	if l == nil {
		return
	}
	duration := time.Since(l.startTime).Nanoseconds()
	l.logEvent(Event{
		Type:     EventSessionEnd,
		Duration: &duration,
		Success:  &success,
		Message:  summary,
	})
}

// StepStart logs the start of a script step
func (l *SessionLogger) StepStart(id, stepType, action, description string) {
	l.logEvent(Event{
		Type: EventStepStart,
		Data: map[string]interface{}{
			"id":          id,
			"type":        stepType,
			"action":      action,
			"description": description,
		},
	})
}

// StepEnd logs the end of a script step
func (l *SessionLogger) StepEnd(id string, success bool, durationNs int64) {
	l.logEvent(Event{
		Type:     EventStepEnd,
		Duration: &durationNs,
		Success:  &success,
		Data: map[string]interface{}{
			"id": id,
		},
	})
}

// InstanceState logs an instance lifecycle transition
func (l *SessionLogger) InstanceState(instanceID string, from, to InstanceState) {
	l.logEvent(Event{
		Type: EventInstanceState,
		Data: map[string]interface{}{
			"instance": instanceID,
			"from":     string(from),
			"to":       string(to),
		},
	})
}

// InstanceCreate logs instance creation, including the strategy that won
func (l *SessionLogger) InstanceCreate(instanceID, strategy string, success bool) {
	l.logEvent(Event{
		Type:    EventInstanceCreate,
		Success: &success,
		Data: map[string]interface{}{
			"instance": instanceID,
			"strategy": strategy,
		},
	})
}

// InstanceCleanup logs sandbox removal
func (l *SessionLogger) InstanceCleanup(instanceID string) {
	l.logEvent(Event{
		Type: EventInstanceCleanup,
		Data: map[string]interface{}{
			"instance": instanceID,
		},
	})
}

// ProcessSpawn logs a supervised process launch
func (l *SessionLogger) ProcessSpawn(name, command string, pid int) {
	l.logEvent(Event{
		Type: EventProcessSpawn,
		Data: map[string]interface{}{
			"name": name,
			"cmd":  command,
			"pid":  pid,
		},
	})
}

// ProcessExit logs a supervised process exiting outside of teardown
func (l *SessionLogger) ProcessExit(name string, exitCode int) {
	l.logEvent(Event{
		Type: EventProcessExit,
		Data: map[string]interface{}{
			"name":      name,
			"exit_code": exitCode,
		},
	})
}

// ProbeResult logs the outcome of a readiness probe
func (l *SessionLogger) ProbeResult(url string, ready bool, attempts int) {
	l.logEvent(Event{
		Type:    EventProbe,
		Success: &ready,
		Data: map[string]interface{}{
			"url":      url,
			"attempts": attempts,
		},
	})
}

// BrowserStep logs a browser action execution
func (l *SessionLogger) BrowserStep(action string, success bool, details map[string]interface{}) {
	l.logEvent(Event{
		Type:    EventBrowserStep,
		Success: &success,
		Data: map[string]interface{}{
			"action":  action,
			"details": details,
		},
	})
}

// ConsoleError logs a captured browser console exception
func (l *SessionLogger) ConsoleError(text string) {
	l.logEvent(Event{
		Type:    EventConsoleError,
		Message: text,
	})
}

// Command logs a command step execution
func (l *SessionLogger) Command(command string, exitCode int, durationNs int64) {
	success := exitCode == 0
	l.logEvent(Event{
		Type:     EventCommand,
		Duration: &durationNs,
		Success:  &success,
		Data: map[string]interface{}{
			"cmd":       command,
			"exit_code": exitCode,
		},
	})
}

// VariableSet logs a session variable being stored. The value is omitted on
// purpose: captured values may be secrets (API keys, passwords).
func (l *SessionLogger) VariableSet(key, description string) {
	l.logEvent(Event{
		Type: EventVariableSet,
		Data: map[string]interface{}{
			"key":         key,
			"description": description,
		},
	})
}

// Warnf logs a warning to both the console and the event stream
func (l *SessionLogger) Warnf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.Printf("Warning: %s\n", msg)
	l.logEvent(Event{
		Type:    EventWarning,
		Message: msg,
	})
}

// Error logs an error message with an optional underlying error
func (l *SessionLogger) Error(msg string, err error) {
	data := make(map[string]interface{})
	if err != nil {
		data["error"] = err.Error()
		l.Printf("Error: %s: %v\n", msg, err)
	} else {
		l.Printf("Error: %s\n", msg)
	}
	l.logEvent(Event{
		Type:    EventError,
		Message: msg,
		Data:    data,
	})
}

// Console output helpers with timestamps

// Printf prints a timestamped message to stdout
func (l *SessionLogger) Printf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if l != nil && l.config != nil && l.config.ConsoleTimestamps {
		fmt.Printf("[%s] %s", time.Now().Format("15:04:05"), msg)
	} else {
		fmt.Print(msg)
	}
}

// Println prints a timestamped message with newline to stdout
func (l *SessionLogger) Println(args ...interface{}) {
	msg := fmt.Sprint(args...)
	if l != nil && l.config != nil && l.config.ConsoleTimestamps {
		fmt.Printf("[%s] %s\n", time.Now().Format("15:04:05"), msg)
	} else {
		fmt.Println(msg)
	}
}

// rotateOldSessions deletes session directories beyond maxSessions, oldest
// first. Session directory names embed a timestamp, so lexical order is
// chronological.
func rotateOldSessions(sessionsRoot string, maxSessions int) {
	if maxSessions <= 0 {
		return
	}

	entries, err := os.ReadDir(sessionsRoot)
	if err != nil {
		return
	}

	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry.Name())
		}
	}
	if len(dirs) < maxSessions {
		return
	}

	sort.Strings(dirs)
	for _, name := range dirs[:len(dirs)-maxSessions+1] {
		os.RemoveAll(filepath.Join(sessionsRoot, name))
	}
}
