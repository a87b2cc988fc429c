package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s, err := NewSession(t.TempDir(), "unit test!", DefaultLoggingConfig())
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestNewSession_CreatesTree(t *testing.T) {
	s := newTestSession(t)

	if !strings.HasPrefix(s.ID, "unit_test_") {
		t.Errorf("session ID should start with sanitized script name: %s", s.ID)
	}
	for _, dir := range []string{s.Dir, s.ScreenshotsDir, s.LogsDir} {
		if !fileExists(dir) {
			t.Errorf("expected directory %s", dir)
		}
	}
	if !fileExists(filepath.Join(s.LogsDir, "events.jsonl")) {
		t.Error("events.jsonl should exist")
	}
}

func TestSession_Variables(t *testing.T) {
	s := newTestSession(t)

	s.SetVar("user_id", "42", "captured from page")
	if got := s.GetVar("user_id", ""); got != "42" {
		t.Errorf("GetVar = %q, want 42", got)
	}
	if got := s.GetVar("missing", "fallback"); got != "fallback" {
		t.Errorf("GetVar fallback = %q", got)
	}
}

func TestSession_Substitute(t *testing.T) {
	s := newTestSession(t)
	s.SetVar("base_url", "http://localhost:6123", "")
	s.SetVar("user", "alice", "")

	got := s.Substitute("{{base_url}}/users/{{user}}")
	if got != "http://localhost:6123/users/alice" {
		t.Errorf("substitution failed: %s", got)
	}

	// Unknown placeholders stay intact.
	if got := s.Substitute("{{unknown}}"); got != "{{unknown}}" {
		t.Errorf("unknown placeholder rewritten: %s", got)
	}
}

func TestSession_SubstituteEnv(t *testing.T) {
	s := newTestSession(t)
	t.Setenv("SIDESTAGE_TEST_TOKEN", "secret123")

	if got := s.Substitute("token={{ENV:SIDESTAGE_TEST_TOKEN}}"); got != "token=secret123" {
		t.Errorf("env substitution failed: %s", got)
	}
	if got := s.Substitute("{{ENV:SIDESTAGE_UNSET_VAR}}"); got != "{{ENV:SIDESTAGE_UNSET_VAR}}" {
		t.Errorf("unset env placeholder rewritten: %s", got)
	}
}

func TestSession_SubstituteConfigNested(t *testing.T) {
	s := newTestSession(t)
	s.SetVar("port", "6123", "")

	config := map[string]interface{}{
		"url": "http://localhost:{{port}}",
		"headers": map[string]interface{}{
			"X-Port": "{{port}}",
		},
		"args":  []interface{}{"{{port}}", 7},
		"count": 3,
	}

	out := s.SubstituteConfig(config)
	if out["url"] != "http://localhost:6123" {
		t.Errorf("top-level string not substituted: %v", out["url"])
	}
	headers := out["headers"].(map[string]interface{})
	if headers["X-Port"] != "6123" {
		t.Errorf("nested map not substituted: %v", headers["X-Port"])
	}
	args := out["args"].([]interface{})
	if args[0] != "6123" || args[1] != 7 {
		t.Errorf("list substitution wrong: %v", args)
	}
	if out["count"] != 3 {
		t.Errorf("non-string value changed: %v", out["count"])
	}
}

func TestSession_NextScreenshotPath(t *testing.T) {
	s := newTestSession(t)

	first := s.NextScreenshotPath("login page")
	second := s.NextScreenshotPath("login page")

	if filepath.Base(first) != "001_login_page.png" {
		t.Errorf("unexpected first screenshot name: %s", filepath.Base(first))
	}
	if filepath.Base(second) != "002_login_page.png" {
		t.Errorf("unexpected second screenshot name: %s", filepath.Base(second))
	}
}

func TestSession_SaveInfo(t *testing.T) {
	s := newTestSession(t)
	s.SetVar("base_url", "http://localhost:6123", "instance web URL")

	script := &Script{ScriptName: "demo", Steps: []Step{
		{ID: "a", Type: "test", Action: "http_get"},
		{ID: "b", Type: "test", Action: "http_get"},
	}}

	if err := s.SaveInfo(script, true, 2, []string{"TypeError: boom"}); err != nil {
		t.Fatalf("SaveInfo failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(s.Dir, "session_info.json"))
	if err != nil {
		t.Fatal(err)
	}

	var info sessionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		t.Fatalf("invalid session_info.json: %v", err)
	}
	if info.Script != "demo" || !info.Success || info.StepsRun != 2 || info.StepsTotal != 2 {
		t.Errorf("wrong summary: %+v", info)
	}
	if info.Variables["base_url"].Value != "http://localhost:6123" {
		t.Error("variables not persisted")
	}
	if len(info.ConsoleErrors) != 1 {
		t.Errorf("console errors not persisted: %v", info.ConsoleErrors)
	}
}

func TestRotateOldSessions(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"a_20240101_000000", "b_20240102_000000", "c_20240103_000000"} {
		if err := os.MkdirAll(filepath.Join(root, name), 0755); err != nil {
			t.Fatal(err)
		}
	}

	// Keep 2 total including the one about to be created.
	rotateOldSessions(root, 2)

	entries, _ := os.ReadDir(root)
	if len(entries) != 1 {
		t.Fatalf("expected 1 surviving session, got %d", len(entries))
	}
	if entries[0].Name() != "c_20240103_000000" {
		t.Errorf("newest session should survive, got %s", entries[0].Name())
	}
}
