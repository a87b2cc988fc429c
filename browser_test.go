package main

import "testing"

func TestTruncateText(t *testing.T) {
	if got := truncateText("short", 100); got != "short" {
		t.Errorf("short text should pass through, got %q", got)
	}
	got := truncateText("aaaaaaaaaa", 4)
	if got != "aaaa..." {
		t.Errorf("truncateText = %q", got)
	}
}

func TestNewBrowserDriver_NilConfig(t *testing.T) {
	s := newTestSession(t)
	bd := NewBrowserDriver(nil, s, true)

	if bd.config == nil || !bd.config.Headless {
		t.Error("nil config should default to headless")
	}
	// Close before any step started must be a no-op.
	bd.Close()
	bd.Close()
}

func TestCfgHelpers(t *testing.T) {
	config := map[string]interface{}{
		"s": "hello",
		"f": float64(42), // JSON numbers decode as float64
		"i": 7,           // YAML numbers decode as int
		"b": true,
	}

	if cfgString(config, "s") != "hello" {
		t.Error("cfgString failed")
	}
	if cfgString(config, "missing") != "" {
		t.Error("cfgString should default to empty")
	}
	if cfgStringDefault(config, "missing", "fb") != "fb" {
		t.Error("cfgStringDefault fallback failed")
	}
	if cfgInt(config, "f", 0) != 42 {
		t.Error("cfgInt should handle float64")
	}
	if cfgInt(config, "i", 0) != 7 {
		t.Error("cfgInt should handle int")
	}
	if cfgInt(config, "missing", 9) != 9 {
		t.Error("cfgInt fallback failed")
	}
	if !cfgBool(config, "b", false) {
		t.Error("cfgBool failed")
	}
	if cfgBool(config, "missing", true) != true {
		t.Error("cfgBool fallback failed")
	}
}
