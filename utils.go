package main

import "os"

// fileExists checks if a file exists
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Step config accessors. Step configs come from JSON/YAML decoding into
// map[string]interface{}, so numbers may arrive as float64 or int.

func cfgString(config map[string]interface{}, key string) string {
	if v, ok := config[key].(string); ok {
		return v
	}
	return ""
}

func cfgStringDefault(config map[string]interface{}, key, fallback string) string {
	if v := cfgString(config, key); v != "" {
		return v
	}
	return fallback
}

func cfgInt(config map[string]interface{}, key string, fallback int) int {
	switch v := config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

func cfgBool(config map[string]interface{}, key string, fallback bool) bool {
	if v, ok := config[key].(bool); ok {
		return v
	}
	return fallback
}
