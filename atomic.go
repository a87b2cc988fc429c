package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// AtomicWriteJSON marshals data with indentation and writes it atomically.
// Files always end with a trailing newline.
func AtomicWriteJSON(path string, data any) error {
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	jsonData = append(jsonData, '\n')

	return AtomicWriteFile(path, jsonData)
}

// AtomicWriteFile writes data via temp file + rename so readers never observe
// a partial file. For .json targets the payload is validated first; an
// invalid payload leaves any existing file untouched.
func AtomicWriteFile(path string, data []byte) error {
	if filepath.Ext(path) == ".json" {
		var js json.RawMessage
		if err := json.Unmarshal(data, &js); err != nil {
			return fmt.Errorf("invalid JSON: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
