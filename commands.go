package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

func cmdInit(args []string) {
	force := false
	for _, arg := range args {
		if arg == "-f" || arg == "--force" {
			force = true
		}
	}

	projectRoot := GetProjectRoot()
	configPath := ConfigPath(projectRoot)

	if fileExists(configPath) && !force {
		fmt.Fprintf(os.Stderr, "sidestage.config.json already exists at %s\n", configPath)
		fmt.Fprintln(os.Stderr, "Use --force to overwrite.")
		os.Exit(1)
	}

	if err := WriteDefaultConfig(projectRoot); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Created %s\n", configPath)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Edit sidestage.config.json (template path, backend/frontend commands)")
	fmt.Println("  2. Run 'sidestage doctor' to verify the environment")
	fmt.Println("  3. Run 'sidestage run <script.json>' to execute a script")
}

func cmdRun(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: sidestage run <script.json|script.yaml>")
		os.Exit(1)
	}
	scriptPath := args[0]

	cfg, err := LoadConfig(GetProjectRoot())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	for _, arg := range args[1:] {
		switch arg {
		case "--headed":
			cfg.Browser.Headless = false
		case "--headless":
			cfg.Browser.Headless = true
		}
	}

	runner, err := NewScriptRunner(cfg, scriptPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	if err := runner.Run(context.Background()); err != nil {
		os.Exit(1)
	}

	if runner.script.Settings.ForceExitOnComplete {
		os.Exit(0)
	}
}

func cmdValidate(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: sidestage validate <script.json|script.yaml>")
		os.Exit(1)
	}

	script, err := LoadScript(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid script: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Script '%s' is valid (%d steps)\n", script.ScriptName, len(script.Steps))
	for i, step := range script.Steps {
		desc := step.Description
		if desc == "" {
			desc = step.Action
		}
		fmt.Printf("  %2d. [%s] %s\n", i+1, step.Type, desc)
	}
}

func cmdInstances(args []string) {
	cfg, err := LoadConfig(GetProjectRoot())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	statuses := ListInstances(cfg.Workspace)
	if len(statuses) == 0 {
		fmt.Println("No temp instances found.")
		return
	}

	fmt.Printf("%d temp instance(s) in %s:\n\n", len(statuses), filepath.Join(cfg.Workspace, "temp-instances"))
	for _, status := range statuses {
		state := "orphaned"
		if status.Owned {
			state = fmt.Sprintf("owned by PID %d", status.Record.OwnerPID)
		}
		fmt.Printf("  %s\n", status.InstanceID)
		fmt.Printf("    ports: web=%d api=%d frontend=%d\n",
			status.Ports.WebPort, status.Ports.APIPort, status.Ports.FrontendDevPort)
		fmt.Printf("    state: %s\n", state)
		if status.Record != nil {
			fmt.Printf("    started: %s\n", status.Record.StartedAt.Format(time.RFC3339))
		}
	}
	fmt.Println()
	fmt.Println("Run 'sidestage clean' to remove orphaned instances.")
}

func cmdClean(args []string) {
	force := false
	for _, arg := range args {
		if arg == "-f" || arg == "--force" {
			force = true
		}
	}

	cfg, err := LoadConfig(GetProjectRoot())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	log := NewConsoleLogger()
	cleaned := CleanAllInstances(log, cfg.Workspace, force)
	fmt.Printf("Cleaned up %d instance(s)\n", cleaned)
}

func cmdLogs(args []string) {
	cfg, err := LoadConfig(GetProjectRoot())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	sessionsRoot := filepath.Join(cfg.Workspace, "demo-sessions")
	entries, err := os.ReadDir(sessionsRoot)
	if err != nil || len(entries) == 0 {
		fmt.Println("No sessions found.")
		return
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	list := false
	for _, arg := range args {
		if arg == "-l" || arg == "--list" {
			list = true
		}
	}

	if list {
		fmt.Printf("%d session(s):\n", len(names))
		for _, name := range names {
			fmt.Printf("  %s\n", name)
		}
		return
	}

	// Default: summarize the most recent session.
	latest := names[len(names)-1]
	dir := filepath.Join(sessionsRoot, latest)
	fmt.Printf("Session: %s\n", latest)

	if data, err := os.ReadFile(filepath.Join(dir, "session_info.json")); err == nil {
		var info map[string]interface{}
		if json.Unmarshal(data, &info) == nil {
			fmt.Printf("  script:  %v\n", info["script"])
			fmt.Printf("  success: %v\n", info["success"])
			fmt.Printf("  steps:   %v/%v\n", info["steps_run"], info["steps_total"])
		}
	}
	fmt.Printf("  events:  %s\n", filepath.Join(dir, "logs", "events.jsonl"))
	fmt.Printf("  shots:   %s\n", filepath.Join(dir, "screenshots"))
}

func cmdDoctor(args []string) {
	projectRoot := GetProjectRoot()
	issues := 0

	fmt.Println("Sidestage Environment Check")
	fmt.Println()

	cfg, err := LoadConfig(projectRoot)
	if err != nil {
		fmt.Printf("✗ sidestage.config.json: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ sidestage.config.json found\n")

	for _, issue := range CheckReadiness(cfg) {
		fmt.Printf("✗ %s\n", issue)
		issues++
	}

	if cfg.Template != "" && fileExists(cfg.Template) {
		fmt.Printf("✓ Template: %s\n", cfg.Template)
	}
	if chromeAvailable(cfg.Browser) {
		fmt.Printf("✓ Chrome/Chromium available\n")
	}

	fmt.Println()
	if issues > 0 {
		fmt.Printf("%d issue(s) found\n", issues)
		os.Exit(1)
	}
	fmt.Println("Environment looks good.")
}
