package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		showHelp()
		os.Exit(0)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	if cmd != "upgrade" {
		startUpdateCheck()
		defer printUpdateNotice()
	}

	switch cmd {
	case "-h", "--help", "help":
		showHelp()
	case "-v", "--version", "version":
		fmt.Printf("sidestage v%s\n", version)
	case "init":
		cmdInit(args)
	case "run":
		cmdRun(args)
	case "validate":
		cmdValidate(args)
	case "instances":
		cmdInstances(args)
	case "clean":
		cmdClean(args)
	case "logs":
		cmdLogs(args)
	case "doctor":
		cmdDoctor(args)
	case "upgrade":
		cmdUpgrade(args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Fprintln(os.Stderr, "Run 'sidestage --help' for usage.")
		os.Exit(1)
	}
}

func showHelp() {
	fmt.Printf(`sidestage v%s - Ephemeral test instances with scripted browser runs

Usage: sidestage <command> [options]

Commands:
  init [--force]       Initialize sidestage (creates sidestage.config.json)
  run <script>         Run a step script (JSON or YAML)
  validate <script>    Validate a script without running it
  instances            List temp instances in the workspace
  clean [--force]      Remove orphaned temp instances
  logs [--list]        Show the most recent session (or list all)
  doctor               Check the environment
  upgrade              Upgrade sidestage to the latest version

Options:
  -h, --help           Show this help message
  -v, --version        Show version number
  --headed             (run) Show the browser window
  --headless           (run) Force headless mode

Examples:
  sidestage init                  # Initialize in current project
  sidestage run demo.json         # Execute a step script
  sidestage run demo.json --headed
  sidestage validate demo.yaml    # Check a script's structure
  sidestage instances             # What's running or left behind?
  sidestage clean                 # Sweep orphaned instances

File Structure:
  sidestage.config.json           # Project configuration (required)
  temp-instances/<id>/            # One sandbox per instance
  demo-sessions/<session>/        # Per-run logs and screenshots
`, version)
}
