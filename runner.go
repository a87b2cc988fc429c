package main

import (
	"context"
	"fmt"
	"time"
)

// ScriptRunner executes a step script from start to finish: session setup,
// step dispatch, variable substitution, and teardown.
type ScriptRunner struct {
	cfg     *StageConfig
	script  *Script
	session *Session

	instance *Instance
	browser  *BrowserDriver
	cleanup  *CleanupCoordinator

	stepsRun int
}

// NewScriptRunner loads and validates the script and creates the session.
func NewScriptRunner(cfg *StageConfig, scriptPath string) (*ScriptRunner, error) {
	script, err := LoadScript(scriptPath)
	if err != nil {
		return nil, err
	}

	session, err := NewSession(cfg.Workspace, script.ScriptName, cfg.Logging)
	if err != nil {
		return nil, err
	}

	browserCfg := *cfg.Browser
	if script.Settings.SlowMotion > 0 {
		browserCfg.SlowMotion = script.Settings.SlowMotion
	}
	browser := NewBrowserDriver(&browserCfg, session, script.Headless(cfg.Browser.Headless))

	r := &ScriptRunner{
		cfg:     cfg,
		script:  script,
		session: session,
		browser: browser,
	}
	r.cleanup = NewCleanupCoordinator(session, browser)
	r.cleanup.SetAutoCleanup(script.AutoCleanup())
	return r, nil
}

// Run executes the script. Steps run in order; the first failure aborts the
// remaining steps. Teardown runs on every exit path, signals included.
func (r *ScriptRunner) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.script.Timeout())
	defer cancel()

	r.cleanup.InstallSignalHandler()

	log := r.session.Log
	log.SessionStart(r.script.ScriptName, r.session.ID, len(r.script.Steps))
	log.Printf("Running script: %s (%d steps)\n", r.script.ScriptName, len(r.script.Steps))
	if r.script.Description != "" {
		log.Printf("  %s\n", r.script.Description)
	}
	log.Printf("Session: %s\n", r.session.Dir)

	var runErr error
	for i, step := range r.script.Steps {
		if ctx.Err() != nil {
			runErr = fmt.Errorf("script timed out after %s", r.script.Timeout())
			break
		}

		r.session.StepIndex = i + 1
		log.SetStep(i + 1)

		// Substitute at execution time so steps see variables captured by
		// earlier steps.
		step.Config = r.session.SubstituteConfig(step.Config)

		desc := step.Description
		if desc == "" {
			desc = step.Action
		}
		log.Printf("[%d/%d] %s\n", i+1, len(r.script.Steps), desc)
		log.StepStart(step.ID, step.Type, step.Action, step.Description)

		start := time.Now()
		err := r.executeStep(ctx, step)
		log.StepEnd(step.ID, err == nil, time.Since(start).Nanoseconds())

		if err != nil {
			runErr = fmt.Errorf("step %s (%s): %w", step.ID, step.Action, err)
			log.Error(fmt.Sprintf("step %s failed", step.ID), err)
			break
		}
		r.stepsRun++
	}

	r.finish(runErr)
	return runErr
}

func (r *ScriptRunner) executeStep(ctx context.Context, step Step) error {
	switch step.Type {
	case "instance":
		return r.runInstanceStep(step)
	case "browser":
		return r.browser.Execute(step, r.baseURL())
	case "command":
		return r.runCommandStep(ctx, step)
	case "test":
		return r.runTestStep(ctx, step)
	default:
		return fmt.Errorf("unknown step type: %s", step.Type)
	}
}

func (r *ScriptRunner) baseURL() string {
	if r.instance == nil {
		return ""
	}
	return r.instance.BaseURL()
}

// runInstanceStep dispatches instance lifecycle actions.
func (r *ScriptRunner) runInstanceStep(step Step) error {
	switch step.Action {
	case "create_temp_instance":
		if r.instance != nil {
			return fmt.Errorf("an instance already exists: %s", r.instance.ID)
		}
		in := NewInstance(r.cfg, r.session.Log, cfgString(step.Config, "instance_id"))
		if !in.Create() {
			return fmt.Errorf("failed to create instance %s", in.ID)
		}
		r.instance = in
		r.cleanup.SetInstance(in)
		if cfgBool(step.Config, "start", true) {
			if !in.Start() {
				return fmt.Errorf("failed to start instance %s", in.ID)
			}
		}
		r.exportInstanceVars(in)
		return nil

	case "start_existing_instance":
		id := cfgString(step.Config, "instance_id")
		if id == "" {
			return fmt.Errorf("start_existing_instance requires instance_id")
		}
		in := NewInstance(r.cfg, r.session.Log, id)
		if !in.AttachExisting() {
			return fmt.Errorf("instance %s not found", id)
		}
		if !in.Start() {
			return fmt.Errorf("failed to start instance %s", id)
		}
		r.instance = in
		r.cleanup.SetInstance(in)
		r.exportInstanceVars(in)
		return nil

	case "stop_instance":
		if r.instance == nil {
			return fmt.Errorf("no instance to stop")
		}
		r.instance.Stop()
		return nil

	case "cleanup_instance":
		if r.instance == nil {
			return fmt.Errorf("no instance to clean up")
		}
		r.instance.Cleanup(cfgBool(step.Config, "dump_logs", false))
		r.instance = nil
		r.cleanup.ClearInstance()
		return nil

	default:
		return fmt.Errorf("unknown instance action: %s", step.Action)
	}
}

// exportInstanceVars publishes the instance coordinates as session variables
// so later steps can reference them via {{base_url}} etc.
func (r *ScriptRunner) exportInstanceVars(in *Instance) {
	r.session.SetVar("instance_id", in.ID, "temp instance ID")
	r.session.SetVar("base_url", in.BaseURL(), "instance web URL")
	r.session.SetVar("api_url", in.APIURL(), "instance API URL")
	r.session.SetVar("instance_dir", in.InstanceDir(), "instance sandbox directory")
	r.session.SetVar("db_path", in.DatabasePath(), "instance database path")
}

// finish runs teardown and writes the session summary.
func (r *ScriptRunner) finish(runErr error) {
	log := r.session.Log
	success := runErr == nil

	summary := fmt.Sprintf("%d/%d steps completed", r.stepsRun, len(r.script.Steps))
	if success {
		log.Printf("Script completed: %s\n", summary)
	} else {
		log.Printf("Script failed: %s\n", summary)
	}

	if err := r.session.SaveInfo(r.script, success, r.stepsRun, r.browser.ConsoleErrors()); err != nil {
		log.Warnf("failed to save session info: %v", err)
	}
	log.SessionEnd(success, summary)
	log.Printf("Session artifacts: %s\n", r.session.Dir)

	// Dump server logs only on failure; a clean run doesn't need them.
	r.cleanup.Cleanup(!success)
}
