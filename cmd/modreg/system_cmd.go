package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattjoyce/modreg/internal/api"
	"github.com/mattjoyce/modreg/internal/config"
	"github.com/mattjoyce/modreg/internal/lock"
	"github.com/mattjoyce/modreg/internal/log"
	"github.com/mattjoyce/modreg/internal/storage"
	"github.com/mattjoyce/modreg/internal/tui/watch"
)

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			printSystemStatusHelp()
			return 0
		}
		return runSystemStatus(actionArgs)
	case "watch":
		if hasHelpFlag(actionArgs) {
			printSystemWatchHelp()
			return 0
		}
		return runWatch(actionArgs)
	case "rebuild":
		if hasHelpFlag(actionArgs) {
			printSystemRebuildHelp()
			return 0
		}
		return runSystemRebuild(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func printSystemNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: modreg system <action>")
	fmt.Fprintln(w, "Actions: start, status, watch, rebuild")
}

func printSystemStartHelp() {
	fmt.Println("Usage: modreg system start [--config PATH]")
	fmt.Println("Start the registry server in the foreground.")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: modreg system status [--config PATH] [--json]")
	fmt.Println("Show registry health (config, storage, PID lock and API).")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  All checks passed")
	fmt.Println("  1  One or more checks failed")
}

func printSystemWatchHelp() {
	fmt.Println("Usage: modreg system watch [--api-url URL] [--config PATH]")
	fmt.Println()
	fmt.Println("Live view of registry health, per-type totals and module changes.")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  ↑/↓, k/j         Select a change")
}

func printSystemRebuildHelp() {
	fmt.Println("Usage: modreg system rebuild [--config PATH]")
	fmt.Println("Drop every shared (redis) dependency edge and rebuild from the stored composites.")
	fmt.Println("Every server sharing the store must be stopped; starting a server only adds missing edges.")
}

type statusCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

type statusReport struct {
	Healthy bool          `json:"healthy"`
	Config  string        `json:"config,omitempty"`
	Checks  []statusCheck `json:"checks"`
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	report := collectStatus(*configPath)

	if *jsonOut {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(data))
	} else {
		if report.Config != "" {
			fmt.Printf("config: %s\n", report.Config)
		}
		for _, c := range report.Checks {
			state := "OK"
			if !c.OK {
				state = "FAIL"
			}
			fmt.Printf("%s: %s (%s)\n", c.Name, state, c.Detail)
		}
	}
	if !report.Healthy {
		return 1
	}
	return 0
}

func collectStatus(configPath string) statusReport {
	cfg, resolved, err := loadConfig(configPath)
	report := statusReport{Config: resolved}
	if err != nil {
		report.Checks = []statusCheck{
			{Name: "config_load", Detail: err.Error()},
			{Name: "storage", Detail: "skipped: config not loaded"},
			{Name: "pid_lock", Detail: "skipped: config not loaded"},
			{Name: "api", Detail: "skipped: config not loaded"},
		}
		return report
	}
	report.Checks = append(report.Checks, statusCheck{Name: "config_load", OK: true, Detail: "valid"})
	report.Checks = append(report.Checks, checkStorage(cfg))

	lockCheck, running := checkPIDLock(cfg.Service.PIDFile)
	report.Checks = append(report.Checks, lockCheck)
	report.Checks = append(report.Checks, checkAPI(cfg, running))

	report.Healthy = true
	for _, c := range report.Checks {
		report.Healthy = report.Healthy && c.OK
	}
	return report
}

func checkStorage(cfg *config.Config) statusCheck {
	c := statusCheck{Name: "storage"}
	if cfg.Storage.Backend == config.BackendMemory {
		c.OK = true
		c.Detail = "memory backend (not persisted)"
		return c
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	kv, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		c.Detail = err.Error()
		return c
	}
	defer kv.Close()
	entries, err := kv.Scan(ctx)
	if err != nil {
		c.Detail = err.Error()
		return c
	}
	c.OK = true
	c.Detail = fmt.Sprintf("%s backend, %d composite(s)", cfg.Storage.Backend, len(entries))
	return c
}

// checkPIDLock reports whether a server holds the lock. Either state is healthy.
func checkPIDLock(path string) (statusCheck, bool) {
	c := statusCheck{Name: "pid_lock", OK: true}
	l, err := lock.Acquire(path)
	switch {
	case errors.Is(err, lock.ErrLocked):
		c.Detail = "held by running server"
		if pid, perr := lock.Holder(path); perr == nil {
			c.Detail = fmt.Sprintf("held by running server (pid %d)", pid)
		}
		return c, true
	case err != nil:
		c.OK = false
		c.Detail = err.Error()
		return c, false
	}
	_ = l.Release()
	c.Detail = "free (server not running)"
	return c, false
}

func checkAPI(cfg *config.Config, running bool) statusCheck {
	c := statusCheck{Name: "api", OK: true}
	switch {
	case !cfg.API.Enabled:
		c.Detail = "disabled"
		return c
	case !running:
		c.Detail = "skipped: server not running"
		return c
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h, err := api.NewClient(resolveAPIURL("", cfg.SourceFile)).Health(ctx)
	if err != nil {
		c.OK = false
		c.Detail = err.Error()
		return c
	}
	c.Detail = fmt.Sprintf("%s, %d module(s), up %ds", h.Status, h.Modules, h.UptimeSeconds)
	return c
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	var cf clientFlags
	cf.register(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if err := watch.Run(resolveAPIURL(cf.apiURL, cf.configPath)); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func runSystemRebuild(args []string) int {
	fs := flag.NewFlagSet("rebuild", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if cfg.Dependencies.Backend != config.BackendRedis {
		fmt.Println("Nothing to rebuild: in-memory dependency edges are restored when the server starts.")
		return 0
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("rebuild")

	pidLock, err := lock.Acquire(cfg.Service.PIDFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v (stop the server first)\n", err)
		return 1
	}
	defer pidLock.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	rt, err := openRegistry(ctx, cfg, logger, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer rt.Close()

	edges, err := rt.svc.RebuildDependencies(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("Rebuilt %d dependency edge(s)\n", edges)
	return 0
}
