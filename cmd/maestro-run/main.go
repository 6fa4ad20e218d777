// Package main is the headless Auto Run entry point: it executes one
// playbook by id against the session that owns it, sharing the desktop
// engine's on-disk state.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/maestro/maestro/internal/agent"
	"github.com/maestro/maestro/internal/autorun"
	"github.com/maestro/maestro/internal/common/config"
	"github.com/maestro/maestro/internal/common/errors"
	"github.com/maestro/maestro/internal/common/logger"
	"github.com/maestro/maestro/internal/events"
	"github.com/maestro/maestro/internal/events/bus"
	"github.com/maestro/maestro/internal/history"
	"github.com/maestro/maestro/internal/session"
	"github.com/maestro/maestro/internal/supervisor"
)

// Exit codes form the CLI's machine-readable contract.
const (
	exitOK              = 0
	exitGenericFailure  = 1
	exitPlaybookMissing = 2
	exitAgentMissing    = 3
	exitAgentBusy       = 4
	exitNoFolder        = 5
	exitUnsupportedKind = 6
)

// waitPollInterval is how often --wait re-checks the busy session.
const waitPollInterval = 5 * time.Second

type cliFlags struct {
	dryRun    bool
	noHistory bool
	jsonOut   bool
	debug     bool
	verbose   bool
	wait      bool
}

func main() {
	os.Exit(run())
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: maestro-run run <playbook-id> [--dry-run] [--no-history] [--json] [--debug] [--verbose] [--wait]")
}

func run() int {
	if len(os.Args) < 3 || os.Args[1] != "run" {
		usage()
		return exitGenericFailure
	}
	playbookID := os.Args[2]

	var flags cliFlags
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.BoolVar(&flags.dryRun, "dry-run", false, "plan only, dispatch nothing")
	fs.BoolVar(&flags.noHistory, "no-history", false, "suppress history writes")
	fs.BoolVar(&flags.jsonOut, "json", false, "machine-readable event stream on stdout")
	fs.BoolVar(&flags.debug, "debug", false, "debug logging")
	fs.BoolVar(&flags.verbose, "verbose", false, "verbose logging")
	fs.BoolVar(&flags.wait, "wait", false, "wait for a busy agent instead of failing")
	if err := fs.Parse(os.Args[3:]); err != nil {
		return exitGenericFailure
	}

	out := &emitter{json: flags.jsonOut}

	cfg, err := config.Load()
	if err != nil {
		out.error("CONFIG", err.Error())
		return exitGenericFailure
	}

	level := "warn"
	if flags.verbose {
		level = "info"
	}
	if flags.debug {
		level = "debug"
	}
	log, err := logger.NewLogger(logger.LoggingConfig{Level: level, Format: cfg.Logging.Format, OutputPath: "stderr"})
	if err != nil {
		out.error("LOGGER", err.Error())
		return exitGenericFailure
	}
	defer log.Sync()

	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	agents := agent.NewRegistry(log)
	if err := agents.LoadOverlay(cfg.AgentsOverlayPath()); err != nil {
		log.Warn("agent overlay not loaded", zap.Error(err))
	}
	registry := session.NewRegistry(cfg, agents, session.NewStore(cfg, log), eventBus, log)
	registry.Reconcile()

	playbooks := autorun.NewStore(cfg, log)
	sessionID, playbook, err := playbooks.Find(playbookID)
	if err != nil {
		out.error(errors.Code(err), "playbook not found: "+playbookID)
		return exitPlaybookMissing
	}

	sess, err := registry.Get(sessionID)
	if err != nil {
		out.error(errors.Code(err), err.Error())
		return exitGenericFailure
	}
	if sess.AutoRun.FolderPath == "" {
		out.error("NO_AUTORUN_FOLDER", "session has no Auto Run folder configured")
		return exitNoFolder
	}
	if _, err := agents.Get(sess.AgentKind); err != nil {
		out.error(errors.Code(err), err.Error())
		return exitUnsupportedKind
	}
	if _, err := agents.Resolve(sess.AgentKind, sess.ExecutableOverride); err != nil {
		out.error(errors.Code(err), err.Error())
		return exitAgentMissing
	}

	if code := waitUntilFree(cfg, registry, sess.ID, flags, out); code != exitOK {
		return code
	}

	if flags.dryRun {
		return dryRun(sess, playbook, out)
	}

	var histWriter *history.Writer
	if !flags.noHistory {
		histWriter = history.NewWriter(cfg, log)
		defer histWriter.Close()
	}

	sup := supervisor.New(cfg, registry, agents, eventBus, log)
	stats := autorun.NewStatsStore(cfg, log)
	scheduler, err := autorun.NewScheduler(cfg, registry, sup, playbooks, stats, histWriter, eventBus, log)
	if err != nil {
		out.error(errors.Code(err), err.Error())
		return exitGenericFailure
	}
	defer scheduler.Close()

	ended := make(chan *bus.Event, 1)
	for _, subject := range []string{events.BatchStateChanged, events.BatchTaskDone, events.BatchEnded} {
		subj := subject
		if _, err := eventBus.Subscribe(subj, func(_ context.Context, ev *bus.Event) error {
			out.event(subj, ev.Data)
			if subj == events.BatchEnded {
				select {
				case ended <- ev:
				default:
				}
			}
			return nil
		}); err != nil {
			out.error("SUBSCRIBE", err.Error())
			return exitGenericFailure
		}
	}

	ctx := context.Background()
	if err := scheduler.Start(ctx, sess.ID, playbook); err != nil {
		out.error(errors.Code(err), err.Error())
		switch errors.Code(err) {
		case errors.ErrCodeSessionBusy:
			return exitAgentBusy
		case errors.ErrCodeAgentNotFound:
			return exitAgentMissing
		default:
			return exitGenericFailure
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case sig := <-sigCh:
			log.Info("stopping batch", zap.String("signal", sig.String()))
			_ = scheduler.Stop(sess.ID)
			// Keep waiting for the batch to wind down.
		case ev := <-ended:
			sup.Shutdown(ctx)
			if reason, _ := ev.Data["reason"].(string); reason == "completed" || reason == "stopped" {
				return exitOK
			}
			return exitGenericFailure
		}
	}
}

// waitUntilFree blocks (with --wait) until no other process is running the
// session and the session itself is idle. Without --wait a busy session is
// an immediate failure.
func waitUntilFree(cfg *config.Config, registry *session.Registry, sessionID string, flags cliFlags, out *emitter) int {
	lastReason := ""
	for {
		reason := busyReason(cfg, registry, sessionID)
		if reason == "" {
			return exitOK
		}
		if !flags.wait {
			out.error(errors.ErrCodeSessionBusy, reason)
			return exitAgentBusy
		}
		if reason != lastReason {
			out.event("waiting", map[string]any{"reason": reason})
			lastReason = reason
		}
		time.Sleep(waitPollInterval)
	}
}

func busyReason(cfg *config.Config, registry *session.Registry, sessionID string) string {
	if act, busy := autorun.ActiveActivity(cfg, sessionID); busy && act.PID != os.Getpid() {
		return fmt.Sprintf("playbook %q running in pid %d", act.PlaybookName, act.PID)
	}
	if sess, err := registry.Get(sessionID); err == nil && !sess.IsIdle() {
		return "session has a busy tab or queued prompts"
	}
	return ""
}

// dryRun prints the plan without dispatching anything.
func dryRun(sess *session.Session, playbook *autorun.Playbook, out *emitter) int {
	total := 0
	docs := make([]map[string]any, 0, len(playbook.Documents))
	for _, doc := range playbook.Documents {
		content, err := os.ReadFile(filepath.Join(sess.AutoRun.FolderPath, doc))
		if err != nil {
			out.error(errors.ErrCodePlaybookInvalid, "unreadable document: "+doc)
			return exitGenericFailure
		}
		unchecked := autorun.UncheckedTasks(autorun.ParseDocument(string(content)))
		texts := make([]string, 0, len(unchecked))
		for _, task := range unchecked {
			texts = append(texts, task.Text)
		}
		total += len(unchecked)
		docs = append(docs, map[string]any{"document": doc, "tasks": texts})
	}
	out.event("plan", map[string]any{
		"playbookId": playbook.ID,
		"name":       playbook.Name,
		"sessionId":  sess.ID,
		"documents":  docs,
		"totalTasks": total,
	})
	return exitOK
}

// emitter writes CLI output: one JSON object per line in --json mode,
// human-readable lines otherwise.
type emitter struct {
	json bool
}

func (e *emitter) event(eventType string, data map[string]any) {
	if e.json {
		obj := make(map[string]any, len(data)+1)
		for k, v := range data {
			obj[k] = v
		}
		obj["type"] = eventType
		line, err := json.Marshal(obj)
		if err != nil {
			return
		}
		fmt.Println(string(line))
		return
	}
	fmt.Printf("%s: %v\n", eventType, data)
}

func (e *emitter) error(code, message string) {
	if e.json {
		line, err := json.Marshal(map[string]any{"type": "error", "code": code, "message": message})
		if err == nil {
			fmt.Println(string(line))
		}
		return
	}
	fmt.Fprintf(os.Stderr, "error (%s): %s\n", code, message)
}
