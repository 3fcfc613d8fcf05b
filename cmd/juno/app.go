package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChamsBouzaiene/juno/internal/config"
	"github.com/ChamsBouzaiene/juno/internal/engine"
	"github.com/ChamsBouzaiene/juno/internal/eventindex"
	"github.com/ChamsBouzaiene/juno/internal/history"
	"github.com/ChamsBouzaiene/juno/internal/mcpclient"
	"github.com/ChamsBouzaiene/juno/internal/progress"
	"github.com/ChamsBouzaiene/juno/internal/server"
	"github.com/ChamsBouzaiene/juno/internal/session"
)

// disabled turns a storage path off.
const disabled = "-"

// storagePaths resolves the storage section against the config directory.
type storagePaths struct {
	HistoryDB   string
	SessionsDir string
	EventIndex  string
}

func resolveStorage(cfg *config.Config, configPath string) storagePaths {
	base := filepath.Dir(configPath)
	pick := func(v, def string) string {
		switch v {
		case disabled:
			return ""
		case "":
			return filepath.Join(base, def)
		}
		return v
	}
	return storagePaths{
		HistoryDB:   pick(cfg.Storage.HistoryDB, "history.db"),
		SessionsDir: pick(cfg.Storage.SessionsDir, "sessions"),
		EventIndex:  pick(cfg.Storage.EventIndex, "events.bleve"),
	}
}

// app is a fully wired engine with its storage and background services.
type app struct {
	manager *config.Manager

	mu  sync.RWMutex
	cfg *config.Config

	client   *mcpclient.Client
	engine   *engine.Engine
	runner   *server.Runner
	pipeline *progress.Pipeline
	history  *history.DB
	events   *eventindex.Index
	sessions *session.Store
	watcher  *config.Watcher
}

type appOptions struct {
	// Quiet disables the engine's lifecycle log lines.
	Quiet bool
	// Watch reloads the config file into the engine when it changes.
	Watch bool
}

func newApp(ctx context.Context, manager *config.Manager, cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{manager: manager, cfg: cfg}
	paths := resolveStorage(cfg, manager.GetConfigPath())

	for _, p := range []string{paths.HistoryDB, paths.EventIndex} {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}
	if paths.HistoryDB != "" {
		db, err := history.NewDB(ctx, paths.HistoryDB)
		if err != nil {
			return nil, err
		}
		a.history = db
	}
	if paths.EventIndex != "" {
		idx, err := eventindex.Open(paths.EventIndex)
		if err != nil {
			log.Printf("event index disabled: %v", err)
		} else {
			a.events = idx
		}
	}
	if paths.SessionsDir != "" {
		a.sessions = session.NewStoreAt(paths.SessionsDir)
	}

	var processors []engine.ProgressProcessor
	if a.events != nil {
		processors = append(processors, a.events.Processor())
	}
	pipeline, err := cfg.Pipeline(processors...)
	if err != nil {
		a.closeStorage()
		return nil, err
	}
	a.pipeline = pipeline

	a.client = mcpclient.New(mcpclient.Config{
		Command:           cfg.MCP.Command,
		Args:              cfg.MCP.Args,
		Env:               cfg.MCP.Env,
		Dir:               cfg.MCP.Dir,
		ClientName:        "juno",
		ClientVersion:     version,
		TerminateDuration: cfg.MCP.TerminateDuration,
		KeepAlive:         cfg.MCP.KeepAlive,
	})

	engineOpts := []engine.Option{}
	if !opts.Quiet {
		engineOpts = append(engineOpts, engine.WithHooks(engine.DefaultHooks()...))
	}
	if a.history != nil {
		engineOpts = append(engineOpts, engine.WithRecorder(a.history))
	}
	if a.sessions != nil {
		engineOpts = append(engineOpts, engine.WithRecorder(a.sessions))
	}

	a.engine = engine.New(a.client, a.engineConfig(cfg, pipeline), engineOpts...)
	a.runner = server.NewRunner(a.engine, a.applyDefaults)

	if opts.Watch {
		w, err := config.NewWatcher(manager, a.reconfigure)
		if err != nil {
			log.Printf("config watching disabled: %v", err)
		} else if err := w.Start(); err != nil {
			log.Printf("config watching disabled: %v", err)
			w.Stop()
		} else {
			a.watcher = w
		}
	}
	return a, nil
}

func (a *app) engineConfig(cfg *config.Config, p *progress.Pipeline) engine.EngineConfig {
	ec := cfg.EngineConfig()
	ec.Progress = p.ProgressPipeline
	return ec
}

// applyDefaults fills request fields from the most recently loaded config.
func (a *app) applyDefaults(req *engine.ExecutionRequest) {
	a.currentConfig().ApplyDefaults(req)
}

func (a *app) currentConfig() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// reconfigure applies a reloaded config to runs started from now on.
func (a *app) reconfigure(cfg *config.Config) {
	var processors []engine.ProgressProcessor
	if a.events != nil {
		processors = append(processors, a.events.Processor())
	}
	pipeline, err := cfg.Pipeline(processors...)
	if err != nil {
		log.Printf("config reload rejected: %v", err)
		return
	}
	a.engine.Reconfigure(a.engineConfig(cfg, pipeline))

	a.mu.Lock()
	a.cfg = cfg
	old := a.pipeline
	a.pipeline = pipeline
	a.mu.Unlock()
	// Runs that started before the reload may still use the old filters.
	a.engine.AddCleanup(func(context.Context) error { return old.Close() })
}

// Close shuts the engine down and releases storage.
func (a *app) Close(ctx context.Context) error {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	err := a.engine.Shutdown(ctx)
	if werr := a.runner.WaitContext(ctx); err == nil {
		err = werr
	}
	a.mu.RLock()
	p := a.pipeline
	a.mu.RUnlock()
	if perr := p.Close(); err == nil {
		err = perr
	}
	a.closeStorage()
	return err
}

func (a *app) closeStorage() {
	if a.events != nil {
		if err := a.events.Close(); err != nil {
			log.Printf("failed to close event index: %v", err)
		}
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			log.Printf("failed to close history: %v", err)
		}
	}
}
