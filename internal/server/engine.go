// Package server wires the activity engine and creates its servers.
//
// This is the composition root: it creates concrete implementations and
// injects them into the components that depend on abstractions. No
// business logic lives here, only wiring and lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/HendryAvila/activitylog/internal/activity"
	"github.com/HendryAvila/activitylog/internal/config"
	"github.com/HendryAvila/activitylog/internal/httpapi"
	"github.com/HendryAvila/activitylog/internal/indexer"
	"github.com/HendryAvila/activitylog/internal/ingest"
	"github.com/HendryAvila/activitylog/internal/llm"
	"github.com/HendryAvila/activitylog/internal/retrieval"
	"github.com/HendryAvila/activitylog/internal/timeparse"
	"github.com/HendryAvila/activitylog/internal/tracker"
	"github.com/HendryAvila/activitylog/internal/vector"
)

// Version is set at build time via ldflags.
var Version = "dev"

// timeNow is swapped in tests.
var timeNow = time.Now

// Engine holds the wired components of one activity engine.
type Engine struct {
	Store     *activity.Store
	Backend   vector.Backend
	Tracker   *tracker.Tracker
	Indexer   *indexer.Indexer
	Retrieval *retrieval.Coordinator
	Worker    *ingest.Worker

	cfg    *config.Config
	logger *slog.Logger
	llm    bool
}

// Open builds every component from cfg, restores sessions left open by a
// previous run and recovers the index watermark. The caller must Close
// the engine.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	e := &Engine{cfg: cfg, logger: logger}

	store, err := activity.New(activity.Config{DataDir: cfg.DataDir, OpTimeout: cfg.Store.OpTimeout})
	if err != nil {
		return nil, fmt.Errorf("server: open store: %w", err)
	}
	e.Store = store

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("server: open index: %w", err)
	}
	e.Backend = backend

	e.Tracker = tracker.New(store, cfg.Rules(), logger)
	if _, err := e.Tracker.Restore(ctx); err != nil {
		_ = e.Close()
		return nil, err
	}

	e.Indexer = indexer.New(store, backend, indexer.Config{
		BatchSize:    cfg.Indexer.BatchSize,
		BatchTimeout: cfg.Indexer.BatchTimeout,
	}, logger)
	// A failed recovery replays from 0, which only rewrites records.
	_, _ = e.Indexer.Recover(ctx)

	var answerer retrieval.Answerer
	switch {
	case !cfg.LLM.Enabled:
	case cfg.LLM.APIKey == "":
		logger.Warn("no LLM key, answers will be the grounding context only", "env", config.EnvAnthropic)
	default:
		a, err := llm.NewAnthropic(llm.Config{
			APIKey:    cfg.LLM.APIKey,
			BaseURL:   cfg.LLM.BaseURL,
			Model:     cfg.LLM.Model,
			MaxTokens: cfg.LLM.MaxTokens,
		})
		if err != nil {
			_ = e.Close()
			return nil, fmt.Errorf("server: llm: %w", err)
		}
		answerer = a
		e.llm = true
	}

	e.Retrieval, err = retrieval.New(retrieval.Deps{
		Sweeper:  e.Indexer,
		Searcher: backend,
		Store:    store,
		Answerer: answerer,
		Rules:    e.Tracker,
	}, retrieval.Config{
		TopK:         cfg.Retrieval.TopK,
		SweepTimeout: cfg.Retrieval.SweepTimeout,
		Parser:       timeparse.Parser{DefaultLookback: cfg.Retrieval.DefaultLookback},
		Location:     cfg.Location(),
	}, logger)
	if err != nil {
		_ = e.Close()
		return nil, err
	}

	e.Worker = ingest.NewWorker(e.Tracker, e.Indexer, cfg.Ingest.QueueSize, logger)
	logger.Info("engine ready",
		"data_dir", cfg.DataDir,
		"backend", cfg.Indexer.Backend,
		"embedder", cfg.Indexer.Embedder,
		"watermark", e.Indexer.Watermark(),
		"llm", e.llm)
	return e, nil
}

func openBackend(ctx context.Context, cfg *config.Config) (vector.Backend, error) {
	ic := cfg.Indexer
	if ic.Backend == config.BackendBleve {
		return vector.NewBleveBackend(vector.BleveConfig{Dir: cfg.DataDir, BatchLimit: ic.BatchLimit})
	}

	var (
		embedder vector.Embedder
		err      error
	)
	switch ic.Embedder {
	case config.EmbedderOpenAI:
		embedder, err = vector.NewOpenAIEmbedder(vector.OpenAIConfig{
			APIKey:    ic.OpenAIKey,
			BaseURL:   ic.OpenAIBaseURL,
			Model:     ic.EmbeddingModel,
			Dimension: ic.EmbeddingDimension,
		})
	case config.EmbedderGemini:
		embedder, err = vector.NewGeminiEmbedder(ctx, vector.GeminiConfig{
			APIKey:    ic.GeminiKey,
			Model:     ic.EmbeddingModel,
			Dimension: ic.EmbeddingDimension,
		})
	default:
		embedder = vector.NewHashEmbedder(ic.EmbeddingDimension)
	}
	if err != nil {
		return nil, err
	}
	cached, err := vector.NewCachedEmbedder(embedder, ic.EmbeddingCacheSize)
	if err != nil {
		return nil, err
	}
	return vector.NewSQLiteBackend(vector.SQLiteConfig{
		Dir:        cfg.DataDir,
		Embedder:   cached,
		BatchLimit: ic.BatchLimit,
	})
}

// Close releases the index and the store.
func (e *Engine) Close() error {
	var errs []error
	if e.Backend != nil {
		errs = append(errs, e.Backend.Close())
	}
	if e.Store != nil {
		errs = append(errs, e.Store.Close())
	}
	return errors.Join(errs...)
}

// Config returns the configuration the engine was opened with.
func (e *Engine) Config() *config.Config { return e.cfg }

// ApplyConfig installs reloaded activity rules. Other settings take effect
// on the next start.
func (e *Engine) ApplyConfig(cfg *config.Config) {
	e.Tracker.SetRules(cfg.Rules())
	e.logger.Info("activity rules reloaded", "types", len(cfg.Activities.Types), "path", cfg.Path)
}

// Health reports store, tracker, index and ingest state.
func (e *Engine) Health(ctx context.Context) map[string]any {
	out := map[string]any{
		"version":  Version,
		"backend":  e.cfg.Indexer.Backend,
		"embedder": e.cfg.Indexer.Embedder,
		"llm":      e.llm,
		"index":    e.Indexer.Status(),
		"ingest":   e.Worker.Status(),
		"tracker": map[string]int{
			"open":    len(e.Tracker.Snapshot()),
			"pending": e.Tracker.Pending(),
		},
	}
	if counts, err := e.Store.Counts(ctx); err != nil {
		out["status"] = "degraded"
		out["store_error"] = err.Error()
	} else {
		out["sessions"] = counts
	}
	if n, err := e.Backend.Count(ctx); err == nil {
		out["indexed"] = n
	}
	return out
}

// ─── Retention ───────────────────────────────────────────────────────────────

// Prune deletes closed sessions that started more than days ago, and their
// index records.
func (e *Engine) Prune(ctx context.Context, days int) (sessions int64, records int, err error) {
	sessions, err = e.Store.DeleteOlderThan(ctx, days)
	if err != nil {
		return 0, 0, err
	}
	records, err = e.Indexer.Prune(ctx, timeNow().AddDate(0, 0, -days))
	if err != nil {
		return sessions, 0, err
	}
	if sessions > 0 || records > 0 {
		e.logger.Info("retention pruned", "days", days, "sessions", sessions, "records", records)
	}
	return sessions, records, nil
}

func (e *Engine) runRetention(ctx context.Context) error {
	days, interval := e.cfg.Retention.Days, e.cfg.Retention.Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, _, err := e.Prune(ctx, days); err != nil && ctx.Err() == nil {
			e.logger.Warn("retention failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// RunOptions selects the surfaces Run starts.
type RunOptions struct {
	// HTTP serves the REST API on cfg.HTTP.Addr.
	HTTP bool
	// NATS subscribes to cfg.NATS when a URL is configured.
	NATS bool
	// Watch reloads activity rules when the config file changes.
	Watch       bool
	LoadOptions config.Options
	// MCP serves the MCP protocol over these streams when both are set.
	MCPIn  io.Reader
	MCPOut io.Writer
}

// Run starts the ingest worker, the periodic indexer, retention and the
// selected surfaces, and blocks until ctx ends or one of them fails. Open
// sessions are finalized before it returns.
func (e *Engine) Run(ctx context.Context, opts RunOptions) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.Worker.Run(ctx) })
	g.Go(func() error { return e.Indexer.Run(ctx, e.cfg.Indexer.Interval) })
	if e.cfg.Retention.Days > 0 {
		g.Go(func() error { return e.runRetention(ctx) })
	}
	if opts.HTTP {
		api := httpapi.New(httpapi.Deps{
			Events:    e.Worker,
			Retriever: e.Retrieval,
			Sweeper:   e.Indexer,
			Health:    e.Health,
		}, e.logger)
		g.Go(func() error { return api.Serve(ctx, e.cfg.HTTP.Addr) })
	}
	if opts.NATS && e.cfg.NATS.URL != "" {
		sub := ingest.NewSubscriber(ingest.NATSConfig{
			URL:     e.cfg.NATS.URL,
			Subject: e.cfg.NATS.Subject,
			Name:    e.cfg.NATS.Name,
		}, e.Worker, e.logger)
		g.Go(func() error { return sub.Run(ctx) })
	}
	if opts.Watch && e.cfg.Path != "" {
		g.Go(func() error {
			return config.Watch(ctx, opts.LoadOptions, e.cfg.Path, e.ApplyConfig, e.logger)
		})
	}
	if opts.MCPIn != nil && opts.MCPOut != nil {
		// The MCP client closing its stream stops the engine.
		g.Go(func() error {
			defer stop()
			err := e.ServeMCP(ctx, opts.MCPIn, opts.MCPOut)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}
