package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/becomeliminal/runeai/changelog"
	"github.com/becomeliminal/runeai/chat"
	"github.com/becomeliminal/runeai/config"
	"github.com/becomeliminal/runeai/engine"
	"github.com/becomeliminal/runeai/enrich"
	"github.com/becomeliminal/runeai/fetch"
	"github.com/becomeliminal/runeai/jobs"
	"github.com/becomeliminal/runeai/logging"
	"github.com/becomeliminal/runeai/memory"
	"github.com/becomeliminal/runeai/memory/embedder"
	"github.com/becomeliminal/runeai/store/sqlite"
	"github.com/becomeliminal/runeai/vector"
	"github.com/becomeliminal/runeai/vector/chromem"
)

// Runtime owns every long-lived component built from a Config.
type Runtime struct {
	Config       *config.Config
	Logger       *zap.Logger
	Store        *sqlite.Store
	Embedder     *embedder.Cache
	LLM          engine.Completer
	Pool         *jobs.LocalPool
	Pages        *fetch.Cache
	Consolidator *memory.Consolidator
	Service      *Service
}

// Build opens the store and wires the service graph described by cfg.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *Runtime, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rt := &Runtime{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			rt.release()
		}
	}()

	rt.Store, err = sqlite.Open(ctx, cfg.Database.Path, sqlite.WithLogger(logging.For(logger, logging.CategoryStore)))
	if err != nil {
		return nil, err
	}

	provider, err := embedder.NewProvider(ctx, cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("embedding provider: %w", err)
	}
	rt.Embedder, err = embedder.NewCache(provider, cfg.Embedding.Dimension, cfg.Embedding.CacheSize,
		logging.For(logger, logging.CategoryEmbedder))
	if err != nil {
		return nil, err
	}

	rt.LLM = NewCompleter(cfg.LLM, logger)

	retrievalLog := logging.For(logger, logging.CategoryRetrieval)
	retrieverOpts := []vector.Option{vector.WithLogger(retrievalLog), vector.WithOverfetch(cfg.Retrieval.Overfetch)}
	var indexer memory.Indexer
	if cfg.Retrieval.UseIndex {
		idx := chromem.New(rt.Store, retrievalLog)
		retrieverOpts = append(retrieverOpts, vector.WithIndex(idx))
		indexer = idx
	}
	retriever := vector.NewRetriever(rt.Store, retrieverOpts...)

	rt.Pages, err = fetch.NewCache(fetch.DefaultCacheItems, cfg.Fetch.CacheTTL)
	if err != nil {
		return nil, err
	}
	fetcher := fetch.New(cfg.Fetch,
		fetch.WithCache(rt.Pages),
		fetch.WithLogger(logging.For(logger, logging.CategoryFetch)))

	rt.Pool, err = jobs.NewLocalPool(cfg.Jobs.Workers, cfg.Jobs.Retain, logging.For(logger, logging.CategoryJobs))
	if err != nil {
		return nil, err
	}

	worker := enrich.NewWorker(rt.Store, rt.LLM, rt.Pool,
		enrich.WithFetcher(fetcher),
		enrich.WithLogger(logging.For(logger, logging.CategoryEnrich)))

	consolidatorOpts := []memory.Option{memory.WithLogger(logging.For(logger, logging.CategoryMemory))}
	if indexer != nil {
		consolidatorOpts = append(consolidatorOpts, memory.WithIndexer(indexer))
	}
	rt.Consolidator = memory.NewConsolidator(rt.Store, rt.Embedder, rt.LLM, consolidatorOpts...)

	rt.Service = New(Deps{
		Store:        rt.Store,
		Embedder:     rt.Embedder,
		Search:       retriever,
		Index:        indexer,
		Chat:         chat.NewAssembler(rt.Store, rt.Embedder, retriever, rt.LLM, chat.WithLogger(logging.For(logger, logging.CategoryChat))),
		Merger:       changelog.NewMerger(rt.Store, worker, logging.For(logger, logging.CategoryChangelog)),
		Enricher:     worker,
		Consolidator: rt.Consolidator,
	},
		WithDevMode(cfg.Server.DevMode),
		WithUploads(cfg.Uploads),
		WithLogger(logger))

	logger.Info("runtime ready",
		zap.String("database", cfg.Database.Path),
		zap.String("embedding_provider", cfg.Embedding.Provider),
		zap.Int("embedding_dimension", cfg.Embedding.Dimension),
		zap.String("llm_provider", cfg.LLM.Provider),
		zap.Bool("index", cfg.Retrieval.UseIndex),
		zap.Int("workers", cfg.Jobs.Workers))
	return rt, nil
}

// NewCompleter returns the completion provider selected by cfg.
func NewCompleter(cfg config.LLMConfig, logger *zap.Logger) engine.Completer {
	if cfg.Provider == "mock" {
		logger.Warn("using mock LLM provider")
		return engine.NewMock()
	}
	return engine.New(cfg, engine.WithLogger(logging.For(logger, logging.CategoryChat)))
}

// RunPeriodicConsolidation consolidates every user once per configured
// interval until ctx ends. It returns immediately when the interval is unset.
func (rt *Runtime) RunPeriodicConsolidation(ctx context.Context) error {
	if rt.Config.Memory.Interval <= 0 {
		return nil
	}
	err := rt.Consolidator.RunPeriodic(ctx, rt.Config.Memory.Interval, rt.Store.UserIDs)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close drains background jobs and releases resources.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.Pool != nil {
		if err := rt.Pool.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain jobs: %w", err))
		}
		rt.Pool = nil
	}
	if err := rt.release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (rt *Runtime) release() error {
	if rt.Pool != nil {
		_ = rt.Pool.Close(context.Background())
	}
	if rt.Pages != nil {
		rt.Pages.Close()
	}
	if rt.Store != nil {
		return rt.Store.Close()
	}
	return nil
}
