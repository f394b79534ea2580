package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/nugget/mobo/internal/config"
	"github.com/nugget/mobo/internal/database"
	"github.com/nugget/mobo/internal/embeddings"
	"github.com/nugget/mobo/internal/engine"
	"github.com/nugget/mobo/internal/events"
	"github.com/nugget/mobo/internal/governor"
	"github.com/nugget/mobo/internal/janitor"
	"github.com/nugget/mobo/internal/llm"
	"github.com/nugget/mobo/internal/memory"
	"github.com/nugget/mobo/internal/persona"
	"github.com/nugget/mobo/internal/profile"
	"github.com/nugget/mobo/internal/ratelimit"
	"github.com/nugget/mobo/internal/retrieval"
	"github.com/nugget/mobo/internal/tools"
	"github.com/nugget/mobo/internal/usage"
)

// app holds every long-lived component. Commands build one with
// newApp and release it with close.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	bus    *events.Bus

	db       *sql.DB
	turns    *memory.TurnStore
	chromem  *memory.ChromemIndex // nil unless the chromem backend is active
	embedder retrieval.Embedder   // nil when embeddings are disabled
	index    memory.VectorIndex   // nil when embeddings are disabled

	limiter  *ratelimit.Limiter
	governor *governor.Governor
	profiles *profile.Store
	usage    *usage.Store
	runs     *janitor.Store
	janitor  *janitor.Janitor

	llm       llm.Client
	retriever *retrieval.Strategist
	tools     *tools.Registry
	engine    *engine.Engine
}

// newApp opens storage and wires the pipeline. cfgPath locates a
// relative persona file; it may be empty.
func newApp(ctx context.Context, cfg *config.Config, cfgPath string, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, bus: events.New()}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	if err := a.openStorage(); err != nil {
		return nil, err
	}
	if err := a.openMemory(ctx); err != nil {
		return nil, err
	}

	client, err := newLLMClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.llm = client

	a.retriever = retrieval.New(client, a.turns, a.index, a.embedder, retrieval.Config{
		Model:           cfg.LLM.Classify.Model,
		Temperature:     cfg.LLM.Classify.Temperature,
		ClassifyTimeout: cfg.Engine.Timeouts.Retrieval / 2, // the rest is for the fetches
	}, logger)

	a.tools, err = a.buildTools()
	if err != nil {
		return nil, err
	}

	personaText, err := persona.Load(ctx, persona.Source{
		File: personaPath(cfg.PersonaFile, cfgPath),
		URL:  cfg.PersonaURL,
	}, nil)
	if err != nil {
		return nil, err
	}
	if personaText == "" {
		logger.Info("no persona configured, using built-in default")
	}

	t := cfg.Engine.Timeouts
	a.engine, err = engine.New(engine.Deps{
		LLM:       client,
		Governor:  a.governor,
		Retriever: a.retriever,
		Turns:     a.turns,
		Tools:     a.tools,
		Profiles:  a.profiles,
		Embedder:  a.embedder,
		Index:     a.index,
		Usage:     a.usage,
		Events:    a.bus,
	}, engine.Config{
		Persona:               personaText,
		DecideModel:           cfg.LLM.Decide.Model,
		DecideTemperature:     cfg.LLM.Decide.Temperature,
		DecideMaxTokens:       cfg.LLM.Decide.MaxTokens,
		SynthesizeModel:       cfg.LLM.Synthesize.Model,
		SynthesizeTemperature: cfg.LLM.Synthesize.Temperature,
		SynthesizeMaxTokens:   cfg.LLM.Synthesize.MaxTokens,
		MaxToolIterations:     cfg.Engine.MaxToolIterations,
		Timeouts: engine.Timeouts{
			Retrieval: t.Retrieval,
			Decision:  t.Decision,
			Tool:      t.Tool,
			Synthesis: t.Synthesis,
			Persist:   t.Persist,
			Embedding: t.Embedding,
		},
	}, logger)
	if err != nil {
		return nil, err
	}

	a.janitor, err = janitor.New(janitor.Config{
		Schedule:  cfg.Janitor.Schedule,
		Retention: cfg.Janitor.Retention,
	}, a.governor, a.limiter, a.runs, a.bus, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("pipeline ready",
		"decide_model", cfg.LLM.Decide.Model,
		"synthesize_model", cfg.LLM.Synthesize.Model,
		"classify_model", cfg.LLM.Classify.Model,
		"tools", len(a.tools.AllToolNames()),
		"embeddings", a.embedder != nil,
	)
	ok = true
	return a, nil
}

func (a *app) openStorage() error {
	path := a.cfg.ResolvePath(a.cfg.Database.Path)
	db, err := database.Open(a.cfg.Database.Driver, path)
	if err != nil {
		return fmt.Errorf("open database %s: %w", path, err)
	}
	a.db = db
	a.logger.Info("database opened", "path", path, "driver", a.cfg.Database.Driver)

	if a.turns, err = memory.NewTurnStore(db, a.logger); err != nil {
		return err
	}
	if a.limiter, err = ratelimit.New(db, a.logger); err != nil {
		return err
	}
	gc := a.cfg.Governor
	if a.governor, err = governor.New(db, governor.Config{
		MaxConsecutive: gc.MaxConsecutive,
		Cooldown:       gc.Cooldown,
		MaxPerHour:     gc.MaxPerHour,
	}, a.limiter, a.logger); err != nil {
		return err
	}
	if a.profiles, err = profile.NewStore(db, a.logger); err != nil {
		return err
	}
	if a.usage, err = usage.NewStore(db, a.cfg.Pricing, a.logger); err != nil {
		return err
	}
	if a.runs, err = janitor.NewStore(db); err != nil {
		return err
	}
	return nil
}

// openMemory sets up embeddings and the vector index. With embeddings
// disabled, retrieval falls back to chronology only.
func (a *app) openMemory(ctx context.Context) error {
	if !a.cfg.Embeddings.Enabled {
		a.logger.Info("embeddings disabled, similarity search off")
		return nil
	}
	emb := embeddings.New(embeddings.Config{
		BaseURL: a.cfg.Embeddings.BaseURL,
		APIKey:  a.cfg.Embeddings.APIKey,
		Model:   a.cfg.Embeddings.Model,
		Logger:  a.logger,
	})
	a.embedder = emb

	switch a.cfg.Memory.VectorBackend {
	case "sqlite":
		a.index = a.turns
	default:
		dir := a.cfg.ResolvePath(a.cfg.Memory.VectorDir)
		idx, err := memory.NewChromemIndex(dir, emb.Generate, a.logger)
		if err != nil {
			return err
		}
		a.chromem = idx
		a.index = idx

		// A fresh or deleted index is rebuilt from the turn table.
		if idx.Count() == 0 {
			stats, err := memory.Reindex(ctx, a.turns, idx, 0, a.logger)
			if err != nil {
				return fmt.Errorf("rebuild vector index: %w", err)
			}
			if stats.Turns > 0 {
				a.logger.Info("vector index rebuilt", "turns", stats.Turns)
			}
		}
	}
	a.logger.Info("embeddings enabled",
		"model", emb.Model(),
		"vector_backend", a.cfg.Memory.VectorBackend,
	)
	return nil
}

func (a *app) buildTools() (*tools.Registry, error) {
	reg := tools.NewRegistry(a.logger)
	reg.SetProfileStore(a.profiles)
	reg.SetHistoryRetriever(a.retriever)
	reg.SetUsageStore(a.usage)

	if a.cfg.LLM.OpenAI.APIKey != "" {
		rl := a.cfg.RateLimits.ImageGeneration
		period, err := ratelimit.ParsePeriod(rl.Period)
		if err != nil {
			return nil, fmt.Errorf("rate_limits.image_generation: %w", err)
		}
		images := tools.NewOpenAIImages(tools.OpenAIImagesConfig{
			APIKey:  a.cfg.LLM.OpenAI.APIKey,
			BaseURL: a.cfg.LLM.OpenAI.BaseURL,
			Model:   a.cfg.Tools.ImageModel,
			Size:    a.cfg.Tools.ImageSize,
		}, a.logger)
		reg.SetImageGenerator(images, a.limiter, tools.RateLimit{
			MaxRequests: rl.MaxRequests,
			Period:      period,
			PerUser:     rl.PerUser,
		})
	} else {
		a.logger.Info("no OpenAI key, image generation unavailable")
	}

	if len(a.cfg.Tools.Disabled) > 0 {
		reg = reg.FilteredCopyExcluding(a.cfg.Tools.Disabled)
		a.logger.Info("tools disabled by config", "tools", a.cfg.Tools.Disabled)
	}
	return reg, nil
}

// close waits for background work and releases storage.
func (a *app) close() {
	if a.janitor != nil {
		a.janitor.Stop()
	}
	if a.engine != nil {
		a.engine.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close database", "error", err)
		}
	}
}

// newLLMClient routes each configured model to its provider. Models
// without an explicit provider use OpenAI.
func newLLMClient(cfg *config.Config, logger *slog.Logger) (llm.Client, error) {
	providers := map[string]llm.Client{}
	if cfg.LLM.OpenAI.APIKey != "" || cfg.LLM.OpenAI.BaseURL != "" {
		providers["openai"] = llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:  cfg.LLM.OpenAI.APIKey,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
		}, logger)
	}
	if cfg.LLM.Anthropic.APIKey != "" {
		providers["anthropic"] = llm.NewAnthropicClient(llm.AnthropicConfig{
			APIKey:  cfg.LLM.Anthropic.APIKey,
			BaseURL: cfg.LLM.Anthropic.BaseURL,
		}, logger)
	}
	if len(providers) == 0 {
		return nil, errors.New("no LLM provider configured (set OPENAI_API_KEY or ANTHROPIC_API_KEY)")
	}

	fallback := ""
	if providers["openai"] != nil {
		fallback = "openai"
	}
	multi := llm.NewMultiClient(fallback)
	for name, client := range providers {
		multi.AddProvider(name, client)
	}

	var errs []error
	for step, m := range map[string]config.ModelConfig{
		"classify":   cfg.LLM.Classify,
		"decide":     cfg.LLM.Decide,
		"synthesize": cfg.LLM.Synthesize,
	} {
		if m.Model == "" {
			continue
		}
		provider := strings.ToLower(m.Provider)
		if provider == "" {
			provider = "openai"
		}
		if err := multi.Route(m.Model, provider); err != nil {
			errs = append(errs, fmt.Errorf("llm.%s: %w", step, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	logger.Info("LLM client initialized", "providers", multi.Providers())
	return multi, nil
}

// personaPath resolves a relative persona file against the directory
// of the config file that named it.
func personaPath(file, cfgPath string) string {
	if file == "" || filepath.IsAbs(file) || cfgPath == "" {
		return file
	}
	return filepath.Join(filepath.Dir(cfgPath), file)
}
