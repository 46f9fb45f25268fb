package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/nugget/aerie/internal/agent"
	"github.com/nugget/aerie/internal/config"
	"github.com/nugget/aerie/internal/connwatch"
	"github.com/nugget/aerie/internal/llm"
	"github.com/nugget/aerie/internal/memory"
	"github.com/nugget/aerie/internal/metrics"
	"github.com/nugget/aerie/internal/observation"
	"github.com/nugget/aerie/internal/sensors"
	"github.com/nugget/aerie/internal/tools"
)

// app holds the wired components shared by serve and ask.
type app struct {
	store    *memory.Store
	live     *sensors.LiveCache
	registry *tools.Registry
	loop     *agent.Loop
	metrics  *metrics.Collector
	sensorDB *sensors.SQLiteSource
	gateway  llm.Gateway
	closers  []io.Closer
}

// newApp opens storage, builds the tool registry and model gateway,
// and assembles the agent loop.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{metrics: metrics.New()}

	loc, err := cfg.TimeLocation()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	archive, closer, err := openArchive(cfg.Memory.Archive)
	if err != nil {
		return nil, err
	}
	if closer != nil {
		a.closers = append(a.closers, closer)
	}
	a.store = memory.NewStore(archive, cfg.Memory.RecentCapacity, loc, logger)
	a.store.OnArchive(func(string, memory.Turn) { a.metrics.TurnArchived() })
	logger.Info("memory ready",
		"backend", cfg.Memory.Archive.Backend,
		"capacity", cfg.Memory.RecentCapacity,
	)

	if _, err := os.Stat(cfg.Sensors.DBPath); err != nil {
		a.Close()
		return nil, fmt.Errorf("sensor database %s: %w (set sensors.db_path)", cfg.Sensors.DBPath, err)
	}
	db, err := sensors.OpenSQLiteSource(cfg.Sensors.DBPath)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, db)
	a.sensorDB = db
	a.live = sensors.NewLiveCache(cfg.Sensors.LiveMaxAge())
	source := sensors.NewOverlay(db, a.live)
	logger.Info("sensor database opened", "path", cfg.Sensors.DBPath)

	a.registry, err = buildRegistry(source, a.store, loc)
	if err != nil {
		a.Close()
		return nil, err
	}
	logger.Info("tools registered", "count", len(a.registry.Names()))

	a.gateway, err = newGateway(cfg.Models, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.loop = agent.NewLoop(logger, a.store, a.gateway, a.registry,
		observation.New(cfg.Observation.MaxChars, cfg.Observation.MaxRows),
		agent.Config{
			MaxIterations:      cfg.Agent.MaxIterations,
			GatewayTimeout:     cfg.Agent.GatewayTimeout(),
			ToolTimeout:        cfg.Agent.ToolTimeout(),
			MaxGatewayFailures: cfg.Agent.MaxGatewayFailures,
			Location:           cfg.Location,
			TimeLocation:       loc,
		})
	a.loop.SetMetrics(a.metrics)

	return a, nil
}

// watch starts health checks for the sensor database and, when the
// provider supports it, the model endpoint.
func (a *app) watch(ctx context.Context, m *connwatch.Monitor) {
	a.watchDependency(ctx, m, "sensors", a.sensorDB.Ping)
	if p, ok := a.gateway.(llm.Pinger); ok {
		a.watchDependency(ctx, m, "model", p.Ping)
	}
}

// watchDependency adds one dependency to m, reporting transitions to metrics.
func (a *app) watchDependency(ctx context.Context, m *connwatch.Monitor, name string, check connwatch.ProbeFunc) {
	m.Watch(ctx, connwatch.Config{
		Name:     name,
		Probe:    check,
		OnChange: func(name string, up bool) { a.metrics.DependencyUp(name, up) },
	})
}

// Close releases databases in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// openArchive opens the configured archive backend. The closer is nil
// for backends holding no connection.
func openArchive(cfg config.ArchiveConfig) (memory.Archive, io.Closer, error) {
	switch cfg.Backend {
	case "sqlite":
		a, err := memory.NewSQLiteArchive(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite archive %s: %w", cfg.Path, err)
		}
		return a, a, nil
	case "redis":
		a, err := memory.NewRedisArchive(memory.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open redis archive: %w", err)
		}
		return a, a, nil
	default:
		a, err := memory.NewFileArchive(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open archive %s: %w", cfg.Path, err)
		}
		return a, nil, nil
	}
}

// buildRegistry registers every tool and seals the registry. A nil
// source or recaller still registers the descriptors; only calls would
// fail, which is enough for listing.
func buildRegistry(source sensors.Source, recaller tools.Recaller, loc *time.Location) (*tools.Registry, error) {
	reg := tools.NewRegistry()
	if err := tools.RegisterSensorTools(reg, source); err != nil {
		return nil, err
	}
	if err := tools.RegisterMemoryTools(reg, recaller); err != nil {
		return nil, err
	}
	if err := tools.RegisterTimeTools(reg, loc, time.Now); err != nil {
		return nil, err
	}
	reg.Seal()
	return reg, nil
}

// newGateway builds the model client for the configured provider, with
// an optional fallback model on the same provider.
func newGateway(cfg config.ModelsConfig, logger *slog.Logger) (llm.Gateway, error) {
	build := func(model string) (llm.Gateway, error) {
		switch strings.ToLower(cfg.Provider) {
		case "ollama":
			return llm.NewOllamaClient(cfg.OllamaURL, model, cfg.Temperature, logger), nil
		case "openai":
			return llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, model, cfg.Temperature, logger), nil
		}
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}

	primary, err := build(cfg.Default)
	if err != nil {
		return nil, err
	}
	logger.Info("language model configured", "provider", cfg.Provider, "model", cfg.Default)

	if cfg.Fallback == "" || cfg.Fallback == cfg.Default {
		return primary, nil
	}
	secondary, err := build(cfg.Fallback)
	if err != nil {
		return nil, err
	}
	logger.Info("fallback model configured", "model", cfg.Fallback)
	return llm.NewFallback(primary, secondary, logger), nil
}
