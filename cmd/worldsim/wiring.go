package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/timeshift92/emperium-sub001/internal/config"
	"github.com/timeshift92/emperium-sub001/internal/llm"
	"github.com/timeshift92/emperium-sub001/internal/persistence"
	"github.com/timeshift92/emperium-sub001/internal/persistence/postgres"
	"github.com/timeshift92/emperium-sub001/internal/persistence/sqlite"
)

// openStore opens the configured backend.
func openStore(cfg config.StoreConfig) (persistence.Store, error) {
	switch cfg.Driver {
	case "memory":
		return persistence.NewMemoryStore(), nil
	case "sqlite":
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		db, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, err
		}
		return db, nil
	case "postgres":
		db, err := postgres.Open(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// buildRouter creates every configured backend. The deterministic mock
// generator answers whenever a backend is missing or fails.
func buildRouter(cfg config.LLMConfig) (*llm.Router, error) {
	names := make([]string, 0, len(cfg.Backends))
	for name := range cfg.Backends {
		names = append(names, name)
	}
	slices.Sort(names)

	backends := make([]llm.Backend, 0, len(names))
	for _, name := range names {
		b, err := llm.NewBackend(name, cfg.Backends[name])
		if err != nil {
			return nil, err
		}
		backends = append(backends, b)
		slog.Info("generation backend ready", "name", name, "provider", cfg.Backends[name].Provider)
	}
	if len(backends) == 0 {
		slog.Warn("no generation backends configured, every prompt uses the offline generator")
	}
	return llm.NewRouter(backends, cfg.Routes, cfg.DefaultRoute, llm.NewMockGenerator(cfg.FallbackSeed)), nil
}
