package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/timeshift92/emperium-sub001/internal/events"
	"github.com/timeshift92/emperium-sub001/internal/llm"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"WORLDSIM_STORE_DRIVER", "WORLDSIM_STORE_PATH", "WORLDSIM_STORE_DSN",
		"WORLDSIM_SPEED", "WORLDSIM_TICK_INTERVAL", "WORLDSIM_AGENTS", "WORLDSIM_MAX_REASKS",
		"WORLDSIM_API_ADDR", "WORLDSIM_ADMIN_KEY", "WORLDSIM_LOG_LEVEL", "CORS_ORIGINS",
		"WEATHER_API_KEY", "WEATHER_LOCATION",
		"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "OLLAMA_HOST",
	} {
		t.Setenv(k, "")
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Events.Overflow != string(events.DropNewest) || cfg.Cognition.MaxReasks != 2 {
		t.Fatalf("defaults=%+v %+v", cfg.Events, cfg.Cognition)
	}
	// Mutating a default must not leak into the next one.
	cfg.Cognition.ForbiddenTokens[0] = "changed"
	if Default().Cognition.ForbiddenTokens[0] == "changed" {
		t.Fatal("forbidden tokens share backing storage")
	}
}

func TestLoadFromFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEST_SECRET_KEY", "sk-from-env-123456")

	path := filepath.Join(t.TempDir(), "world.yaml")
	body := `
world:
  tick_interval: 250ms
  agents: [clock, market]
store:
  driver: memory
events:
  overflow: drop_oldest
cognition:
  max_reasks: 3
  forbidden_tokens: ["as an AI"]
llm:
  backends:
    remote:
      provider: anthropic
      api_key: ${TEST_SECRET_KEY}
      model: claude-haiku
  routes:
    npc:
      backend: remote
      max_tokens: 200
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.World.TickInterval != 250*time.Millisecond || cfg.Store.Driver != "memory" {
		t.Fatalf("world=%+v store=%+v", cfg.World, cfg.Store)
	}
	if diff := cmp.Diff([]string{"clock", "market"}, cfg.World.Agents); diff != "" {
		t.Fatalf("agents (-want +got):\n%s", diff)
	}
	if cfg.Events.Overflow != "drop_oldest" || cfg.Cognition.MaxReasks != 3 {
		t.Fatalf("events=%+v cognition=%+v", cfg.Events, cfg.Cognition)
	}
	// Unset keys keep their defaults.
	if cfg.Cognition.Workers != 4 || cfg.API.Addr != ":8080" {
		t.Fatalf("defaults lost: %+v %+v", cfg.Cognition, cfg.API)
	}
	want := llm.BackendConfig{Provider: "anthropic", APIKey: "sk-from-env-123456", Model: "claude-haiku"}
	if diff := cmp.Diff(want, cfg.LLM.Backends["remote"]); diff != "" {
		t.Fatalf("backend (-want +got):\n%s", diff)
	}
	if cfg.LLM.Routes["npc"].MaxTokens != 200 {
		t.Fatalf("routes=%+v", cfg.LLM.Routes)
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("WORLDSIM_STORE_DRIVER", "memory")
	t.Setenv("WORLDSIM_SPEED", "0")
	t.Setenv("WORLDSIM_AGENTS", "clock, npc ,")
	t.Setenv("WORLDSIM_MAX_REASKS", "5")
	t.Setenv("WORLDSIM_ADMIN_KEY", "admin-secret")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-0123456789abcdef")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store.Driver != "memory" || cfg.World.Speed != 0 || cfg.Cognition.MaxReasks != 5 {
		t.Fatalf("cfg=%+v", cfg)
	}
	if diff := cmp.Diff([]string{"clock", "npc"}, cfg.World.Agents); diff != "" {
		t.Fatalf("agents (-want +got):\n%s", diff)
	}
	if cfg.API.AdminKey != "admin-secret" {
		t.Fatalf("admin key=%q", cfg.API.AdminKey)
	}
	remote, ok := cfg.LLM.Backends["remote"]
	if !ok || remote.Provider != "anthropic" || cfg.LLM.DefaultRoute.Backend != "remote" {
		t.Fatalf("implicit backend missing: %+v route=%+v", cfg.LLM.Backends, cfg.LLM.DefaultRoute)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errHas string
	}{
		{"bad driver", func(c *Config) { c.Store.Driver = "mongo" }, "invalid store driver"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }, "store.dsn"},
		{"zero interval", func(c *Config) { c.World.TickInterval = 0 }, "tick_interval"},
		{"negative speed", func(c *Config) { c.World.Speed = -1 }, "world.speed"},
		{"bad overflow", func(c *Config) { c.Events.Overflow = "block" }, "events.overflow"},
		{"negative reasks", func(c *Config) { c.Cognition.MaxReasks = -1 }, "max_reasks"},
		{"no workers", func(c *Config) { c.Cognition.Workers = 0 }, "cognition.workers"},
		{"bad provider", func(c *Config) {
			c.LLM.Backends = map[string]llm.BackendConfig{"x": {Provider: "gemini"}}
		}, "invalid provider"},
		{"route to unknown backend", func(c *Config) {
			c.LLM.Routes = map[string]llm.Route{"npc": {Backend: "nowhere"}}
		}, "unknown backend"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "invalid log level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.errHas) {
				t.Fatalf("err=%v want containing %q", err, tt.errHas)
			}
		})
	}
}

func TestStringRedactsSecrets(t *testing.T) {
	cfg := Default()
	cfg.API.AdminKey = "super-secret-admin-key"
	cfg.LLM.Backends = map[string]llm.BackendConfig{
		"remote": {Provider: "anthropic", APIKey: "sk-ant-verylongsecretvalue"},
	}
	s := cfg.String()
	for _, secret := range []string{"super-secret-admin-key", "sk-ant-verylongsecretvalue"} {
		if strings.Contains(s, secret) {
			t.Fatalf("String() leaks %q: %s", secret, s)
		}
	}
	if !strings.Contains(s, "Backend[remote]:anthropic") {
		t.Fatalf("String()=%s", s)
	}
}

func TestDispatcherConfig(t *testing.T) {
	got := Default().Events.Dispatcher()
	want := events.Config{BufferSize: 1024, Overflow: events.DropNewest, MaxRetries: 3, RetryBackoff: 50 * time.Millisecond}
	if got != want {
		t.Fatalf("got=%+v want=%+v", got, want)
	}
}
