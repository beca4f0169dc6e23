// Package config loads the world configuration: defaults, then an optional
// YAML file, then environment overrides, then validation.
package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/timeshift92/emperium-sub001/internal/events"
	"github.com/timeshift92/emperium-sub001/internal/llm"
)

// Config is the complete configuration of one world process.
type Config struct {
	World     WorldConfig     `json:"world" yaml:"world"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	Events    EventsConfig    `json:"events" yaml:"events"`
	Cognition CognitionConfig `json:"cognition" yaml:"cognition"`
	LLM       LLMConfig       `json:"llm" yaml:"llm"`
	API       APIConfig       `json:"api" yaml:"api"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Weather   WeatherConfig   `json:"weather" yaml:"weather"`
}

// WorldConfig controls the tick loop and the agent set.
type WorldConfig struct {
	// TickInterval is the wall time of one tick at speed 1.
	TickInterval time.Duration `json:"tick_interval" yaml:"tick_interval"`
	Speed        float64       `json:"speed" yaml:"speed"`
	Seed         int64         `json:"seed" yaml:"seed"`
	// Agents lists the agents to run; empty runs all of them.
	Agents      []string      `json:"agents,omitempty" yaml:"agents,omitempty"`
	NpcBatch    int           `json:"npc_batch" yaml:"npc_batch"`
	NpcEvery    uint64        `json:"npc_every" yaml:"npc_every"`
	TraderEvery uint64        `json:"trader_every" yaml:"trader_every"`
	OrderTTL    time.Duration `json:"order_ttl" yaml:"order_ttl"`
}

// StoreConfig selects the world state backend.
type StoreConfig struct {
	Driver string `json:"driver" yaml:"driver"` // memory, sqlite or postgres
	Path   string `json:"path,omitempty" yaml:"path,omitempty"`
	DSN    string `json:"-" yaml:"dsn,omitempty"`
}

// EventsConfig tunes the event dispatcher.
type EventsConfig struct {
	BufferSize   int           `json:"buffer_size" yaml:"buffer_size"`
	Overflow     string        `json:"overflow" yaml:"overflow"`
	MaxRetries   int           `json:"max_retries" yaml:"max_retries"`
	RetryBackoff time.Duration `json:"retry_backoff" yaml:"retry_backoff"`
}

// Dispatcher converts the section to a dispatcher config.
func (c EventsConfig) Dispatcher() events.Config {
	return events.Config{
		BufferSize:   c.BufferSize,
		Overflow:     events.OverflowPolicy(c.Overflow),
		MaxRetries:   c.MaxRetries,
		RetryBackoff: c.RetryBackoff,
	}
}

// CognitionConfig tunes the cognition queue and reply sanitizer.
type CognitionConfig struct {
	Workers           int      `json:"workers" yaml:"workers"`
	QueueSize         int      `json:"queue_size" yaml:"queue_size"`
	MaxReasks         int      `json:"max_reasks" yaml:"max_reasks"`
	ForbiddenTokens   []string `json:"forbidden_tokens" yaml:"forbidden_tokens"`
	LatinRunThreshold int      `json:"latin_run_threshold" yaml:"latin_run_threshold"`
	MaxReplyLength    int      `json:"max_reply_length" yaml:"max_reply_length"`
}

// LLMConfig declares generation backends and which role uses which.
type LLMConfig struct {
	Backends     map[string]llm.BackendConfig `json:"backends,omitempty" yaml:"backends,omitempty"`
	Routes       map[string]llm.Route         `json:"routes,omitempty" yaml:"routes,omitempty"`
	DefaultRoute llm.Route                    `json:"default_route" yaml:"default_route"`
	FallbackSeed int64                        `json:"fallback_seed" yaml:"fallback_seed"`
}

// APIConfig controls the HTTP control surface.
type APIConfig struct {
	Addr               string `json:"addr" yaml:"addr"` // empty disables the API
	AdminKey           string `json:"-" yaml:"admin_key,omitempty"`
	CognitionPerMinute int    `json:"cognition_per_minute" yaml:"cognition_per_minute"`
	CORSOrigins        []string `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty"`
}

// LoggingConfig controls the process logger and the event archive.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level"`
	ArchiveDir string `json:"archive_dir,omitempty" yaml:"archive_dir,omitempty"`
}

// WeatherConfig enables real weather observations.
type WeatherConfig struct {
	APIKey   string `json:"-" yaml:"api_key,omitempty"`
	Location string `json:"location,omitempty" yaml:"location,omitempty"`
}

// DefaultForbiddenTokens are stripped from every NPC reply.
var DefaultForbiddenTokens = []string{
	"as an AI",
	"language model",
	"I cannot help with",
	"ChatGPT",
	"Claude",
	"OpenAI",
	"Anthropic",
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		World: WorldConfig{
			TickInterval: time.Second,
			Speed:        1,
			Seed:         42,
			NpcBatch:     2,
			NpcEvery:     10,
			TraderEvery:  60,
			OrderTTL:     2 * time.Minute,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "data/world.db",
		},
		Events: EventsConfig{
			BufferSize:   1024,
			Overflow:     string(events.DropNewest),
			MaxRetries:   3,
			RetryBackoff: 50 * time.Millisecond,
		},
		Cognition: CognitionConfig{
			Workers:         4,
			QueueSize:       256,
			MaxReasks:       2,
			ForbiddenTokens: slices.Clone(DefaultForbiddenTokens),
			MaxReplyLength:  400,
		},
		LLM: LLMConfig{
			FallbackSeed: 42,
		},
		API: APIConfig{
			Addr:               ":8080",
			CognitionPerMinute: 30,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration from defaults, the file at path (skipped
// when path is empty), and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromFile reads a YAML file over the defaults. Secrets may reference
// environment variables as ${VAR}.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	for name, b := range cfg.LLM.Backends {
		b.APIKey = expandEnvVars(b.APIKey)
		b.BaseURL = expandEnvVars(b.BaseURL)
		cfg.LLM.Backends[name] = b
	}
	cfg.Store.DSN = expandEnvVars(cfg.Store.DSN)
	cfg.API.AdminKey = expandEnvVars(cfg.API.AdminKey)
	cfg.Weather.APIKey = expandEnvVars(cfg.Weather.APIKey)
	return cfg, nil
}

// Validate checks the configuration for values the process cannot run with.
func (c *Config) Validate() error {
	if c.World.TickInterval <= 0 {
		return fmt.Errorf("world.tick_interval must be positive, got %v", c.World.TickInterval)
	}
	if c.World.Speed < 0 {
		return fmt.Errorf("world.speed must be non-negative, got %v", c.World.Speed)
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for sqlite")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("invalid store driver: %s (valid: memory, sqlite, postgres)", c.Store.Driver)
	}

	if c.Events.BufferSize <= 0 {
		return fmt.Errorf("events.buffer_size must be positive, got %d", c.Events.BufferSize)
	}
	switch events.OverflowPolicy(c.Events.Overflow) {
	case events.DropNewest, events.DropOldest:
	default:
		return fmt.Errorf("invalid events.overflow: %s (valid: %s, %s)", c.Events.Overflow, events.DropNewest, events.DropOldest)
	}
	if c.Events.MaxRetries < 0 {
		return fmt.Errorf("events.max_retries must be non-negative, got %d", c.Events.MaxRetries)
	}

	if c.Cognition.Workers <= 0 || c.Cognition.QueueSize <= 0 {
		return fmt.Errorf("cognition.workers and cognition.queue_size must be positive")
	}
	if c.Cognition.MaxReasks < 0 {
		return fmt.Errorf("cognition.max_reasks must be non-negative, got %d", c.Cognition.MaxReasks)
	}
	if c.Cognition.LatinRunThreshold < 0 {
		return fmt.Errorf("cognition.latin_run_threshold must be non-negative, got %d", c.Cognition.LatinRunThreshold)
	}

	validProviders := map[string]bool{"anthropic": true, "openai": true, "ollama": true}
	for name, b := range c.LLM.Backends {
		if !validProviders[b.Provider] {
			return fmt.Errorf("backend %s: invalid provider: %s (valid: anthropic, openai, ollama)", name, b.Provider)
		}
	}
	routes := map[string]llm.Route{"default": c.LLM.DefaultRoute}
	for role, r := range c.LLM.Routes {
		routes[role] = r
	}
	for role, r := range routes {
		if r.Backend == "" {
			continue
		}
		if _, ok := c.LLM.Backends[r.Backend]; !ok {
			return fmt.Errorf("route %s: unknown backend %q", role, r.Backend)
		}
	}

	validLevels := map[string]bool{"error": true, "warn": true, "info": true, "debug": true, "trace": true}
	if c.Logging.Level != "" && !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: error, warn, info, debug, trace)", c.Logging.Level)
	}
	return nil
}

func applyEnvOverrides(c *Config) {
	if v := os.Getenv("WORLDSIM_STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv("WORLDSIM_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("WORLDSIM_STORE_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("WORLDSIM_SPEED"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.World.Speed = f
		}
	}
	if v := os.Getenv("WORLDSIM_TICK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.World.TickInterval = d
		}
	}
	if v := os.Getenv("WORLDSIM_AGENTS"); v != "" {
		c.World.Agents = splitList(v)
	}
	if v := os.Getenv("WORLDSIM_MAX_REASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Cognition.MaxReasks = n
		}
	}
	if v := os.Getenv("WORLDSIM_API_ADDR"); v != "" {
		c.API.Addr = v
	}
	if v := os.Getenv("WORLDSIM_ADMIN_KEY"); v != "" {
		c.API.AdminKey = v
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.API.CORSOrigins = splitList(v)
	}
	if v := os.Getenv("WORLDSIM_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("WEATHER_API_KEY"); v != "" {
		c.Weather.APIKey = v
	}
	if v := os.Getenv("WEATHER_LOCATION"); v != "" {
		c.Weather.Location = v
	}

	anthropicKey := os.Getenv("ANTHROPIC_API_KEY")
	for name, b := range c.LLM.Backends {
		switch b.Provider {
		case "anthropic":
			if b.APIKey == "" {
				b.APIKey = anthropicKey
			}
		case "openai":
			if v := os.Getenv("OPENAI_API_KEY"); v != "" && b.APIKey == "" {
				b.APIKey = v
			}
		case "ollama":
			if v := os.Getenv("OLLAMA_HOST"); v != "" {
				b.BaseURL = v
			}
		}
		c.LLM.Backends[name] = b
	}
	// A bare ANTHROPIC_API_KEY with nothing configured enables one remote backend.
	if len(c.LLM.Backends) == 0 && anthropicKey != "" {
		c.LLM.Backends = map[string]llm.BackendConfig{
			"remote": {Provider: "anthropic", APIKey: anthropicKey},
		}
		if c.LLM.DefaultRoute.Backend == "" {
			c.LLM.DefaultRoute.Backend = "remote"
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func expandEnvVars(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, os.Getenv)
}

func redact(secret string) string {
	switch {
	case secret == "":
		return ""
	case len(secret) < 12:
		return "(set)"
	default:
		return secret[:4] + "..." + secret[len(secret)-4:]
	}
}

// String renders the configuration with secrets redacted.
func (c *Config) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Config{Store:%s", c.Store.Driver)
	if c.Store.DSN != "" {
		fmt.Fprintf(&b, "(dsn:%s)", redact(c.Store.DSN))
	}
	fmt.Fprintf(&b, ", Tick:%v, Speed:%v, Overflow:%s, MaxReasks:%d",
		c.World.TickInterval, c.World.Speed, c.Events.Overflow, c.Cognition.MaxReasks)
	names := make([]string, 0, len(c.LLM.Backends))
	for name := range c.LLM.Backends {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		bc := c.LLM.Backends[name]
		fmt.Fprintf(&b, ", Backend[%s]:%s/%s key=%s", name, bc.Provider, bc.Model, redact(bc.APIKey))
	}
	fmt.Fprintf(&b, ", API:%s admin=%s, Weather:%s}", c.API.Addr, redact(c.API.AdminKey), redact(c.Weather.APIKey))
	return b.String()
}
