package llm

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Roles the simulation sends prompts for.
const (
	RoleNPC     = "npc"
	RoleWeather = "weather"
)

const rolePrefix = "[role:"

// Tag prefixes body with a role tag understood by the Router.
func Tag(role, body string) string {
	return rolePrefix + role + "] " + body
}

// ParseRoleTag splits an optional leading "[role:<name>]" tag from a
// prompt. Untagged prompts return an empty role and the prompt unchanged.
func ParseRoleTag(prompt string) (role, body string) {
	trimmed := strings.TrimLeft(prompt, " \t\r\n")
	if !strings.HasPrefix(trimmed, rolePrefix) {
		return "", prompt
	}
	end := strings.IndexByte(trimmed, ']')
	if end < 0 {
		return "", prompt
	}
	role = strings.ToLower(strings.TrimSpace(trimmed[len(rolePrefix):end]))
	return role, strings.TrimSpace(trimmed[end+1:])
}

// Route picks the backend and model for a role.
type Route struct {
	Backend   string `yaml:"backend" json:"backend"`
	Model     string `yaml:"model,omitempty" json:"model,omitempty"`
	System    string `yaml:"system,omitempty" json:"system,omitempty"`
	MaxTokens int    `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
}

// Fallback produces a response when no backend can. It must not fail.
type Fallback interface {
	Generate(role, prompt string) string
}

// BackendStats counts calls through one backend.
type BackendStats struct {
	Calls    uint64 `json:"calls"`
	Failures uint64 `json:"failures"`
}

// RouterStats is a snapshot of router counters.
type RouterStats struct {
	Backends  map[string]BackendStats `json:"backends"`
	Fallbacks uint64                  `json:"fallbacks"`
}

// Router sends prompts to the backend routed for their role.
type Router struct {
	backends     map[string]Backend
	routes       map[string]Route
	defaultRoute Route
	fallback     Fallback

	mu        sync.Mutex
	stats     map[string]BackendStats
	fallbacks uint64
}

// NewRouter creates a router. Roles without a route use defaultRoute; a
// route naming an unknown backend always falls back.
func NewRouter(backends []Backend, routes map[string]Route, defaultRoute Route, fallback Fallback) *Router {
	r := &Router{
		backends:     make(map[string]Backend, len(backends)),
		routes:       make(map[string]Route, len(routes)),
		defaultRoute: defaultRoute,
		fallback:     fallback,
		stats:        map[string]BackendStats{},
	}
	for _, b := range backends {
		r.backends[b.Name()] = b
	}
	for role, route := range routes {
		r.routes[strings.ToLower(role)] = route
	}
	return r
}

func (r *Router) route(role string) Route {
	if route, ok := r.routes[role]; ok {
		return route
	}
	return r.defaultRoute
}

// Send generates a response for a possibly role-tagged prompt. Backend
// failures are logged and answered by the fallback; only a cancelled ctx
// produces an error. A JSON object embedded in the response is returned on
// its own.
func (r *Router) Send(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	role, body := ParseRoleTag(prompt)
	route := r.route(role)

	b, ok := r.backends[route.Backend]
	if !ok {
		slog.Debug("no backend routed, using fallback", "role", role, "backend", route.Backend)
		return r.useFallback(role, body), nil
	}

	text, err := b.Generate(ctx, Request{
		Model:     route.Model,
		System:    route.System,
		Prompt:    body,
		MaxTokens: route.MaxTokens,
	})
	r.record(b.Name(), err)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		slog.Warn("generation backend failed, using fallback", "role", role, "backend", b.Name(), "error", err)
		return r.useFallback(role, body), nil
	}
	return Normalize(text), nil
}

func (r *Router) useFallback(role, body string) string {
	r.mu.Lock()
	r.fallbacks++
	r.mu.Unlock()
	return Normalize(r.fallback.Generate(role, body))
}

func (r *Router) record(backend string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats[backend]
	s.Calls++
	if err != nil {
		s.Failures++
	}
	r.stats[backend] = s
}

// Stats returns a snapshot of the router's counters.
func (r *Router) Stats() RouterStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := RouterStats{Backends: make(map[string]BackendStats, len(r.stats)), Fallbacks: r.fallbacks}
	for k, v := range r.stats {
		out.Backends[k] = v
	}
	return out
}
