package llm

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"math"
	"sync"

	"github.com/ojrac/opensimplex-go"
)

// MockGenerator is the deterministic fallback generator: the same role and
// prompt always produce the same response, and it never fails.
type MockGenerator struct {
	noise opensimplex.Noise
}

// NewMockGenerator creates a fallback generator seeded for weather noise.
func NewMockGenerator(seed int64) *MockGenerator {
	return &MockGenerator{noise: opensimplex.NewNormalized(seed)}
}

var npcLines = []string{
	"The harvest will hold if the rain does.",
	"Prices at the market climb every week.",
	"I have work to finish before dark.",
	"The road north is quiet these days.",
	"Bread is dear, but we manage.",
	"Ask the smith, he hears everything.",
	"My back aches, but the fields won't wait.",
	"Strangers came through at dawn.",
}

var weatherKinds = []string{"clear skies", "scattered clouds", "overcast", "light rain", "fog", "strong wind", "storm"}

func hashOf(role, prompt string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(role))
	h.Write([]byte{0})
	h.Write([]byte(prompt))
	return h.Sum64()
}

// Generate returns a canned response shaped for role.
func (m *MockGenerator) Generate(role, prompt string) string {
	h := hashOf(role, prompt)
	var v any
	switch role {
	case RoleNPC:
		v = map[string]any{
			"reply":            npcLines[h%uint64(len(npcLines))],
			"mood_delta":       float64(int64(h>>8%21)-10) / 200,
			"energy_delta":     -0.02,
			"motivation_delta": 0.01,
			"action":           "talk",
		}
	case RoleWeather:
		x := float64(h%4096) / 64
		y := float64(h>>12%4096) / 64
		n := m.noise.Eval2(x, y) // [0, 1)
		v = map[string]any{
			"description": weatherKinds[int(n*float64(len(weatherKinds)))%len(weatherKinds)],
			"temperature": math.Round((n*35-5)*10) / 10,
			"wind":        math.Round(m.noise.Eval2(y, x)*40*10) / 10,
		}
	default:
		v = map[string]any{"text": npcLines[h%uint64(len(npcLines))]}
	}
	out, _ := json.Marshal(v)
	return string(out)
}

// ScriptedBackend replays canned responses in order, repeating the last one,
// and records every request. It stands in for a remote backend in tests and
// offline runs.
type ScriptedBackend struct {
	mu        sync.Mutex
	name      string
	responses []string
	err       error
	Calls     []Request
}

// NewScriptedBackend creates a backend answering with responses.
func NewScriptedBackend(name string, responses ...string) *ScriptedBackend {
	return &ScriptedBackend{name: name, responses: responses}
}

// WithError makes every call fail with err.
func (s *ScriptedBackend) WithError(err error) *ScriptedBackend {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	return s
}

func (s *ScriptedBackend) Name() string { return s.name }

func (s *ScriptedBackend) Generate(ctx context.Context, req Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, req)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.err != nil {
		return "", s.err
	}
	if len(s.responses) == 0 {
		return "", nil
	}
	i := min(len(s.Calls)-1, len(s.responses)-1)
	return s.responses[i], nil
}

// CallCount returns the number of requests seen.
func (s *ScriptedBackend) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}
