package llm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestParseRoleTag(t *testing.T) {
	tests := []struct {
		in       string
		wantRole string
		wantBody string
	}{
		{"[role:npc] hello", "npc", "hello"},
		{"  [role: Weather ]\nforecast", "weather", "forecast"},
		{"no tag", "", "no tag"},
		{"[role:npc missing close", "", "[role:npc missing close"},
		{"[other:npc] x", "", "[other:npc] x"},
	}
	for _, tt := range tests {
		role, body := ParseRoleTag(tt.in)
		if role != tt.wantRole || body != tt.wantBody {
			t.Errorf("ParseRoleTag(%q)=(%q,%q) want (%q,%q)", tt.in, role, body, tt.wantRole, tt.wantBody)
		}
	}
	if role, body := ParseRoleTag(Tag(RoleNPC, "speak")); role != RoleNPC || body != "speak" {
		t.Fatalf("Tag round trip gave (%q,%q)", role, body)
	}
}

func TestRouterRoutesByRole(t *testing.T) {
	local := NewScriptedBackend("local", `thinking... {"reply":"local"} done`)
	remote := NewScriptedBackend("remote", `{"description":"rain"}`)
	r := NewRouter([]Backend{local, remote},
		map[string]Route{RoleWeather: {Backend: "remote", Model: "big", System: "You forecast."}},
		Route{Backend: "local", Model: "small"},
		NewMockGenerator(1))

	got, err := r.Send(context.Background(), Tag(RoleNPC, "say something"))
	if err != nil {
		t.Fatal(err)
	}
	if got != `{"reply":"local"}` {
		t.Fatalf("npc response=%q", got)
	}
	if local.Calls[0].Model != "small" || local.Calls[0].Prompt != "say something" {
		t.Fatalf("local request=%+v", local.Calls[0])
	}

	got, err = r.Send(context.Background(), Tag(RoleWeather, "next hour"))
	if err != nil {
		t.Fatal(err)
	}
	if got != `{"description":"rain"}` {
		t.Fatalf("weather response=%q", got)
	}
	if remote.Calls[0].Model != "big" || remote.Calls[0].System != "You forecast." {
		t.Fatalf("remote request=%+v", remote.Calls[0])
	}

	st := r.Stats()
	if st.Backends["local"].Calls != 1 || st.Backends["remote"].Calls != 1 || st.Fallbacks != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestRouterFallsBackOnFailure(t *testing.T) {
	broken := NewScriptedBackend("remote").WithError(errors.New("connection refused"))
	mock := NewMockGenerator(7)
	r := NewRouter([]Backend{broken}, nil, Route{Backend: "remote"}, mock)

	got, err := r.Send(context.Background(), Tag(RoleNPC, "hello"))
	if err != nil {
		t.Fatalf("fallback should hide backend errors, got %v", err)
	}
	if want := mock.Generate(RoleNPC, "hello"); got != want {
		t.Fatalf("response=%q want mock %q", got, want)
	}
	var reply struct {
		Reply string `json:"reply"`
	}
	if err := json.Unmarshal([]byte(got), &reply); err != nil || reply.Reply == "" {
		t.Fatalf("fallback npc reply not usable: %q err=%v", got, err)
	}
	st := r.Stats()
	if st.Fallbacks != 1 || st.Backends["remote"].Failures != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestRouterUnknownBackendFallsBack(t *testing.T) {
	r := NewRouter(nil, nil, Route{Backend: "nowhere"}, NewMockGenerator(1))
	got, err := r.Send(context.Background(), "untagged")
	if err != nil || got == "" {
		t.Fatalf("got=%q err=%v", got, err)
	}
}

func TestRouterCancelled(t *testing.T) {
	b := NewScriptedBackend("local", `{"reply":"x"}`)
	r := NewRouter([]Backend{b}, nil, Route{Backend: "local"}, NewMockGenerator(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Send(ctx, "hi"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled", err)
	}
	if b.CallCount() != 0 {
		t.Fatal("backend called with a cancelled context")
	}
}

func TestMockGeneratorDeterministic(t *testing.T) {
	a, b := NewMockGenerator(42), NewMockGenerator(42)
	for _, role := range []string{RoleNPC, RoleWeather, "chronicle"} {
		if a.Generate(role, "same prompt") != b.Generate(role, "same prompt") {
			t.Fatalf("role %s not deterministic", role)
		}
	}
	var w struct {
		Description string  `json:"description"`
		Temperature float64 `json:"temperature"`
	}
	if err := json.Unmarshal([]byte(a.Generate(RoleWeather, "spring")), &w); err != nil {
		t.Fatal(err)
	}
	if w.Description == "" || w.Temperature < -5 || w.Temperature > 30 {
		t.Fatalf("weather=%+v", w)
	}
}
