package llm

import "testing"

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"raw", `{"reply":"hi"}`, `{"reply":"hi"}`},
		{"prose around", `Sure! Here it is: {"reply":"hi"} hope that helps`, `{"reply":"hi"}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"nested", `x {"a":{"b":{"c":2}},"d":3} y`, `{"a":{"b":{"c":2}},"d":3}`},
		{"brace in string", `{"reply":"a } tricky { one"}`, `{"reply":"a } tricky { one"}`},
		{"escaped quote", `{"reply":"she said \"}\" loudly"}`, `{"reply":"she said \"}\" loudly"}`},
		{"unbalanced then good", `{ oops {"ok":true}`, `{"ok":true}`},
		{"none", `no json here`, ``},
		{"unterminated", `{"reply":"hi"`, ``},
		{"first of two", `{"a":1} and {"b":2}`, `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractJSON(tt.in); got != tt.want {
				t.Fatalf("ExtractJSON(%q)=%q want=%q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("  plain words \n"); got != "plain words" {
		t.Fatalf("Normalize=%q", got)
	}
	if got := Normalize(`note: {"x":1}`); got != `{"x":1}` {
		t.Fatalf("Normalize=%q", got)
	}
}
