package cognition

import (
	"encoding/json"
	"fmt"
	"strings"

	invjs "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/timeshift92/emperium-sub001/internal/llm"
	"github.com/timeshift92/emperium-sub001/internal/world"
)

// Kind classifies a generated reply.
type Kind uint8

const (
	Valid Kind = iota
	Malformed
	Empty
)

func (k Kind) String() string {
	switch k {
	case Valid:
		return "valid"
	case Malformed:
		return "malformed"
	case Empty:
		return "empty"
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Result is a parsed reply. Reply, Delta and Action are set only when Kind
// is Valid; Err explains a Malformed result.
type Result struct {
	Kind   Kind
	Reply  string
	Delta  world.EssenceDelta
	Action string
	Err    error
}

// replyPayload is the JSON object an NPC prompt asks for.
type replyPayload struct {
	Reply           string   `json:"reply" jsonschema:"description=What the character says aloud"`
	MoodDelta       *float64 `json:"mood_delta,omitempty" jsonschema:"minimum=-1,maximum=1"`
	EnergyDelta     *float64 `json:"energy_delta,omitempty" jsonschema:"minimum=-1,maximum=1"`
	MotivationDelta *float64 `json:"motivation_delta,omitempty" jsonschema:"minimum=-1,maximum=1"`
	Action          string   `json:"action,omitempty" jsonschema:"maxLength=40"`
}

var (
	replySchemaJSON = reflectReplySchema()
	replySchema     = compileReplySchema(replySchemaJSON)
)

// ReplySchema returns the JSON Schema replies are validated against.
func ReplySchema() string {
	return string(replySchemaJSON)
}

func reflectReplySchema() []byte {
	r := invjs.Reflector{
		AllowAdditionalProperties: true,
		DoNotReference:            true,
		ExpandedStruct:            true,
	}
	raw, err := json.Marshal(r.Reflect(replyPayload{}))
	if err != nil {
		panic(fmt.Sprintf("cognition: marshal reply schema: %v", err))
	}
	return raw
}

func compileReplySchema(raw []byte) *jsonschema.Schema {
	s, err := jsonschema.CompileString("npc_reply.schema.json", string(raw))
	if err != nil {
		panic(fmt.Sprintf("cognition: compile reply schema: %v", err))
	}
	return s
}

// ParseReply classifies generated text. Prose around a JSON object is
// tolerated; anything without a schema-valid object is Malformed, and
// blank text or a blank reply field is Empty.
func ParseReply(text string) Result {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{Kind: Empty}
	}
	obj := llm.ExtractJSON(text)
	if obj == "" {
		return Result{Kind: Malformed, Err: fmt.Errorf("no JSON object in reply")}
	}

	var doc any
	if err := json.Unmarshal([]byte(obj), &doc); err != nil {
		return Result{Kind: Malformed, Err: fmt.Errorf("decode reply: %w", err)}
	}
	if err := replySchema.Validate(doc); err != nil {
		return Result{Kind: Malformed, Err: fmt.Errorf("validate reply: %w", err)}
	}

	var p replyPayload
	if err := json.Unmarshal([]byte(obj), &p); err != nil {
		return Result{Kind: Malformed, Err: fmt.Errorf("decode reply: %w", err)}
	}
	reply := strings.TrimSpace(p.Reply)
	if reply == "" {
		return Result{Kind: Empty}
	}
	return Result{
		Kind:   Valid,
		Reply:  reply,
		Action: strings.TrimSpace(p.Action),
		Delta: world.EssenceDelta{
			Mood:       deref(p.MoodDelta),
			Energy:     deref(p.EnergyDelta),
			Motivation: deref(p.MotivationDelta),
		},
	}
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
