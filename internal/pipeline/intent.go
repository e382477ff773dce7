package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/kbrengel/talkingrock/internal/observe"
	"github.com/kbrengel/talkingrock/pkg/provider/llm"
	"github.com/kbrengel/talkingrock/pkg/types"
)

// intentReply tolerates the shapes small models actually emit before
// everything is clamped onto the closed enums.
type intentReply struct {
	Topic        string  `json:"topic"`
	QuestionType string  `json:"question_type"`
	Entities     []any   `json:"entities"`
	Tone         string  `json:"tone"`
	Confidence   float64 `json:"confidence"`
}

func (r intentReply) toIntent() types.Intent {
	intent := types.Intent{
		Topic:        types.Topic(normalizeToken(r.Topic)),
		QuestionType: types.QuestionType(normalizeToken(r.QuestionType)),
		Tone:         types.Tone(normalizeToken(r.Tone)),
		Confidence:   r.Confidence,
	}
	for _, e := range r.Entities {
		if s, ok := e.(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				intent.Entities = append(intent.Entities, s)
			}
			continue
		}
		intent.Entities = append(intent.Entities, fmt.Sprint(e))
	}
	return clampIntent(intent)
}

// clampIntent forces every enum field onto its closed set. Unknown values
// never propagate: they become the neutral member of each enum.
func clampIntent(in types.Intent) types.Intent {
	if !in.Topic.IsValid() {
		in.Topic = types.TopicGeneral
	}
	if !in.QuestionType.IsValid() {
		in.QuestionType = types.QuestionAmbiguous
	}
	if !in.Tone.IsValid() {
		in.Tone = types.ToneNeutral
	}
	in.Confidence = clamp01(in.Confidence)
	return in
}

// defaultIntent is used when the parser is unavailable. Zero confidence
// sends routing down its low-confidence path, where only an unmistakable
// greeting survives.
func defaultIntent() types.Intent {
	return types.Intent{
		Topic:        types.TopicGeneral,
		QuestionType: types.QuestionAmbiguous,
		Tone:         types.ToneNeutral,
	}
}

type intentParser struct {
	mc *modelClient
}

func newIntentParser(mc *modelClient) *intentParser {
	return &intentParser{mc: mc}
}

// parse extracts the structured intent. Parsing never blocks a request:
// any failure degrades to the default intent and lets routing decide.
func (p *intentParser) parse(ctx context.Context, tr *Trace, message string) types.Intent {
	req := llm.CompletionRequest{
		SystemPrompt: intentSystemPrompt,
		Messages: []types.Message{
			{Role: "user", Content: intentUserPrompt(message)},
		},
	}
	var reply intentReply
	if err := p.mc.chatJSON(ctx, tr, StageIntent, req, &reply); err != nil {
		observe.Logger(ctx).Warn("intent parse failed, using default", "error", err)
		return defaultIntent()
	}
	return reply.toIntent()
}

func normalizeToken(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
