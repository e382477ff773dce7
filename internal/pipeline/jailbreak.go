package pipeline

import (
	"context"

	"github.com/kbrengel/talkingrock/internal/convo"
	"github.com/kbrengel/talkingrock/internal/observe"
	"github.com/kbrengel/talkingrock/pkg/provider/llm"
	"github.com/kbrengel/talkingrock/pkg/types"
)

// Model-backed injection screening. Everything here fails closed: a model
// error, a malformed reply, or a verdict we do not recognize all read as
// blocked. The deterministic blocklist already ran; this stage exists for
// the phrasings a regex cannot anticipate.

// minScreenConfidence is the floor below which even a SAFE verdict is not
// trusted.
const minScreenConfidence = 0.3

// screenReply is the classifier's JSON verdict.
type screenReply struct {
	Classification string  `json:"classification"`
	ReasonCode     string  `json:"reason_code"`
	Confidence     float64 `json:"confidence"`
}

// combinedReply carries the parsed intent alongside the verdict when one
// call does both jobs.
type combinedReply struct {
	screenReply
	Intent intentReply `json:"intent"`
}

// screenVerdict is the orchestrator-facing outcome.
type screenVerdict struct {
	Blocked bool
	Reason  string

	// Intent is set only in combined mode on a pass, letting the
	// orchestrator skip the separate intent call.
	Intent *types.Intent
}

var validScreenReasons = map[string]bool{
	"instruction_override": true,
	"prompt_extraction":    true,
	"roleplay_attack":      true,
	"encoding_trick":       true,
	"manipulation":         true,
	"multi_turn_attack":    true,
}

type screener struct {
	mc       *modelClient
	combined bool
}

func newScreener(mc *modelClient, combined bool) *screener {
	return &screener{mc: mc, combined: combined}
}

// screen classifies the sanitized message, with a short window of prior
// user turns for multi-turn detection.
func (s *screener) screen(ctx context.Context, tr *Trace, message string, history []convo.Turn) screenVerdict {
	req := llm.CompletionRequest{
		SystemPrompt: screenSystemPrompt,
		Messages: []types.Message{
			{Role: "user", Content: classifyUserPrompt(message, history)},
		},
	}

	if s.combined {
		req.SystemPrompt = combinedSystemPrompt
		var reply combinedReply
		if err := s.mc.chatJSON(ctx, tr, StageScreen, req, &reply); err != nil {
			observe.Logger(ctx).Warn("screen classifier failed, blocking", "error", err)
			return screenVerdict{Blocked: true, Reason: "classifier_error"}
		}
		verdict := evaluateScreen(reply.screenReply)
		if !verdict.Blocked {
			intent := reply.Intent.toIntent()
			verdict.Intent = &intent
		}
		return verdict
	}

	var reply screenReply
	if err := s.mc.chatJSON(ctx, tr, StageScreen, req, &reply); err != nil {
		observe.Logger(ctx).Warn("screen classifier failed, blocking", "error", err)
		return screenVerdict{Blocked: true, Reason: "classifier_error"}
	}
	return evaluateScreen(reply)
}

// evaluateScreen turns the raw classifier reply into a verdict. A BLOCKED
// verdict terminates at any confidence; a SAFE verdict below the floor is
// not believed either.
func evaluateScreen(reply screenReply) screenVerdict {
	confidence := clamp01(reply.Confidence)
	switch normalizeToken(reply.Classification) {
	case "safe":
		if confidence < minScreenConfidence {
			return screenVerdict{Blocked: true, Reason: "low_confidence"}
		}
		return screenVerdict{}
	case "blocked":
		reason := normalizeToken(reply.ReasonCode)
		if !validScreenReasons[reason] {
			reason = "manipulation"
		}
		return screenVerdict{Blocked: true, Reason: reason}
	default:
		return screenVerdict{Blocked: true, Reason: "invalid_classification"}
	}
}

// lastUserTurns returns the most recent n user turns, oldest first.
func lastUserTurns(turns []convo.Turn, n int) []convo.Turn {
	var users []convo.Turn
	for _, t := range turns {
		if t.Role == convo.RoleUser {
			users = append(users, t)
		}
	}
	if len(users) > n {
		users = users[len(users)-n:]
	}
	return users
}
