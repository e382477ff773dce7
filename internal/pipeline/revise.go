package pipeline

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/kbrengel/talkingrock/internal/observe"
	"github.com/kbrengel/talkingrock/pkg/provider/llm"
	"github.com/kbrengel/talkingrock/pkg/types"
)

// Advisory self-critique pass over a draft. Whatever goes wrong here the
// draft survives: revision can only swap in text the model itself judged
// better, never lose the response.

const (
	// minRevisionLength skips the pass for short drafts, which gain
	// little from a second model round-trip.
	minRevisionLength = 200
	// minRevisedLength rejects degenerate replacements.
	minRevisedLength = 50
)

type revisionReply struct {
	NeedsRevision   bool     `json:"needs_revision"`
	Issues          []string `json:"issues"`
	RevisedResponse string   `json:"revised_response"`
}

type reviser struct {
	mc   *modelClient
	skip bool
}

func newReviser(mc *modelClient, skip bool) *reviser {
	return &reviser{mc: mc, skip: skip}
}

// revise reviews the draft and returns the text to carry forward.
func (r *reviser) revise(ctx context.Context, tr *Trace, question, contextText, draft string) string {
	if r.skip || utf8.RuneCountInString(draft) < minRevisionLength {
		return draft
	}

	req := llm.CompletionRequest{
		SystemPrompt: revisionSystemPrompt,
		Messages: []types.Message{
			{Role: "user", Content: revisionUserPrompt(question, contextText, draft)},
		},
	}
	var reply revisionReply
	if err := r.mc.chatJSON(ctx, tr, StageRevise, req, &reply); err != nil {
		observe.Logger(ctx).Warn("revision failed, keeping draft", "error", err)
		return draft
	}
	if !reply.NeedsRevision {
		return draft
	}

	revised := strings.TrimSpace(reply.RevisedResponse)
	if utf8.RuneCountInString(revised) < minRevisedLength {
		observe.Logger(ctx).Warn("revision produced a degenerate replacement, keeping draft")
		return draft
	}
	observe.Logger(ctx).Info("draft revised", "issues", strings.Join(reply.Issues, ", "))
	return revised
}
