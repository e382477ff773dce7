package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/kbrengel/talkingrock/internal/convo"
	"github.com/kbrengel/talkingrock/internal/observe"
	"github.com/kbrengel/talkingrock/pkg/types"
)

// Terminal stage: envelope construction, conversation commit, trace
// flush. Every request ends here exactly once, whichever stage decided
// its fate.

// errorMessages are the fixed user-facing texts per outcome code. They
// deliberately reveal nothing about which stage terminated the request.
var errorMessages = map[types.ErrorCode]string{
	types.CodeRateLimited:   "Please wait a moment before sending another message.",
	types.CodeInputTooLong:  "Your message is a bit long. Could you shorten it?",
	types.CodeBlockedInput:  "I can only answer questions about Kellogg's professional background and projects.",
	types.CodeOutOfScope:    "I'm designed to answer questions about Kel's work and projects. For other topics, I'd recommend a general AI assistant.",
	types.CodeSafetyFailed:  "Let me rephrase that. I'd be happy to share more about Kellogg's professional background and projects. What would you like to know?",
	types.CodeInternalError: "I'm having some technical difficulties. Please try again.",
}

// ErrorMessage returns the canned reply for an outcome code.
func ErrorMessage(code types.ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}
	return errorMessages[types.CodeInternalError]
}

// noContextResponse is the fixed success reply when retrieval cannot
// support a real answer.
const noContextResponse = "I don't have detailed information about that topic. Is there something else about Kellogg's work I can help with?"

// Response is the wire envelope for one chat request.
type Response struct {
	Success  bool         `json:"success"`
	Response *Reply       `json:"response,omitempty"`
	Error    *ErrorDetail `json:"error,omitempty"`
	Metadata Metadata     `json:"metadata"`
}

// Reply is the content payload of a successful request.
type Reply struct {
	Content string       `json:"content"`
	Domain  types.Domain `json:"domain"`
}

// ErrorDetail carries the outcome code and its canned message.
type ErrorDetail struct {
	Code    types.ErrorCode `json:"code"`
	Message string          `json:"message"`
}

// Metadata is returned on every envelope. Layer timings are exposed on
// success only.
type Metadata struct {
	RequestID      string             `json:"request_id"`
	ConversationID string             `json:"conversation_id"`
	ResponseTimeMS int64              `json:"response_time_ms"`
	LayerTimings   map[string]float64 `json:"layer_timings_ms,omitempty"`
}

// deliverSuccess commits the exchange and builds the success envelope.
// record=false delivers content without growing the conversation, which
// is how the insufficient-context reply stays out of history.
func (o *Orchestrator) deliverSuccess(ctx context.Context, tr *Trace, started time.Time, userMessage, content string, record bool) *Response {
	l9 := time.Now()

	if record {
		err := o.convos.Append(tr.ConversationID,
			convo.Turn{Content: userMessage},
			convo.Turn{
				Content:        content,
				Domain:         tr.Domain.String(),
				ResponseTimeMS: time.Since(started).Milliseconds(),
			},
		)
		if err != nil {
			// The response still ships; only continuity suffers.
			observe.Logger(ctx).Warn("conversation append failed", "conversation_id", tr.ConversationID, "error", err)
		} else if c, ok := o.convos.Get(tr.ConversationID); ok && o.metrics != nil {
			o.metrics.ConversationTurns.Record(ctx, int64(c.UserTurns()))
		}
	}

	tr.pass(StageDeliver, time.Since(l9))
	elapsed := time.Since(started)
	o.writeTrace(ctx, tr, elapsed)

	if o.metrics != nil {
		o.metrics.ResponseLength.Record(ctx, int64(len(content)))
		o.metrics.RequestDuration.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(observe.Attr("outcome", "success")))
	}

	return &Response{
		Success:  true,
		Response: &Reply{Content: content, Domain: tr.Domain},
		Metadata: Metadata{
			RequestID:      tr.RequestID,
			ConversationID: tr.ConversationID,
			ResponseTimeMS: elapsed.Milliseconds(),
			LayerTimings:   tr.Timings,
		},
	}
}

// deliverError builds the terminal envelope for a short-circuited
// request. The conversation is never touched on this path.
func (o *Orchestrator) deliverError(ctx context.Context, tr *Trace, started time.Time, code types.ErrorCode) *Response {
	elapsed := time.Since(started)
	o.writeTrace(ctx, tr, elapsed)

	if o.metrics != nil {
		if tr.BlockedAt != "" {
			o.metrics.RecordBlock(ctx, tr.BlockedAt, tr.BlockReason)
		}
		outcome := "blocked"
		if code == types.CodeInternalError {
			outcome = "error"
		}
		o.metrics.RequestDuration.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(observe.Attr("outcome", outcome)))
	}

	return &Response{
		Success: false,
		Error:   &ErrorDetail{Code: code, Message: ErrorMessage(code)},
		Metadata: Metadata{
			RequestID:      tr.RequestID,
			ConversationID: tr.ConversationID,
			ResponseTimeMS: elapsed.Milliseconds(),
		},
	}
}

// writeTrace flushes the request record. The record carries lengths,
// codes, and timings only — never message text, response text, or a raw
// address.
func (o *Orchestrator) writeTrace(ctx context.Context, tr *Trace, elapsed time.Duration) {
	if o.requestLog == nil {
		return
	}
	o.requestLog.Write(ctx, tr.record(elapsed))
}
