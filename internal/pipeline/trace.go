package pipeline

import (
	"time"

	"github.com/kbrengel/talkingrock/internal/reqlog"
	"github.com/kbrengel/talkingrock/pkg/types"
)

// Trace accumulates the per-request record of stages entered, their
// durations, the terminating verdict, and every model call made on the
// request's behalf. One Trace belongs to exactly one request and is only
// touched from that request's goroutine, so it needs no locking.
//
// A Trace never stores the message, the response, or a raw ip — only
// lengths, codes, and timings. That invariant is what makes the request
// log safe to keep.
type Trace struct {
	RequestID      string
	ConversationID string
	IPHash         string
	InputLength    int

	// LayersPassed lists the stages that forwarded the request, in order.
	// A stage that terminated the request appears in BlockedAt instead.
	LayersPassed []string
	BlockedAt    string
	BlockReason  string

	Domain     types.Domain
	ModelCalls []reqlog.ModelCall

	// Timings holds per-stage wall time in milliseconds, including the
	// terminating stage.
	Timings map[string]float64

	// ToolIterations counts executed tool-loop rounds during generation.
	ToolIterations int
}

func newTrace(requestID, ipHash string, inputLength int) *Trace {
	return &Trace{
		RequestID:   requestID,
		IPHash:      ipHash,
		InputLength: inputLength,
		Timings:     make(map[string]float64, 10),
	}
}

// pass marks a stage as completed and forwarding.
func (t *Trace) pass(stage string, d time.Duration) {
	t.LayersPassed = append(t.LayersPassed, stage)
	t.Timings[stage] = durationMS(d)
}

// terminate marks the stage that ended the request and why. Only the first
// terminating stage is kept; later calls are ignored.
func (t *Trace) terminate(stage, reason string, d time.Duration) {
	t.Timings[stage] = durationMS(d)
	if t.BlockedAt != "" {
		return
	}
	t.BlockedAt = stage
	t.BlockReason = reason
}

// addModelCall appends one backend call's accounting.
func (t *Trace) addModelCall(mc reqlog.ModelCall) {
	t.ModelCalls = append(t.ModelCalls, mc)
}

// record renders the trace as the request-log record written at delivery.
func (t *Trace) record(elapsed time.Duration) reqlog.Record {
	return reqlog.Record{
		RequestID:      t.RequestID,
		ClientIPHash:   t.IPHash,
		InputLength:    t.InputLength,
		LayersPassed:   t.LayersPassed,
		BlockedAtLayer: t.BlockedAt,
		BlockReason:    t.BlockReason,
		DomainMatched:  t.Domain.String(),
		ResponseTimeMS: elapsed.Milliseconds(),
		ModelCalls:     t.ModelCalls,
	}
}

func durationMS(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
