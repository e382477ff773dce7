package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kbrengel/talkingrock/internal/observe"
	"github.com/kbrengel/talkingrock/internal/reqlog"
	"github.com/kbrengel/talkingrock/internal/resilience"
	"github.com/kbrengel/talkingrock/pkg/provider/llm"
)

// Backend pairs a provider with the model it should be asked for and the
// per-attempt timeout for that tier.
type Backend struct {
	Provider llm.Provider
	Model    string
	Timeout  time.Duration
}

// errGateBusy marks a request turned away because every model slot was
// taken for the whole acquire window. The orchestrator maps it to a
// rate-limit verdict rather than an internal error.
var errGateBusy = errors.New("pipeline: model gate busy")

// modelRetryDelay is the pause before the single retry on a recoverable
// transport failure.
const modelRetryDelay = 250 * time.Millisecond

// modelClient wraps one tier's backend with everything a pipeline stage
// should not have to think about: the shared concurrency gate, a circuit
// breaker, one retry on recoverable transport errors, per-attempt
// timeouts, and call accounting on the request trace.
type modelClient struct {
	tier     string
	provider llm.Provider
	model    string
	timeout  time.Duration
	gate     *semaphore.Weighted
	breaker  *resilience.CircuitBreaker
	metrics  *observe.Metrics
}

func newModelClient(tier string, b Backend, gate *semaphore.Weighted, metrics *observe.Metrics) *modelClient {
	return &modelClient{
		tier:     tier,
		provider: b.Provider,
		model:    b.Model,
		timeout:  b.Timeout,
		gate:     gate,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "model-" + tier,
		}),
		metrics: metrics,
	}
}

// chat performs one completion against the tier's backend. The gate is
// held for the full call including the retry, so a retried request cannot
// double-book capacity. Recoverable transport errors are retried exactly
// once; everything else surfaces immediately.
func (c *modelClient) chat(ctx context.Context, tr *Trace, stage string, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if err := c.gate.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %v", errGateBusy, err)
	}
	defer c.gate.Release(1)

	start := time.Now()
	resp, err := resilience.RetryOnceResult(ctx, modelRetryDelay, llm.IsRecoverable, func() (*llm.CompletionResponse, error) {
		var out *llm.CompletionResponse
		execErr := c.breaker.Execute(func() error {
			cctx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			r, err := c.provider.Complete(cctx, req)
			if err != nil {
				return err
			}
			out = r
			return nil
		})
		return out, execErr
	})
	elapsed := time.Since(start)

	if c.metrics != nil {
		c.metrics.RecordModelCall(ctx, c.model, stage, elapsed)
	}
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordModelError(ctx, c.model, errorKind(err))
		}
		return nil, fmt.Errorf("pipeline: %s: %s call: %w", stage, c.tier, err)
	}
	if resp == nil {
		if c.metrics != nil {
			c.metrics.RecordModelError(ctx, c.model, "empty_response")
		}
		return nil, fmt.Errorf("pipeline: %s: empty completion from %s", stage, c.model)
	}
	if tr != nil {
		tr.addModelCall(reqlog.ModelCall{
			Model:      c.model,
			DurationMS: elapsed.Milliseconds(),
			TokensIn:   resp.Usage.PromptTokens,
			TokensOut:  resp.Usage.CompletionTokens,
		})
	}
	return resp, nil
}

// chatText returns the trimmed completion text.
func (c *modelClient) chatText(ctx context.Context, tr *Trace, stage string, req llm.CompletionRequest) (string, error) {
	resp, err := c.chat(ctx, tr, stage, req)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

// chatJSON requests a JSON reply and decodes the first object found in it
// into out. Code fences and prose around the object are tolerated; a reply
// with no decodable object is an error, never a partial result.
func (c *modelClient) chatJSON(ctx context.Context, tr *Trace, stage string, req llm.CompletionRequest, out any) error {
	req.ForceJSON = true
	resp, err := c.chat(ctx, tr, stage, req)
	if err != nil {
		return err
	}
	raw := extractJSON(resp.Content)
	if raw == "" {
		return fmt.Errorf("pipeline: %s: no JSON object in %s reply", stage, c.tier)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("pipeline: %s: decode %s reply: %w", stage, c.tier, err)
	}
	return nil
}

// healthy reports whether the tier's breaker would admit a call right now.
func (c *modelClient) healthy() bool {
	return c.breaker.State() != resilience.StateOpen
}

// extractJSON pulls the outermost JSON object out of a model reply,
// stripping markdown fences the smaller models like to add.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case llm.IsRecoverable(err):
		return "transport"
	default:
		return "error"
	}
}
