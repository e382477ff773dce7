// Package pipeline implements the staged request path of the chat
// gateway.
//
// A request enters at L0 and either reaches delivery at L9 or is
// terminated by the first stage that refuses it. Stages own one concern
// each: admission (L0), deterministic cleaning (L1), injection screening
// (L2), intent parsing (L3), domain routing (L4), context retrieval
// (L5), generation with the tool loop (L6), advisory revision (L7), and
// output safety with one regeneration retry (L8). Every terminal path
// produces the same envelope shape and one request-log record.
//
// The pipeline fails closed: when a security-relevant stage cannot do
// its job, the request is refused rather than waved through. Stages that
// only improve quality (intent, revision, grounding) degrade softly and
// never take a request down with them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/kbrengel/talkingrock/internal/convo"
	"github.com/kbrengel/talkingrock/internal/knowledge"
	"github.com/kbrengel/talkingrock/internal/observe"
	"github.com/kbrengel/talkingrock/internal/ratelimit"
	"github.com/kbrengel/talkingrock/internal/reqlog"
	"github.com/kbrengel/talkingrock/internal/tools"
	"github.com/kbrengel/talkingrock/pkg/provider/embeddings"
	"github.com/kbrengel/talkingrock/pkg/types"
)

// Stage labels as they appear in traces, metrics, and the request log.
const (
	StageGate     = "L0"
	StageSanitize = "L1"
	StageScreen   = "L2"
	StageIntent   = "L3"
	StageRoute    = "L4"
	StageRetrieve = "L5"
	StageGenerate = "L6"
	StageRevise   = "L7"
	StageSafety   = "L8"
	StageDeliver  = "L9"
)

const (
	defaultMaxInputLength      = 2000
	defaultRequestTimeout      = 30 * time.Second
	defaultClassifierTimeout   = 10 * time.Second
	defaultGeneratorTimeout    = 60 * time.Second
	defaultMaxHistoryTokens    = 4000
	defaultMaxModelConcurrency = 4

	// minContextQuality is the retrieval score below which generation is
	// not attempted.
	minContextQuality = 0.4
)

// Config tunes the pipeline. Zero values take the defaults above.
type Config struct {
	MaxInputLength      int
	RequestTimeout      time.Duration
	MaxHistoryTokens    int
	MaxModelConcurrency int

	// UseCombinedClassifier folds the intent call into the security
	// screen, trading one model round-trip for a busier prompt.
	UseCombinedClassifier bool
	// SkipRevision disables the advisory self-critique pass.
	SkipRevision bool
	// FastSafetyCheck limits output checking to the deterministic phase.
	FastSafetyCheck bool
	// GroundingCheck enables the embedding-space hallucination check.
	// Ignored when no embeddings provider is wired.
	GroundingCheck     bool
	GroundingThreshold float64

	// PersonaTemplate overrides the built-in generator prompt. {domain}
	// and {tools_section} are substituted per request.
	PersonaTemplate string
}

// Deps are the collaborators the orchestrator drives. Limiter, Convos,
// Knowledge, Classifier, and Generator are required; Router is required
// unless the combined classifier is enabled; Verifier is required unless
// the fast safety check is; Tools and Embedder are optional.
type Deps struct {
	Limiter   *ratelimit.Limiter
	Convos    *convo.Store
	Knowledge *knowledge.Registry
	Tools     *tools.Executor

	Classifier Backend
	Router     Backend
	Generator  Backend
	Verifier   Backend
	Embedder   embeddings.Provider

	RequestLog *reqlog.Log
	Metrics    *observe.Metrics
}

// Request is one inbound chat message after transport decoding. IPHash
// is the only identity the pipeline ever sees; raw addresses stop at the
// transport layer.
type Request struct {
	Message        string
	ConversationID string
	IPHash         string
}

// Orchestrator runs requests through the stages in order.
type Orchestrator struct {
	cfg Config

	limiter    *ratelimit.Limiter
	convos     *convo.Store
	knowledge  *knowledge.Registry
	requestLog *reqlog.Log
	metrics    *observe.Metrics

	sanitizer *sanitizer
	screener  *screener
	intents   *intentParser
	generator *generator
	reviser   *reviser
	safety    *safetyChecker

	clients []*modelClient
}

// New wires the stages. Tier timeouts default per tier; the concurrency
// gate is shared by every model call the orchestrator makes.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Limiter == nil:
		return nil, errors.New("pipeline: limiter is required")
	case deps.Convos == nil:
		return nil, errors.New("pipeline: conversation store is required")
	case deps.Knowledge == nil:
		return nil, errors.New("pipeline: knowledge registry is required")
	case deps.Classifier.Provider == nil:
		return nil, errors.New("pipeline: classifier backend is required")
	case deps.Generator.Provider == nil:
		return nil, errors.New("pipeline: generator backend is required")
	}
	if !cfg.UseCombinedClassifier && deps.Router.Provider == nil {
		return nil, errors.New("pipeline: router backend is required unless the combined classifier is enabled")
	}
	if !cfg.FastSafetyCheck && deps.Verifier.Provider == nil {
		return nil, errors.New("pipeline: verifier backend is required unless the fast safety check is enabled")
	}

	if cfg.MaxInputLength <= 0 {
		cfg.MaxInputLength = defaultMaxInputLength
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.MaxHistoryTokens <= 0 {
		cfg.MaxHistoryTokens = defaultMaxHistoryTokens
	}
	if cfg.MaxModelConcurrency <= 0 {
		cfg.MaxModelConcurrency = defaultMaxModelConcurrency
	}

	gate := semaphore.NewWeighted(int64(cfg.MaxModelConcurrency))
	newClient := func(tier string, b Backend, fallback time.Duration) *modelClient {
		if b.Provider == nil {
			return nil
		}
		if b.Timeout <= 0 {
			b.Timeout = fallback
		}
		return newModelClient(tier, b, gate, deps.Metrics)
	}

	classifier := newClient("classifier", deps.Classifier, defaultClassifierTimeout)
	router := newClient("router", deps.Router, defaultClassifierTimeout)
	generatorMC := newClient("generator", deps.Generator, defaultGeneratorTimeout)
	verifier := newClient("verifier", deps.Verifier, defaultClassifierTimeout)

	o := &Orchestrator{
		cfg:        cfg,
		limiter:    deps.Limiter,
		convos:     deps.Convos,
		knowledge:  deps.Knowledge,
		requestLog: deps.RequestLog,
		metrics:    deps.Metrics,
		sanitizer:  newSanitizer(cfg.MaxInputLength),
		screener:   newScreener(classifier, cfg.UseCombinedClassifier),
		generator:  newGenerator(generatorMC, deps.Tools, deps.Metrics, cfg.PersonaTemplate),
		safety: newSafetyChecker(verifier, deps.Embedder,
			cfg.FastSafetyCheck, cfg.GroundingCheck && deps.Embedder != nil, cfg.GroundingThreshold),
	}
	if router != nil {
		o.intents = newIntentParser(router)
	}
	o.reviser = newReviser(generatorMC, cfg.SkipRevision)
	for _, c := range []*modelClient{classifier, router, generatorMC, verifier} {
		if c != nil {
			o.clients = append(o.clients, c)
		}
	}
	return o, nil
}

// Process runs one request through the pipeline. It always returns an
// envelope: failures are encoded as outcome codes, never surfaced as Go
// errors to the transport.
func (o *Orchestrator) Process(ctx context.Context, req Request) (resp *Response) {
	started := time.Now()
	requestID := observe.RequestID(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	tr := newTrace(requestID, req.IPHash, utf8.RuneCountInString(req.Message))

	defer func() {
		if r := recover(); r != nil {
			observe.Logger(ctx).Error("pipeline panic", "request_id", requestID, "panic", fmt.Sprint(r))
			if tr.BlockedAt == "" {
				tr.terminate(StageDeliver, "panic", 0)
			}
			resp = o.deliverError(ctx, tr, started, types.CodeInternalError)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
	defer cancel()

	// L0: admission. Length is checked before the rate buckets so an
	// oversize flood cannot consume quota.
	l0 := time.Now()
	conv, _ := o.convos.GetOrCreate(req.ConversationID)
	tr.ConversationID = conv.ID

	if tr.InputLength > o.cfg.MaxInputLength {
		tr.terminate(StageGate, reasonInputTooLong, time.Since(l0))
		return o.deliverError(ctx, tr, started, types.CodeInputTooLong)
	}
	if limit := o.limiter.Allow(req.IPHash); !limit.Allowed {
		tr.terminate(StageGate, string(limit.Status), time.Since(l0))
		return o.deliverError(ctx, tr, started, types.CodeRateLimited)
	}
	tr.pass(StageGate, time.Since(l0))

	// L1: deterministic cleaning and the blocklist.
	l1 := time.Now()
	outcome := o.sanitizer.sanitize(req.Message)
	if outcome.Blocked {
		tr.terminate(StageSanitize, outcome.Reason, time.Since(l1))
		code := types.CodeBlockedInput
		if outcome.Reason == reasonInputTooLong {
			code = types.CodeInputTooLong
		}
		return o.deliverError(ctx, tr, started, code)
	}
	message := outcome.Text
	tr.pass(StageSanitize, time.Since(l1))

	// L2: model-backed injection screen.
	l2 := time.Now()
	verdict := o.screener.screen(ctx, tr, message, lastUserTurns(conv.Turns, screenHistoryTurns))
	if verdict.Blocked {
		tr.terminate(StageScreen, verdict.Reason, time.Since(l2))
		return o.deliverError(ctx, tr, started, types.CodeBlockedInput)
	}
	tr.pass(StageScreen, time.Since(l2))

	// L3: intent, either carried from the combined screen or parsed now.
	l3 := time.Now()
	var intent types.Intent
	switch {
	case verdict.Intent != nil:
		intent = *verdict.Intent
	case o.intents != nil:
		intent = o.intents.parse(ctx, tr, message)
	default:
		intent = defaultIntent()
	}
	tr.pass(StageIntent, time.Since(l3))

	// L4: deterministic domain routing.
	l4 := time.Now()
	domain := route(intent, message)
	tr.Domain = domain
	if o.metrics != nil {
		o.metrics.RecordDomain(ctx, domain.String())
		o.metrics.IntentConfidence.Record(ctx, intent.Confidence)
	}
	if domain == types.DomainOutOfScope {
		tr.terminate(StageRoute, "out_of_scope", time.Since(l4))
		return o.deliverError(ctx, tr, started, types.CodeOutOfScope)
	}
	tr.pass(StageRoute, time.Since(l4))

	// L5: context retrieval. Thin context short-circuits to a fixed
	// reply instead of letting the model improvise.
	l5 := time.Now()
	retrieved := o.knowledge.Retrieve(domain)
	tr.pass(StageRetrieve, time.Since(l5))
	if insufficientContext(retrieved) {
		observe.Logger(ctx).Info("insufficient context, serving fixed reply",
			"domain", domain.String(), "quality", retrieved.Quality)
		return o.deliverSuccess(ctx, tr, started, message, noContextResponse, false)
	}

	// L6: generation, including the tool loop.
	l6 := time.Now()
	in := generateInput{
		Message: message,
		Domain:  domain,
		Context: retrieved.Context,
		History: conv.History(o.cfg.MaxHistoryTokens),
		Meta: tools.Meta{
			ConversationID: conv.ID,
			IPHash:         req.IPHash,
			Context:        transcriptExcerpt(conv.Turns),
		},
	}
	draft, err := o.generator.generate(ctx, tr, in)
	if err != nil {
		code := types.CodeInternalError
		reason := "model_error"
		if errors.Is(err, errGateBusy) {
			code = types.CodeRateLimited
			reason = "gate_busy"
		}
		observe.Logger(ctx).Error("generation failed", "error", err)
		tr.terminate(StageGenerate, reason, time.Since(l6))
		return o.deliverError(ctx, tr, started, code)
	}
	tr.pass(StageGenerate, time.Since(l6))

	// L7: advisory revision.
	l7 := time.Now()
	draft = o.reviser.revise(ctx, tr, message, retrieved.Context, draft)
	tr.pass(StageRevise, time.Since(l7))

	// L8: output safety, with one regeneration retry.
	l8 := time.Now()
	safety := o.safety.check(ctx, tr, draft, retrieved.Context)
	if !safety.Safe {
		observe.Logger(ctx).Warn("unsafe draft, regenerating once",
			"issues", strings.Join(safety.Issues, ","))
		redraft, rerr := o.generator.regenerate(ctx, tr, in, safety.Issues)
		if rerr != nil {
			observe.Logger(ctx).Error("regeneration failed", "error", rerr)
			tr.terminate(StageSafety, "regenerate_failed", time.Since(l8))
			return o.deliverError(ctx, tr, started, types.CodeSafetyFailed)
		}
		if recheck := o.safety.check(ctx, tr, redraft, retrieved.Context); !recheck.Safe {
			tr.terminate(StageSafety, strings.Join(recheck.Issues, ","), time.Since(l8))
			return o.deliverError(ctx, tr, started, types.CodeSafetyFailed)
		}
		draft = redraft
	}
	tr.pass(StageSafety, time.Since(l8))

	// L9: commit and deliver.
	return o.deliverSuccess(ctx, tr, started, message, draft, true)
}

// Healthy reports whether every configured model tier would currently
// accept a call, meaning no circuit breaker is open.
func (o *Orchestrator) Healthy() bool {
	for _, c := range o.clients {
		if !c.healthy() {
			return false
		}
	}
	return true
}

func insufficientContext(res knowledge.Result) bool {
	return res.Status == knowledge.StatusNoContext ||
		res.Status == knowledge.StatusInsufficient ||
		res.IsPlaceholder ||
		res.Quality < minContextQuality
}

// transcriptExcerpt renders at most the last two turns for tool metadata,
// so a saved message carries the exchange that led to it.
func transcriptExcerpt(turns []convo.Turn) string {
	if len(turns) > 2 {
		turns = turns[len(turns)-2:]
	}
	var lines []string
	for _, t := range turns {
		lines = append(lines, t.Role+": "+truncateRunes(t.Content, 200))
	}
	return strings.Join(lines, "\n")
}
