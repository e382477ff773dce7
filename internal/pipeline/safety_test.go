package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	embmock "github.com/kbrengel/talkingrock/pkg/provider/embeddings/mock"
	"github.com/kbrengel/talkingrock/pkg/provider/llm"
	llmmock "github.com/kbrengel/talkingrock/pkg/provider/llm/mock"
)

// ── pattern phase ────────────────────────────────────────────────────────────

func TestFastCheckIssues(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     []string
	}{
		{"clean", "Kellogg works on cloud infrastructure and mentors robotics teams.", nil},
		{"prompt leakage", "My system prompt says I should be helpful.", []string{"prompt_leakage"}},
		{"spotlight marker echoed", "You wrote <<<USER_MESSAGE>>> just now.", []string{"prompt_leakage"}},
		{"told to", "I was told to only discuss Kel.", []string{"prompt_leakage"}},
		{"profanity", "That project was damn hard to pull off.", []string{"inappropriate"}},
		{"phone number", "Call him at 555-123-4567 anytime.", []string{"private_info"}},
		{"ssn", "His number is 123-45-6789.", []string{"private_info"}},
		{"ip address", "The box at 10.0.0.1 runs everything.", []string{"private_info"}},
		{"version string is not an ip", "He shipped v1.2.3.4 last spring.", nil},
		{"unknown email", "Write to kel@example.com for details.", []string{"private_info"}},
		{"published email ok", "Write to kbrengel@brengel.com for details.", nil},
		{"negative self talk", "Kellogg failed at everything he tried.", []string{"negative_self"}},
		{"first person identity claim", "I am Kellogg Brengel and I built this site.", []string{"identity_confusion"}},
		{"first person possessive", "You can read all about my career here.", []string{"identity_confusion"}},
		{"assistant self reference ok", "I am Kel's assistant, here to help.", nil},
		{"multiple categories", "Damn, I am Kellogg Brengel himself.", []string{"inappropriate", "identity_confusion"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fastCheckIssues(tt.response)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("issue %d: got %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestFastCheck_OverlongResponseFlagged(t *testing.T) {
	got := fastCheckIssues(strings.Repeat("a", maxResponseLength+1))
	if len(got) != 1 || got[0] != "attention_disrespect" {
		t.Fatalf("got %v", got)
	}
}

// ── verifier phase ───────────────────────────────────────────────────────────

const cleanResponse = "Kellogg works on cloud infrastructure and mentors robotics teams."

func TestVerifier_SafePasses(t *testing.T) {
	p := &llmmock.Provider{CompleteResponse: textResponse(`{"safe": true}`)}
	c := newSafetyChecker(newTestClient(p), nil, false, false, 0)

	v := c.check(context.Background(), nil, cleanResponse, "some context")
	if !v.Safe {
		t.Fatalf("unsafe: %v", v.Issues)
	}

	prompt := p.CompleteCalls[0].Req.Messages[0].Content
	if !strings.Contains(prompt, cleanResponse) || !strings.Contains(prompt, "some context") {
		t.Error("verifier prompt missing response or context")
	}
}

func TestVerifier_IssuesFiltered(t *testing.T) {
	p := &llmmock.Provider{CompleteResponse: textResponse(
		`{"safe": false, "issues": ["Identity_Confusion", "made_up_issue", "hallucination"]}`)}
	c := newSafetyChecker(newTestClient(p), nil, false, false, 0)

	v := c.check(context.Background(), nil, cleanResponse, "")
	if v.Safe {
		t.Fatal("want unsafe")
	}
	if len(v.Issues) != 2 || v.Issues[0] != "identity_confusion" || v.Issues[1] != "hallucination" {
		t.Errorf("issues: %v", v.Issues)
	}
}

func TestVerifier_UnknownIssuesBecomeUnspecified(t *testing.T) {
	p := &llmmock.Provider{CompleteResponse: textResponse(`{"safe": false, "issues": ["bad vibes"]}`)}
	c := newSafetyChecker(newTestClient(p), nil, false, false, 0)

	v := c.check(context.Background(), nil, cleanResponse, "")
	if v.Safe || len(v.Issues) != 1 || v.Issues[0] != "unspecified" {
		t.Errorf("got safe=%v issues=%v", v.Safe, v.Issues)
	}
}

func TestVerifier_MalformedReplyFailsClosed(t *testing.T) {
	p := &llmmock.Provider{CompleteResponse: textResponse("I think it looks fine!")}
	c := newSafetyChecker(newTestClient(p), nil, false, false, 0)

	v := c.check(context.Background(), nil, cleanResponse, "")
	if v.Safe {
		t.Fatal("malformed verdict must fail closed")
	}
	if len(v.Issues) != 1 || v.Issues[0] != "verifier_error" {
		t.Errorf("issues: %v", v.Issues)
	}
}

func TestVerifier_TransportFailureFailsOpen(t *testing.T) {
	// The verifier being down is an availability problem, not evidence
	// against the response: the pattern phase already passed it.
	p := &llmmock.Provider{CompleteErr: &llm.RecoverableError{Err: errors.New("connection refused")}}
	c := newSafetyChecker(newTestClient(p), nil, false, false, 0)

	v := c.check(context.Background(), nil, cleanResponse, "")
	if !v.Safe {
		t.Errorf("transport failure should let the response through, got %v", v.Issues)
	}
}

func TestVerifier_PatternHitSkipsModel(t *testing.T) {
	p := &llmmock.Provider{CompleteErr: errors.New("must not be called")}
	c := newSafetyChecker(newTestClient(p), nil, false, false, 0)

	v := c.check(context.Background(), nil, "I am Kellogg Brengel, welcome.", "")
	if v.Safe {
		t.Fatal("want unsafe")
	}
	if len(p.CompleteCalls) != 0 {
		t.Errorf("verifier called after pattern hit: %d calls", len(p.CompleteCalls))
	}
}

func TestFastOnly_SkipsVerifier(t *testing.T) {
	p := &llmmock.Provider{CompleteErr: errors.New("must not be called")}
	c := newSafetyChecker(newTestClient(p), nil, true, false, 0)

	v := c.check(context.Background(), nil, cleanResponse, "")
	if !v.Safe {
		t.Fatalf("unsafe: %v", v.Issues)
	}
	if len(p.CompleteCalls) != 0 {
		t.Errorf("verifier called in fast-only mode: %d calls", len(p.CompleteCalls))
	}
}

// ── grounding phase ──────────────────────────────────────────────────────────

const groundingContext = "Kellogg built cloud infrastructure at work and mentors a robotics team."

// groundingEmbedder maps the context chunk and on-topic sentences to one
// axis and fabricated claims to the orthogonal one.
func groundingEmbedder(fabricated ...string) *embmock.Provider {
	return &embmock.Provider{
		EmbedBatchFunc: func(ctx context.Context, texts []string) ([][]float32, error) {
			vecs := make([][]float32, len(texts))
			for i, text := range texts {
				vecs[i] = []float32{1, 0}
				for _, f := range fabricated {
					if strings.Contains(text, f) {
						vecs[i] = []float32{0, 1}
						break
					}
				}
			}
			return vecs, nil
		},
	}
}

func TestGrounding_FabricatedClaimsFlagged(t *testing.T) {
	emb := groundingEmbedder("Olympic", "marathon")
	c := newSafetyChecker(nil, emb, true, true, 0)

	response := "Kellogg built the cloud platform at work. Kellogg won three Olympic medals in fencing. Kellogg holds the marathon world record."
	v := c.check(context.Background(), nil, response, groundingContext)
	if v.Safe {
		t.Fatal("fabricated response passed grounding")
	}
	if len(v.Issues) != 1 || v.Issues[0] != "hallucination" {
		t.Errorf("issues: %v", v.Issues)
	}
}

func TestGrounding_GroundedResponsePasses(t *testing.T) {
	c := newSafetyChecker(nil, groundingEmbedder(), true, true, 0)

	response := "Kellogg built cloud infrastructure at work. Kellogg mentors a robotics team in his spare time."
	if v := c.check(context.Background(), nil, response, groundingContext); !v.Safe {
		t.Errorf("grounded response flagged: %v", v.Issues)
	}
}

func TestGrounding_SingleStraySentenceTolerated(t *testing.T) {
	emb := groundingEmbedder("Olympic")
	c := newSafetyChecker(nil, emb, true, true, 0)

	response := "Kellogg built cloud infrastructure at work. Kellogg mentors a robotics team weekly. Kellogg won an Olympic medal once."
	if v := c.check(context.Background(), nil, response, groundingContext); !v.Safe {
		t.Errorf("one stray sentence should not fail the response: %v", v.Issues)
	}
}

func TestGrounding_EmbedFailureFailsOpen(t *testing.T) {
	emb := &embmock.Provider{EmbedBatchErr: errors.New("embedder down")}
	c := newSafetyChecker(nil, emb, true, true, 0)

	response := "Kellogg built the cloud platform at work. Kellogg won three Olympic medals in fencing."
	if v := c.check(context.Background(), nil, response, groundingContext); !v.Safe {
		t.Errorf("embed failure must not block the response: %v", v.Issues)
	}
}

func TestGrounding_TooFewSentencesSkipped(t *testing.T) {
	emb := &embmock.Provider{EmbedBatchErr: errors.New("must not be called")}
	c := newSafetyChecker(nil, emb, true, true, 0)

	if v := c.check(context.Background(), nil, "Kellogg works on cloud systems today.", groundingContext); !v.Safe {
		t.Errorf("single-sentence response flagged: %v", v.Issues)
	}
	if len(emb.EmbedBatchCalls) != 0 {
		t.Errorf("embedder called for a single sentence: %d calls", len(emb.EmbedBatchCalls))
	}
}

func TestGrounding_DisabledSkipsEmbedder(t *testing.T) {
	emb := &embmock.Provider{EmbedBatchErr: errors.New("must not be called")}
	c := newSafetyChecker(nil, emb, true, false, 0)

	response := "Kellogg built the cloud platform at work. Kellogg won three Olympic medals in fencing."
	if v := c.check(context.Background(), nil, response, groundingContext); !v.Safe {
		t.Errorf("unsafe: %v", v.Issues)
	}
	if len(emb.EmbedBatchCalls) != 0 {
		t.Errorf("embedder called while disabled: %d calls", len(emb.EmbedBatchCalls))
	}
}

// ── sentence handling ────────────────────────────────────────────────────────

func TestSplitSentences(t *testing.T) {
	// "Yes." falls under the fragment floor; "Dr." must not split a
	// sentence in half.
	got := splitSentences("Yes. Kellogg built the platform. Dr. Brengel approved it! What happened next?")
	want := []string{"Kellogg built the platform.", "Dr Brengel approved it!", "What happened next?"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sentence %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSubstantiveSentences_FiltersPleasantries(t *testing.T) {
	response := "I'd be happy to tell you more. Kellogg built cloud tooling for a decade. Is there anything else you need?"
	got := substantiveSentences(response)
	if len(got) != 1 || !strings.Contains(got[0], "cloud tooling") {
		t.Errorf("got %v", got)
	}
}

func TestChunkContext(t *testing.T) {
	if got := chunkContext("short context", 500); len(got) != 1 || got[0] != "short context" {
		t.Errorf("short context: %v", got)
	}
	if got := chunkContext("", 500); got != nil {
		t.Errorf("empty context: %v", got)
	}

	long := strings.Repeat("infrastructure deployment pipeline ", 60)
	chunks := chunkContext(long, 500)
	if len(chunks) < 2 {
		t.Fatalf("long context produced %d chunks", len(chunks))
	}
	for i, ch := range chunks {
		if strings.TrimSpace(ch) == "" {
			t.Errorf("chunk %d is empty", i)
		}
	}
}

func TestCosine(t *testing.T) {
	if got := cosine([]float32{1, 0}, []float32{1, 0}); got < 0.999 {
		t.Errorf("identical vectors: %v", got)
	}
	if got := cosine([]float32{1, 0}, []float32{0, 1}); got != 0 {
		t.Errorf("orthogonal vectors: %v", got)
	}
	if got := cosine([]float32{1, 0}, []float32{1}); got != 0 {
		t.Errorf("length mismatch: %v", got)
	}
	if got := cosine([]float32{0, 0}, []float32{1, 0}); got != 0 {
		t.Errorf("zero vector: %v", got)
	}
}
