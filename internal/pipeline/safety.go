package pipeline

import (
	"context"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/kbrengel/talkingrock/internal/observe"
	"github.com/kbrengel/talkingrock/pkg/provider/embeddings"
	"github.com/kbrengel/talkingrock/pkg/provider/llm"
	"github.com/kbrengel/talkingrock/pkg/types"
)

// Output gate in up to three phases. The deterministic pattern phase
// always runs and cannot be configured away. The verifier phase asks a
// small model to judge the response unless fast-only mode is set; it
// fails open only on recoverable transport errors, closed on everything
// else. The optional grounding phase compares the response against the
// retrieved context in embedding space and flags suspected hallucination.

const (
	// maxResponseLength is the ceiling beyond which a response is flagged
	// as disrespectful of the reader's attention.
	maxResponseLength = 4000

	defaultGroundingThreshold = 0.5
	// minUngroundedToFail tolerates a single stray sentence; inferences
	// phrased in new words often embed far from the source text.
	minUngroundedToFail   = 2
	groundingChunkSize    = 500
	groundingContextChars = 6000
	minSentenceLength     = 10
)

var leakagePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)system\s+prompt`),
	regexp.MustCompile(`(?i)my\s+instructions\s+are`),
	regexp.MustCompile(`(?i)i\s+was\s+told\s+to`),
	regexp.MustCompile(`(?i)i\s+am\s+programmed\s+to`),
	regexp.MustCompile(`(?i)my\s+programming\s+says`),
	regexp.MustCompile(`(?i)my\s+rules\s+are`),
	regexp.MustCompile(`<<<.*>>>`),
	regexp.MustCompile(`(?i)context\s+about\s+kel`),
	regexp.MustCompile(`(?i)current\s+question:`),
	regexp.MustCompile(`(?i)layer\s+\d+\s`),
	regexp.MustCompile(`(?i)inference\s+pipeline`),
	regexp.MustCompile(`(?i)jailbreak\s+attempt`),
	regexp.MustCompile(`(?i)injection\s+attempt`),
}

var inappropriatePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(fuck|shit|damn|ass|bitch)\b`),
	regexp.MustCompile(`(?i)(kill|murder|attack|harm)\s+(yourself|himself|people)`),
	regexp.MustCompile(`(?i)(illegal|criminal)\s+activit`),
}

var privateInfoPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`),
	regexp.MustCompile(`(^|[^0-9A-Za-z_.])(\d{1,3}\.){3}\d{1,3}($|[^0-9A-Za-z_.])`),
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
}

var emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)

// safeEmails is the published contact address allowed to appear verbatim.
var safeEmails = map[string]bool{"kbrengel@brengel.com": true}

var negativeSelfPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)kellogg\s+(is|was)\s+(bad|terrible|awful|incompetent)`),
	regexp.MustCompile(`(?i)kellogg\s+(doesn't|does\s+not)\s+know`),
	regexp.MustCompile(`(?i)kellogg\s+(can't|cannot)\s+(do|handle)`),
	regexp.MustCompile(`(?i)kellogg\s+(failed|sucks)`),
	regexp.MustCompile(`(?i)wouldn't\s+recommend.*kellogg`),
	regexp.MustCompile(`(?i)don't\s+hire.*kellogg`),
}

// identityPatterns catch the assistant claiming to BE Kel. Only the
// unambiguous forms live here; subtler first-person slips are the
// verifier model's job.
var identityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bi\s*(am|'m)\s+kel(logg)?\s+brengel\b`),
	regexp.MustCompile(`(?i)\bspeaking\s+as\s+kel(logg)?\b`),
	regexp.MustCompile(`(?i)\bmy\s+(resume|career|work\s+history)\b`),
}

var validSafetyIssues = map[string]bool{
	"prompt_leakage":       true,
	"inappropriate":        true,
	"hallucination":        true,
	"unprofessional":       true,
	"private_info":         true,
	"identity_confusion":   true,
	"attention_disrespect": true,
	"negative_self":        true,
}

type safetyReply struct {
	Safe   bool     `json:"safe"`
	Issues []string `json:"issues"`
}

// safetyVerdict is the stage outcome. Issues is populated only when
// Safe is false.
type safetyVerdict struct {
	Safe   bool
	Issues []string
}

type safetyChecker struct {
	mc        *modelClient
	embedder  embeddings.Provider
	fastOnly  bool
	grounding bool
	threshold float64
}

func newSafetyChecker(mc *modelClient, embedder embeddings.Provider, fastOnly, grounding bool, threshold float64) *safetyChecker {
	if threshold <= 0 {
		threshold = defaultGroundingThreshold
	}
	return &safetyChecker{
		mc:        mc,
		embedder:  embedder,
		fastOnly:  fastOnly,
		grounding: grounding,
		threshold: threshold,
	}
}

// check runs the phases in order and stops at the first unsafe finding.
func (c *safetyChecker) check(ctx context.Context, tr *Trace, response, contextText string) safetyVerdict {
	if issues := fastCheckIssues(response); len(issues) > 0 {
		observe.Logger(ctx).Warn("output failed pattern check", "issues", strings.Join(issues, ","))
		return safetyVerdict{Issues: issues}
	}

	if !c.fastOnly && c.mc != nil {
		if verdict := c.verifierCheck(ctx, tr, response, contextText); !verdict.Safe {
			return verdict
		}
	}

	if c.grounding && c.embedder != nil && !c.groundedIn(ctx, response, contextText) {
		observe.Logger(ctx).Warn("response poorly grounded in context")
		return safetyVerdict{Issues: []string{"hallucination"}}
	}

	return safetyVerdict{Safe: true}
}

// fastCheckIssues is the deterministic phase: one issue label per
// category, first hit wins within a category.
func fastCheckIssues(response string) []string {
	var issues []string

	for _, re := range leakagePatterns {
		if re.MatchString(response) {
			issues = append(issues, "prompt_leakage")
			break
		}
	}
	for _, re := range inappropriatePatterns {
		if re.MatchString(response) {
			issues = append(issues, "inappropriate")
			break
		}
	}
	if privateInfoHit(response) {
		issues = append(issues, "private_info")
	}
	for _, re := range negativeSelfPatterns {
		if re.MatchString(response) {
			issues = append(issues, "negative_self")
			break
		}
	}
	for _, re := range identityPatterns {
		if re.MatchString(response) {
			issues = append(issues, "identity_confusion")
			break
		}
	}
	if utf8.RuneCountInString(response) > maxResponseLength {
		issues = append(issues, "attention_disrespect")
	}

	return issues
}

func privateInfoHit(response string) bool {
	for _, re := range privateInfoPatterns {
		if re.MatchString(response) {
			return true
		}
	}
	for _, email := range emailPattern.FindAllString(response, -1) {
		if !safeEmails[strings.ToLower(email)] {
			return true
		}
	}
	return false
}

func (c *safetyChecker) verifierCheck(ctx context.Context, tr *Trace, response, contextText string) safetyVerdict {
	req := llm.CompletionRequest{
		SystemPrompt: safetySystemPrompt,
		Messages: []types.Message{
			{Role: "user", Content: safetyUserPrompt(response, contextText)},
		},
	}
	var reply safetyReply
	if err := c.mc.chatJSON(ctx, tr, StageSafety, req, &reply); err != nil {
		if llm.IsRecoverable(err) {
			observe.Logger(ctx).Warn("safety verifier unavailable, letting response through", "error", err)
			return safetyVerdict{Safe: true}
		}
		observe.Logger(ctx).Error("safety verifier failed", "error", err)
		return safetyVerdict{Issues: []string{"verifier_error"}}
	}
	if reply.Safe {
		return safetyVerdict{Safe: true}
	}
	return safetyVerdict{Issues: filterIssues(reply.Issues)}
}

func filterIssues(raw []string) []string {
	var out []string
	for _, s := range raw {
		if tok := normalizeToken(s); validSafetyIssues[tok] {
			out = append(out, tok)
		}
	}
	if len(out) == 0 {
		out = []string{"unspecified"}
	}
	return out
}

// ─── Grounding ───

// groundedIn reports whether the response's substantive sentences land
// near the retrieved context in embedding space. Any embedding failure
// counts as grounded: this phase exists to catch hallucination, not to
// take the service down with it.
func (c *safetyChecker) groundedIn(ctx context.Context, response, contextText string) bool {
	sentences := substantiveSentences(response)
	if len(sentences) < minUngroundedToFail {
		return true
	}
	chunks := chunkContext(truncateRunes(contextText, groundingContextChars), groundingChunkSize)
	if len(chunks) == 0 {
		return true
	}

	vecs, err := c.embedder.EmbedBatch(ctx, append(chunks, sentences...))
	if err != nil || len(vecs) != len(chunks)+len(sentences) {
		observe.Logger(ctx).Warn("grounding embed failed, skipping check", "error", err)
		return true
	}
	chunkVecs, sentenceVecs := vecs[:len(chunks)], vecs[len(chunks):]

	flagged := 0
	for _, sv := range sentenceVecs {
		best := 0.0
		for _, cv := range chunkVecs {
			if sim := cosine(sv, cv); sim > best {
				best = sim
			}
		}
		if best < c.threshold {
			flagged++
		}
	}
	return flagged < minUngroundedToFail
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

var abbreviationFixer = strings.NewReplacer(
	"Mr.", "Mr", "Mrs.", "Mrs", "Dr.", "Dr", "e.g.", "eg", "i.e.", "ie",
)

func splitSentences(text string) []string {
	text = abbreviationFixer.Replace(text)
	var sentences []string
	var current strings.Builder
	flush := func() {
		if s := strings.TrimSpace(current.String()); len(s) > minSentenceLength {
			sentences = append(sentences, s)
		}
		current.Reset()
	}
	for _, r := range text {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			flush()
		}
	}
	flush()
	return sentences
}

// metaSentenceMarkers identify transitions and pleasantries that carry no
// factual claim and so have no business being checked against context.
var metaSentenceMarkers = []string{
	"i'd be happy to", "let me", "here's", "based on", "according to",
	"from the context", "the information shows", "i can help",
	"is there anything", "feel free to", "happy to help", "would you like",
}

func isMetaSentence(sentence string) bool {
	lower := strings.ToLower(sentence)
	for _, m := range metaSentenceMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func substantiveSentences(response string) []string {
	var out []string
	for _, s := range splitSentences(response) {
		if !isMetaSentence(s) {
			out = append(out, s)
		}
	}
	return out
}

// chunkContext splits the context into word-aligned chunks with a quarter
// overlap so sentence-level matches near a boundary are not lost.
func chunkContext(contextText string, chunkSize int) []string {
	contextText = strings.TrimSpace(contextText)
	if contextText == "" {
		return nil
	}
	if len(contextText) <= chunkSize {
		return []string{contextText}
	}

	var chunks []string
	var current []string
	length := 0
	for _, w := range strings.Fields(contextText) {
		current = append(current, w)
		length += len(w) + 1
		if length >= chunkSize {
			chunks = append(chunks, strings.Join(current, " "))
			keep := len(current) * 3 / 4
			current = append([]string(nil), current[keep:]...)
			length = 0
			for _, kw := range current {
				length += len(kw) + 1
			}
		}
	}
	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, " "))
	}
	return chunks
}
