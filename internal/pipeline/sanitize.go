package pipeline

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
	"golang.org/x/text/unicode/norm"
)

// Deterministic input cleaning and pattern screening. No model calls: this
// stage must give the same verdict for the same input every time, and
// running it twice must change nothing the second time.

// Block reasons produced without a blocklist hit.
const (
	reasonEmptyInput   = "empty_input"
	reasonEmptyAfter   = "empty_after_cleaning"
	reasonInputTooLong = "input_too_long"
)

var (
	invisibleRunes = regexp.MustCompile(`[\x{200B}-\x{200F}\x{2028}-\x{202F}\x{2060}-\x{206F}\x{FEFF}\x{00AD}]`)
	controlRunes   = regexp.MustCompile("[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]")
	htmlTags       = regexp.MustCompile(`<[^>]+>`)
	spaceRuns      = regexp.MustCompile(`[ \t]+`)
	newlineRuns    = regexp.MustCompile(`\n{3,}`)
)

// homoglyphFold maps look-alike Cyrillic letters onto their Latin twins so
// the blocklist cannot be dodged by swapping scripts. NFKC does not touch
// these: they are distinct letters, not compatibility forms.
var homoglyphFold = strings.NewReplacer(
	"а", "a", "е", "e", "о", "o", "р", "p",
	"с", "c", "у", "y", "х", "x", "і", "i",
	"ј", "j", "ѕ", "s",
	"А", "A", "В", "B", "Е", "E", "К", "K",
	"М", "M", "Н", "H", "О", "O", "Р", "P",
	"С", "C", "Т", "T", "Х", "X",
)

// blockedPatterns are the known injection phrasings rejected without a
// model call. Matched against the cleaned, case-folded text.
var blockedPatterns = []struct {
	re     *regexp.Regexp
	reason string
}{
	{regexp.MustCompile(`(?i)ignore\s+(all\s+|any\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|rules?|directives?)`), "instruction_override"},
	{regexp.MustCompile(`(?i)disregard\s+(all\s+|any\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|rules?|directives?)`), "instruction_override"},
	{regexp.MustCompile(`(?i)forget\s+(all\s+|any\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|rules?|directives?)`), "instruction_override"},
	{regexp.MustCompile(`(?i)system\s+prompt`), "prompt_extraction"},
	{regexp.MustCompile(`(?i)reveal\s+your\s+(instructions?|prompts?|rules?)`), "prompt_extraction"},
	{regexp.MustCompile(`(?i)show\s+me\s+your\s+(instructions?|prompts?|rules?)`), "prompt_extraction"},
	{regexp.MustCompile(`(?i)what\s+(are|is)\s+your\s+(instructions?|prompts?|rules?|system)`), "prompt_extraction"},
	{regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|in)\s`), "roleplay_attack"},
	{regexp.MustCompile(`(?i)pretend\s+(to\s+be|you\s+are)`), "roleplay_attack"},
	{regexp.MustCompile(`(?i)act\s+as\s+(if\s+you\s+(are|were)|a|an)\s`), "roleplay_attack"},
	{regexp.MustCompile(`(?i)dan\s+mode|do\s+anything\s+now`), "roleplay_attack"},
	{regexp.MustCompile(`(?i)developer\s+mode`), "roleplay_attack"},
	{regexp.MustCompile(`(?i)jail\s*break`), "explicit_jailbreak"},
	{regexp.MustCompile(`(?i)bypass\s+(your\s+)?(safety|restrictions?|rules?|filters?)`), "explicit_jailbreak"},
	{regexp.MustCompile(`(?i)override\s+(your\s+)?(safety|restrictions?|rules?)`), "explicit_jailbreak"},
	{regexp.MustCompile(`(?i)disable\s+(your\s+)?(safety|restrictions?|rules?)`), "explicit_jailbreak"},
	{regexp.MustCompile(`(?i)base64[:\s]`), "encoding_trick"},
	{regexp.MustCompile(`(?i)decode\s+this[:\s]`), "encoding_trick"},
	{regexp.MustCompile(`(?i)rot13[:\s]`), "encoding_trick"},
	{regexp.MustCompile(`(?i)\\u[0-9a-fA-F]{4}`), "encoding_trick"},
}

// fuzzyBlockTerms catch near-miss spellings of the words above that the
// exact patterns miss ("ja1lbreak", "jailbroken"). Tokens shorter than
// fuzzyMinTokenLen never match; one edit is the most we ever forgive.
var fuzzyBlockTerms = []string{"jailbreak", "jailbroken", "uncensored", "unfiltered"}

const fuzzyMinTokenLen = 8

var wordTokens = regexp.MustCompile(`[a-z0-9]+`)

type sanitizeOutcome struct {
	Blocked         bool
	Reason          string
	Text            string
	OriginalLength  int
	SanitizedLength int
}

type sanitizer struct {
	maxLen int
}

func newSanitizer(maxLen int) *sanitizer {
	if maxLen <= 0 {
		maxLen = defaultMaxInputLength
	}
	return &sanitizer{maxLen: maxLen}
}

// sanitize cleans the raw message and screens it against the blocklist.
// The returned text is fully normalized: feeding it back through sanitize
// yields it unchanged.
func (s *sanitizer) sanitize(input string) sanitizeOutcome {
	origLen := utf8.RuneCountInString(input)

	if strings.TrimSpace(input) == "" {
		return sanitizeOutcome{Blocked: true, Reason: reasonEmptyInput, OriginalLength: origLen}
	}
	if origLen > s.maxLen {
		return sanitizeOutcome{Blocked: true, Reason: reasonInputTooLong, OriginalLength: origLen}
	}

	text := norm.NFKC.String(input)
	text = homoglyphFold.Replace(text)
	text = invisibleRunes.ReplaceAllString(text, "")
	text = controlRunes.ReplaceAllString(text, "")
	text = stripTags(text)
	text = spaceRuns.ReplaceAllString(text, " ")
	text = newlineRuns.ReplaceAllString(text, "\n\n")
	text = strings.TrimSpace(text)

	if text == "" {
		return sanitizeOutcome{Blocked: true, Reason: reasonEmptyAfter, OriginalLength: origLen}
	}

	for _, p := range blockedPatterns {
		if p.re.MatchString(text) {
			return sanitizeOutcome{
				Blocked:         true,
				Reason:          p.reason,
				OriginalLength:  origLen,
				SanitizedLength: utf8.RuneCountInString(text),
			}
		}
	}
	if reason := fuzzyBlockHit(text); reason != "" {
		return sanitizeOutcome{
			Blocked:         true,
			Reason:          reason,
			OriginalLength:  origLen,
			SanitizedLength: utf8.RuneCountInString(text),
		}
	}

	// NFKC can expand some code points, so the cleaned text may exceed the
	// limit even though the raw input passed the gate.
	sanLen := utf8.RuneCountInString(text)
	if sanLen > s.maxLen {
		return sanitizeOutcome{Blocked: true, Reason: reasonInputTooLong, OriginalLength: origLen, SanitizedLength: sanLen}
	}

	return sanitizeOutcome{Text: text, OriginalLength: origLen, SanitizedLength: sanLen}
}

// stripTags removes markup to a fixpoint, so nested fragments like
// "<<b>script>" cannot reassemble into a tag on the way out.
func stripTags(text string) string {
	for {
		next := htmlTags.ReplaceAllString(text, "")
		if next == text {
			return next
		}
		text = next
	}
}

func fuzzyBlockHit(text string) string {
	for _, token := range wordTokens.FindAllString(strings.ToLower(text), -1) {
		if len(token) < fuzzyMinTokenLen {
			continue
		}
		for _, term := range fuzzyBlockTerms {
			if matchr.DamerauLevenshtein(token, term) <= 1 {
				return "explicit_jailbreak"
			}
		}
	}
	return ""
}
