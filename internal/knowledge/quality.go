package knowledge

import (
	"math"
	"strings"
)

// minUsefulContextLength is the character count below which assembled
// context is considered too sparse to ground an answer.
const minUsefulContextLength = 200

// placeholderPatterns mark stub content that must never reach the
// generator. Matched case-insensitively against the assembled context.
var placeholderPatterns = []string{
	"placeholder",
	"todo:",
	"coming soon",
	"to be added",
	"[insert",
	"lorem ipsum",
	"example content",
}

func isPlaceholder(content string) bool {
	lower := strings.ToLower(content)
	for _, pattern := range placeholderPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// scoreQuality rates assembled context in [0, 1]. Length contributes on a
// log scale (~1.0 around 10k chars) weighted 60%, source completeness 40%.
// Placeholder content caps at 0.2; anything under the minimum useful length
// scores 0.
func scoreQuality(context string, loaded, missing int, hasPlaceholder bool) float64 {
	if len(context) < minUsefulContextLength {
		return 0
	}
	if hasPlaceholder {
		return 0.2
	}

	lengthScore := math.Log10(float64(len(context)+1)) / 4
	if lengthScore > 1 {
		lengthScore = 1
	}

	completeness := 0.0
	if total := loaded + missing; total > 0 {
		completeness = float64(loaded) / float64(total)
	}

	return math.Round((lengthScore*0.6+completeness*0.4)*100) / 100
}
