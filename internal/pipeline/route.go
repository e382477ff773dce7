package pipeline

import (
	"regexp"

	"github.com/kbrengel/talkingrock/pkg/types"
)

// minRouteConfidence is the floor below which the parsed intent is not
// trusted to pick a domain.
const minRouteConfidence = 0.3

// greetingPattern recognizes unmistakable greetings deterministically, so
// a bare "hi" still lands in META even when the parser reports no
// confidence at all.
var greetingPattern = regexp.MustCompile(`(?i)^(hi|hiya|hello|hey|heya|howdy|yo|greetings|good\s+(morning|afternoon|evening)|what'?s\s+up|sup)[\s!.,?]*$`)

// route maps a parsed intent onto the serving domain. Every topic has a
// fixed home; anything unknown or untrusted is out of scope, never a
// guess.
func route(intent types.Intent, message string) types.Domain {
	if intent.Confidence < minRouteConfidence {
		if greetingPattern.MatchString(message) {
			return types.DomainMeta
		}
		return types.DomainOutOfScope
	}

	switch intent.Topic {
	case types.TopicWorkExperience, types.TopicSkills, types.TopicEducation, types.TopicAchievements:
		return types.DomainProfessional
	case types.TopicProjects:
		return types.DomainProjects
	case types.TopicHobbies:
		return types.DomainHobbies
	case types.TopicPhilosophy:
		return types.DomainPhilosophy
	case types.TopicContact:
		return types.DomainContact
	case types.TopicChatSystem:
		return types.DomainMeta
	case types.TopicGeneral:
		if intent.QuestionType == types.QuestionGreeting || greetingPattern.MatchString(message) {
			return types.DomainMeta
		}
		return types.DomainOutOfScope
	default:
		return types.DomainOutOfScope
	}
}
