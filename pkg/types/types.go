// Package types contains the shared data model of the Talking Rock chat
// gateway. Cross-cutting data structures live here to avoid circular imports
// between the pipeline, providers, and transport layers.
package types

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name (for multi-speaker contexts).
	Name string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call this responds to.
	ToolCallID string
}

// ToolCall represents a tool/function invocation requested by the LLM.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned).
	ID string

	// Name is the tool/function name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// ToolDefinition describes a tool that can be offered to an LLM.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsToolCalling indicates native function/tool calling support.
	SupportsToolCalling bool

	// SupportsVision indicates the model can process image inputs.
	SupportsVision bool

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}

// Domain classifies which slice of the knowledge base a visitor question
// belongs to. The routing stage assigns exactly one Domain per request.
type Domain string

const (
	DomainProfessional Domain = "PROFESSIONAL"
	DomainProjects     Domain = "PROJECTS"
	DomainHobbies      Domain = "HOBBIES"
	DomainPhilosophy   Domain = "PHILOSOPHY"
	DomainContact      Domain = "CONTACT"
	DomainMeta         Domain = "META"
	DomainOutOfScope   Domain = "OUT_OF_SCOPE"
)

// IsValid reports whether d is a recognised domain.
func (d Domain) IsValid() bool {
	switch d {
	case DomainProfessional, DomainProjects, DomainHobbies, DomainPhilosophy,
		DomainContact, DomainMeta, DomainOutOfScope:
		return true
	}
	return false
}

// String returns the wire representation of the domain.
func (d Domain) String() string { return string(d) }

// Topic is the subject category extracted by the intent parser.
type Topic string

const (
	TopicWorkExperience Topic = "work_experience"
	TopicSkills         Topic = "skills"
	TopicProjects       Topic = "projects"
	TopicEducation      Topic = "education"
	TopicAchievements   Topic = "achievements"
	TopicHobbies        Topic = "hobbies"
	TopicPhilosophy     Topic = "philosophy"
	TopicContact        Topic = "contact"
	TopicChatSystem     Topic = "chat_system"
	TopicGeneral        Topic = "general"
)

// IsValid reports whether t is a recognised topic.
func (t Topic) IsValid() bool {
	switch t {
	case TopicWorkExperience, TopicSkills, TopicProjects, TopicEducation,
		TopicAchievements, TopicHobbies, TopicPhilosophy, TopicContact,
		TopicChatSystem, TopicGeneral:
		return true
	}
	return false
}

// QuestionType describes the form of a visitor question.
type QuestionType string

const (
	QuestionFactual       QuestionType = "factual"
	QuestionExperience    QuestionType = "experience"
	QuestionOpinion       QuestionType = "opinion"
	QuestionComparison    QuestionType = "comparison"
	QuestionProcedural    QuestionType = "procedural"
	QuestionClarification QuestionType = "clarification"
	QuestionGreeting      QuestionType = "greeting"
	QuestionAmbiguous     QuestionType = "ambiguous"
)

// IsValid reports whether q is a recognised question type.
func (q QuestionType) IsValid() bool {
	switch q {
	case QuestionFactual, QuestionExperience, QuestionOpinion, QuestionComparison,
		QuestionProcedural, QuestionClarification, QuestionGreeting, QuestionAmbiguous:
		return true
	}
	return false
}

// Tone is the perceived emotional register of a visitor question.
type Tone string

const (
	ToneNeutral      Tone = "neutral"
	ToneCurious      Tone = "curious"
	ToneProfessional Tone = "professional"
	ToneCasual       Tone = "casual"
	ToneSkeptical    Tone = "skeptical"
	ToneEnthusiastic Tone = "enthusiastic"
)

// IsValid reports whether t is a recognised tone.
func (t Tone) IsValid() bool {
	switch t {
	case ToneNeutral, ToneCurious, ToneProfessional, ToneCasual,
		ToneSkeptical, ToneEnthusiastic:
		return true
	}
	return false
}

// Intent is the structured interpretation of a visitor message produced by
// the intent parsing stage and consumed by the domain router.
type Intent struct {
	// Topic is the primary subject category.
	Topic Topic `json:"topic"`

	// QuestionType is the form of the question.
	QuestionType QuestionType `json:"question_type"`

	// Entities lists specific named things the question mentions
	// (company names, project names, technologies).
	Entities []string `json:"entities"`

	// Tone is the perceived register of the message.
	Tone Tone `json:"tone"`

	// Confidence is the parser's self-reported confidence in [0, 1].
	Confidence float64 `json:"confidence"`
}

// ErrorCode is the machine-readable refusal or failure classification carried
// on blocked responses. Expected refusals (rate limits, blocked input, out of
// scope) ship with HTTP 200; only true internal failures map to 5xx.
type ErrorCode string

const (
	CodeRateLimited   ErrorCode = "RATE_LIMITED"
	CodeInputTooLong  ErrorCode = "INPUT_TOO_LONG"
	CodeBlockedInput  ErrorCode = "BLOCKED_INPUT"
	CodeOutOfScope    ErrorCode = "OUT_OF_SCOPE"
	CodeSafetyFailed  ErrorCode = "SAFETY_FAILED"
	CodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// IsValid reports whether c is a recognised error code.
func (c ErrorCode) IsValid() bool {
	switch c {
	case CodeRateLimited, CodeInputTooLong, CodeBlockedInput,
		CodeOutOfScope, CodeSafetyFailed, CodeInternalError:
		return true
	}
	return false
}
