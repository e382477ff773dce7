package pipeline

import (
	"context"
	"strings"

	"github.com/kbrengel/talkingrock/internal/convo"
	"github.com/kbrengel/talkingrock/internal/observe"
	"github.com/kbrengel/talkingrock/internal/tools"
	"github.com/kbrengel/talkingrock/pkg/provider/llm"
	"github.com/kbrengel/talkingrock/pkg/types"
)

const generateTemperature = 0.7

// maxToolIterations bounds execute-and-regenerate rounds in one turn.
// Malformed calls consume budget like valid ones.
const maxToolIterations = 3

// generateInput bundles everything the generator needs for one draft.
type generateInput struct {
	Message string
	Domain  types.Domain
	Context string
	History []convo.Turn
	Meta    tools.Meta
}

type generator struct {
	mc       *modelClient
	exec     *tools.Executor
	metrics  *observe.Metrics
	template string
}

func newGenerator(mc *modelClient, exec *tools.Executor, metrics *observe.Metrics, template string) *generator {
	if template == "" {
		template = personaTemplate
	}
	return &generator{mc: mc, exec: exec, metrics: metrics, template: template}
}

// generate produces the draft response, running the tool loop when the
// model asks for it. Tool-call blocks never reach the caller: they are
// either executed and replaced by a follow-up draft or stripped.
func (g *generator) generate(ctx context.Context, tr *Trace, in generateInput) (string, error) {
	messages := []types.Message{
		{Role: "user", Content: generateUserPrompt(in.Message, in.Context, in.History)},
	}
	req := llm.CompletionRequest{
		SystemPrompt: g.systemPrompt(in.Domain),
		Messages:     messages,
		Temperature:  generateTemperature,
	}

	draft, err := g.mc.chatText(ctx, tr, StageGenerate, req)
	if err != nil {
		return "", err
	}

	for iteration := 0; iteration < maxToolIterations; iteration++ {
		calls := tools.ParseCalls(draft)
		if len(calls) == 0 || g.exec == nil {
			break
		}
		tr.ToolIterations++

		results := g.exec.ExecuteAll(ctx, calls, in.Meta)
		for _, res := range results {
			status := "ok"
			if !res.Success {
				status = "failed"
			}
			if g.metrics != nil {
				g.metrics.RecordToolCall(ctx, res.Tool, status)
			}
		}
		observe.Logger(ctx).Info("tool iteration",
			"iteration", iteration+1,
			"calls", len(calls),
		)

		messages = append(messages,
			types.Message{Role: "assistant", Content: draft},
			types.Message{Role: "user", Content: tools.FormatResults(results)},
		)
		req.Messages = messages
		draft, err = g.mc.chatText(ctx, tr, StageGenerate, req)
		if err != nil {
			return "", err
		}
	}

	final := strings.TrimSpace(tools.StripCalls(draft))
	if final == "" {
		final = fallbackResponse(in.Domain)
	}
	return final, nil
}

// regenerate retries once with the safety findings folded into the
// instructions. Tools never run on a retry: a rejected draft must not
// trigger side effects twice.
func (g *generator) regenerate(ctx context.Context, tr *Trace, in generateInput, issues []string) (string, error) {
	req := llm.CompletionRequest{
		SystemPrompt: g.systemPrompt(in.Domain) + regenerateInstruction(issues),
		Messages: []types.Message{
			{Role: "user", Content: generateUserPrompt(in.Message, in.Context, in.History)},
		},
		Temperature: generateTemperature,
	}
	draft, err := g.mc.chatText(ctx, tr, StageGenerate, req)
	if err != nil {
		return "", err
	}
	final := strings.TrimSpace(tools.StripCalls(draft))
	if final == "" {
		final = fallbackResponse(in.Domain)
	}
	return final, nil
}

func (g *generator) systemPrompt(domain types.Domain) string {
	section := ""
	if g.exec != nil {
		section = tools.PromptSection()
	}
	return personaPrompt(g.template, domain, section)
}

var fallbackResponses = map[types.Domain]string{
	types.DomainProfessional: "I'd be happy to tell you about Kellogg's professional experience. Could you ask your question again?",
	types.DomainProjects:     "Kel has several projects I'd love to walk you through. What would you like to know?",
	types.DomainHobbies:      "Kel has plenty of interests outside of work. What aspect are you curious about?",
	types.DomainPhilosophy:   "Kel has clear views on problem-solving and work philosophy. What would you like to explore?",
	types.DomainContact:      "Feel free to connect with Kellogg on LinkedIn! Is there something specific you'd like to discuss?",
	types.DomainMeta:         "This chat is here to answer questions about Kellogg's professional background. How can I help?",
}

// fallbackResponse covers the empty-draft case so a silent model never
// turns into a blank reply.
func fallbackResponse(domain types.Domain) string {
	if msg, ok := fallbackResponses[domain]; ok {
		return msg
	}
	return "I'd be happy to help. Could you rephrase your question?"
}
