package report

import (
	"context"
	"fmt"
	"strings"

	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/nlpodyssey/openai-agents-go/modelsettings"
	"github.com/openai/openai-go/v2/packages/param"

	"github.com/hubenschmidt/roleplay-relay/internal/prompts"
)

// DefaultAgentModel is used by the openai engine when none is configured.
const DefaultAgentModel = "gpt-4o-mini"

// AgentEvaluator produces text-only reports through an OpenAI-compatible
// provider. Images are counted in the prompt but not attached.
type AgentEvaluator struct {
	provider  agents.ModelProvider
	model     string
	maxTokens int
}

// NewAgentEvaluator builds an evaluator over any OpenAI-compatible endpoint.
// An empty baseURL uses the provider default.
func NewAgentEvaluator(apiKey, baseURL, model string, maxTokens int) *AgentEvaluator {
	params := agents.OpenAIProviderParams{APIKey: param.NewOpt(apiKey)}
	if baseURL != "" {
		// Compatible gateways rarely implement the Responses API.
		params.BaseURL = param.NewOpt(baseURL)
		params.UseResponses = param.NewOpt(false)
	}
	return NewAgentEvaluatorWithProvider(agents.NewOpenAIProvider(params), model, maxTokens)
}

// NewAgentEvaluatorWithProvider uses an existing model provider.
func NewAgentEvaluatorWithProvider(provider agents.ModelProvider, model string, maxTokens int) *AgentEvaluator {
	if model == "" {
		model = DefaultAgentModel
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &AgentEvaluator{provider: provider, model: model, maxTokens: maxTokens}
}

// Evaluate implements Evaluator.
func (a *AgentEvaluator) Evaluate(ctx context.Context, req Request) (*Report, error) {
	agent := agents.New("evaluator").
		WithInstructions(prompts.EvaluationSystem).
		WithModel(a.model).
		WithModelSettings(modelsettings.ModelSettings{
			MaxTokens: param.NewOpt(int64(a.maxTokens)),
		})

	runner := agents.Runner{Config: agents.RunConfig{
		ModelProvider:   a.provider,
		MaxTurns:        1,
		TracingDisabled: true,
	}}

	events, errCh, err := runner.RunStreamedChan(ctx, agent, userPrompt(req, len(req.Images)))
	if err != nil {
		return nil, fmt.Errorf("report stream start: %w", err)
	}

	var text strings.Builder
	for ev := range events {
		raw, ok := ev.(agents.RawResponsesStreamEvent)
		if !ok || raw.Data.Type != "response.output_text.delta" {
			continue
		}
		text.WriteString(raw.Data.Delta)
	}
	if streamErr := <-errCh; streamErr != nil {
		return nil, fmt.Errorf("report stream: %w", streamErr)
	}
	return parseReport(text.String())
}
