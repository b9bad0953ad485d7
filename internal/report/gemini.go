package report

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/hubenschmidt/roleplay-relay/internal/prompts"
)

// DefaultGeminiModel is the multimodal model used for reports.
const DefaultGeminiModel = "gemini-2.5-flash"

// maxImages bounds how many frames are attached to one request.
const maxImages = 8

var reportSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"score": {Type: genai.TypeInteger},
		"visualAnalysis": {
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"visualScore":        {Type: genai.TypeInteger},
				"smileDetected":      {Type: genai.TypeBoolean},
				"postureAnalysis":    {Type: genai.TypeString},
				"eyeContactAnalysis": {Type: genai.TypeString},
			},
			Required: []string{"visualScore", "smileDetected", "postureAnalysis", "eyeContactAnalysis"},
		},
		"summary":    {Type: genai.TypeString},
		"strengths":  {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"weaknesses": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"tips":       {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
	},
	Required: []string{"score", "visualAnalysis", "summary", "strengths", "weaknesses", "tips"},
}

// GeminiEvaluator asks a multimodal Gemini model for a JSON report, attaching
// the trainee's video frames inline.
type GeminiEvaluator struct {
	client *genai.Client
	model  string
}

// NewGeminiEvaluator creates the evaluator. The API key is required.
func NewGeminiEvaluator(ctx context.Context, apiKey, model string) (*GeminiEvaluator, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("gemini evaluator: missing api key")
	}
	return newGeminiEvaluator(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}, model)
}

func newGeminiEvaluator(ctx context.Context, cc *genai.ClientConfig, model string) (*GeminiEvaluator, error) {
	if model == "" {
		model = DefaultGeminiModel
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	return &GeminiEvaluator{client: client, model: model}, nil
}

// Evaluate implements Evaluator.
func (g *GeminiEvaluator) Evaluate(ctx context.Context, req Request) (*Report, error) {
	images := imageParts(req.Images)
	parts := append([]*genai.Part{genai.NewPartFromText(userPrompt(req, len(images)))}, images...)

	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(prompts.EvaluationSystem, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		ResponseSchema:    reportSchema,
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	return parseReport(resp.Text())
}

// imageParts decodes up to maxImages frames, spread evenly over the session.
// Undecodable frames are skipped.
func imageParts(images []string) []*genai.Part {
	parts := make([]*genai.Part, 0, maxImages)
	for _, s := range sample(images, maxImages) {
		data, mimeType, err := decodeImage(s)
		if err != nil {
			slog.Debug("skipping report image", "error", err)
			continue
		}
		parts = append(parts, genai.NewPartFromBytes(data, mimeType))
	}
	return parts
}

// sample picks at most n items evenly spaced across in, keeping order.
func sample[T any](in []T, n int) []T {
	if len(in) <= n {
		return in
	}
	out := make([]T, 0, n)
	step := float64(len(in)) / float64(n)
	for i := 0; i < n; i++ {
		out = append(out, in[int(float64(i)*step)])
	}
	return out
}
