// Package report turns a finished role-play transcript into a coaching report.
package report

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hubenschmidt/roleplay-relay/internal/prompts"
	"github.com/hubenschmidt/roleplay-relay/internal/transcript"
)

// Scenario describes the role-play the trainee practised.
type Scenario struct {
	Description     string `json:"description"`
	CustomerPersona string `json:"customerPersona"`
}

// Request is one evaluation input. Images are base64 JPEG frames, optionally
// as data URLs.
type Request struct {
	History  []transcript.Utterance `json:"history"`
	Images   []string               `json:"images"`
	Scenario Scenario               `json:"scenario"`
}

// VisualAnalysis scores the trainee's on-camera presence.
type VisualAnalysis struct {
	VisualScore        int    `json:"visualScore"`
	SmileDetected      bool   `json:"smileDetected"`
	PostureAnalysis    string `json:"postureAnalysis"`
	EyeContactAnalysis string `json:"eyeContactAnalysis"`
}

// Report is the structured coaching result. Free text is in Chinese.
type Report struct {
	Score          int            `json:"score"`
	VisualAnalysis VisualAnalysis `json:"visualAnalysis"`
	Summary        string         `json:"summary"`
	Strengths      []string       `json:"strengths"`
	Weaknesses     []string       `json:"weaknesses"`
	Tips           []string       `json:"tips"`
}

// Evaluator produces a report for one request.
type Evaluator interface {
	Evaluate(ctx context.Context, req Request) (*Report, error)
}

var errEmptyResponse = errors.New("empty evaluator response")

// Placeholder is returned whenever evaluation fails.
func Placeholder() *Report {
	return &Report{
		Score: 0,
		VisualAnalysis: VisualAnalysis{
			PostureAnalysis:    "暂时无法分析",
			EyeContactAnalysis: "暂时无法分析",
		},
		Summary:    "评估服务暂时不可用，请稍后重试。",
		Strengths:  []string{},
		Weaknesses: []string{},
		Tips:       []string{"请稍后重新生成报告。"},
	}
}

// userPrompt renders the request into the evaluation prompt text.
func userPrompt(req Request, imageCount int) string {
	turns := make([]prompts.Turn, 0, len(req.History))
	for _, u := range req.History {
		turns = append(turns, prompts.Turn{Role: string(u.Role), Text: u.Text})
	}
	return prompts.Evaluation(req.Scenario.Description, req.Scenario.CustomerPersona, turns, imageCount)
}

// parseReport extracts the JSON object from model output, tolerating
// markdown code fences and leading prose.
func parseReport(text string) (*Report, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errEmptyResponse
	}
	text = stripFence(text)

	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return nil, fmt.Errorf("no json object in evaluator response")
	}

	var r Report
	if err := json.Unmarshal([]byte(text[start:end+1]), &r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	r.normalize()
	return &r, nil
}

func stripFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	}
	return strings.TrimSuffix(strings.TrimSpace(text), "```")
}

// normalize clamps scores and replaces nil lists so the JSON always carries arrays.
func (r *Report) normalize() {
	r.Score = clamp(r.Score)
	r.VisualAnalysis.VisualScore = clamp(r.VisualAnalysis.VisualScore)
	if r.Strengths == nil {
		r.Strengths = []string{}
	}
	if r.Weaknesses == nil {
		r.Weaknesses = []string{}
	}
	if r.Tips == nil {
		r.Tips = []string{}
	}
}

func clamp(score int) int {
	switch {
	case score < 0:
		return 0
	case score > 100:
		return 100
	default:
		return score
	}
}

// decodeImage accepts raw base64 or a data URL and returns the bytes and
// mime type. Bare base64 is assumed to be JPEG.
func decodeImage(s string) ([]byte, string, error) {
	mimeType := "image/jpeg"
	if rest, ok := strings.CutPrefix(s, "data:"); ok {
		header, payload, found := strings.Cut(rest, ",")
		if !found {
			return nil, "", fmt.Errorf("malformed data url")
		}
		if mt, _, _ := strings.Cut(header, ";"); mt != "" {
			mimeType = mt
		}
		s = payload
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	return data, mimeType, nil
}
