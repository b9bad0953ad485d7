package prompts

import (
	"fmt"
	"strings"
)

const DefaultPersona = "你是一位普通客户，正在与一名销售人员交谈。请用中文自然地回应，每次回答保持简短。"

// ForSession resolves the final persona instruction for a relay session.
func ForSession(instruction string) string {
	if strings.TrimSpace(instruction) != "" {
		return instruction
	}
	return DefaultPersona
}

// EvaluationSystem instructs the report model. The JSON keys must match report.Report.
const EvaluationSystem = `你是一名资深的销售培训教练。根据角色扮演对话记录和学员的视频截图，评估学员的表现。
所有文字字段必须使用中文。只输出 JSON，不要输出其他内容。JSON 结构如下：
{"score":0-100的整数,"visualAnalysis":{"visualScore":0-100的整数,"smileDetected":布尔值,"postureAnalysis":"...","eyeContactAnalysis":"..."},"summary":"...","strengths":["..."],"weaknesses":["..."],"tips":["..."]}`

// Turn is the minimal view of an utterance the evaluation prompt needs.
type Turn struct {
	Role string
	Text string
}

// Evaluation renders the scenario and transcript into the user prompt.
func Evaluation(description, persona string, turns []Turn, imageCount int) string {
	var b strings.Builder
	b.WriteString("场景描述：")
	b.WriteString(description)
	b.WriteString("\n客户设定：")
	b.WriteString(persona)
	b.WriteString("\n\n对话记录：\n")
	if len(turns) == 0 {
		b.WriteString("（无对话内容）\n")
	}
	for _, t := range turns {
		fmt.Fprintf(&b, "%s：%s\n", speakerLabel(t.Role), t.Text)
	}
	fmt.Fprintf(&b, "\n附带学员视频截图 %d 张。", imageCount)
	if imageCount == 0 {
		b.WriteString("没有截图时，视觉评分给出 0 并说明无法评估。")
	}
	return b.String()
}

func speakerLabel(role string) string {
	switch role {
	case "trainee":
		return "学员"
	case "customer":
		return "客户"
	default:
		return role
	}
}
