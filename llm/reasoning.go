package llm

import (
	"regexp"
	"strings"
)

// Reasoning markers emitted by models whose server does not split
// chain-of-thought out natively. Extraction from these is best effort.
var (
	thinkTagRe        = regexp.MustCompile(`(?s)<(think|thinking|reasoning)>(.*?)(?:</(?:think|thinking|reasoning)>|$)`)
	harmonyAnalysisRe = regexp.MustCompile(`(?s)<\|channel\|>analysis<\|message\|>(.*?)(?:<\|end\|>|<\|start\|>|$)`)
	harmonyFinalRe    = regexp.MustCompile(`(?s)<\|channel\|>final<\|message\|>(.*?)(?:<\|return\|>|<\|end\|>|$)`)
)

// SplitReasoning separates inline reasoning from the answer.
// It understands <think>-style tags and GPT-OSS harmony channels.
// ok is false when no marker was found; answer is then the input unchanged.
func SplitReasoning(content string) (answer, reasoning string, ok bool) {
	if IsHarmonyFormat(content) {
		var analysis, final string
		if m := harmonyAnalysisRe.FindStringSubmatch(content); len(m) > 1 {
			analysis = strings.TrimSpace(m[1])
		}
		if m := harmonyFinalRe.FindStringSubmatch(content); len(m) > 1 {
			final = strings.TrimSpace(m[1])
		}
		return final, analysis, true
	}

	matches := thinkTagRe.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return content, "", false
	}
	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		if t := strings.TrimSpace(m[2]); t != "" {
			parts = append(parts, t)
		}
	}
	answer = strings.TrimSpace(thinkTagRe.ReplaceAllString(content, ""))
	return answer, strings.Join(parts, "\n\n"), true
}

// IsHarmonyFormat checks if the content contains harmony channel markers
func IsHarmonyFormat(content string) bool {
	return strings.Contains(content, "<|channel|>") ||
		strings.Contains(content, "<|message|>")
}

// ApplyReasoningFallback moves inline reasoning out of res.Text when the
// backend did not already provide a native reasoning segment.
func ApplyReasoningFallback(res *GenerationResult) {
	if res == nil || res.Reasoning != "" {
		return
	}
	if answer, reasoning, ok := SplitReasoning(res.Text); ok {
		res.Text = answer
		res.Reasoning = reasoning
	}
}
