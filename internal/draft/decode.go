package draft

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Decode parses the backend's raw text as a JSON object. When the text is not
// a JSON object it returns the canned fallback draft and false.
func Decode(raw string) (map[string]any, bool) {
	text := stripCodeFence(strings.TrimSpace(raw))
	dec := json.NewDecoder(bytes.NewBufferString(text))
	var out map[string]any
	if err := dec.Decode(&out); err != nil || out == nil {
		return Fallback(), false
	}
	return out, true
}

// stripCodeFence removes a surrounding ```json ... ``` block.
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

// FallbackDecision is the decision carried by the canned fallback draft.
const FallbackDecision = "Hold the decision until more information is available."

// Fallback is the draft used when the backend's answer cannot be parsed.
func Fallback() map[string]any {
	return map[string]any{
		"questionType": "yesno",
		"rounds": []any{
			map[string]any{
				"logic": "Organize the facts and compare the merits and drawbacks of each option.",
				"heart": "It matters to think carefully about your own feelings and your relationships.",
				"flash": "When in doubt, take a step that is worth trying.",
			},
			map[string]any{
				"logic": "As a second angle, weigh the long-term effects as well.",
				"heart": "Testing the most worrying parts on a small scale will bring peace of mind.",
				"flash": "Prioritize what you can learn by moving now.",
			},
			map[string]any{
				"logic": "Before concluding, make the necessary conditions explicit.",
				"heart": "Agreeing on criteria you can accept reduces regret later.",
				"flash": "Set a deadline and decide quickly.",
			},
		},
		"resolution": map[string]any{
			"decision": FallbackDecision,
			"votes": map[string]any{
				"logic": "pending",
				"heart": "pending",
				"flash": "pending",
			},
			"reasoning": []any{"There is not enough information to decide, so the decision is on hold."},
			"nextSteps": []any{"Gather more information and re-evaluate."},
			"risks":     []any{"Deciding wrongly because of missing information."},
		},
	}
}
