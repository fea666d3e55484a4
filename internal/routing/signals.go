package routing

import "strings"

// maxPriorContextRunes bounds how much conversation history is handed to
// the complexity classifier alongside the extracted message — the
// classifier is itself an upstream LLM call per §6, so this is a cost
// control, not a correctness requirement.
const maxPriorContextRunes = 4000

// Signals is what §4.7 Strategy A/D/E read out of a request body: the text
// of the last user-role message plus the presence/absence of a handful of
// structural markers that drive capability-tag and complexity routing.
type Signals struct {
	LastUserText    string
	PriorContext    string
	HasCacheControl bool
	HasImage        bool
	HasTools        bool
	ToolNames       []string
	ThinkingEnabled bool
}

// ExtractSignals walks a decoded request body (already unmarshalled into
// map[string]interface{} — vendor bodies are too heterogeneous for a single
// fixed struct) looking for the content-addressed signals §4.7 Strategy E
// names. body is expected to carry an OpenAI/Anthropic-shaped "messages"
// array; bodies without one (e.g. embeddings calls) simply yield zero
// signals.
func ExtractSignals(body map[string]interface{}) Signals {
	var sig Signals

	if thinking, ok := body["thinking"].(map[string]interface{}); ok {
		if t, _ := thinking["type"].(string); t == "enabled" {
			sig.ThinkingEnabled = true
		}
	}

	if tools, ok := body["tools"].([]interface{}); ok && len(tools) > 0 {
		sig.HasTools = true
		for _, raw := range tools {
			tm, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			sig.ToolNames = append(sig.ToolNames, toolIdentifiers(tm)...)
		}
	}

	messages, _ := body["messages"].([]interface{})
	texts := make([]string, len(messages))
	for i := len(messages) - 1; i >= 0; i-- {
		msg, ok := messages[i].(map[string]interface{})
		if !ok {
			continue
		}
		role, _ := msg["role"].(string)
		if _, ok := msg["cache_control"]; ok {
			sig.HasCacheControl = true
		}

		var messageText strings.Builder
		switch content := msg["content"].(type) {
		case string:
			messageText.WriteString(content)
		case []interface{}:
			for _, raw := range content {
				part, ok := raw.(map[string]interface{})
				if !ok {
					continue
				}
				if _, ok := part["cache_control"]; ok {
					sig.HasCacheControl = true
				}
				partType, _ := part["type"].(string)
				if partType == "image_url" {
					sig.HasImage = true
				}
				if partType == "text" {
					if text, ok := part["text"].(string); ok {
						if messageText.Len() > 0 {
							messageText.WriteString(" ")
						}
						messageText.WriteString(text)
					}
				}
			}
		}
		texts[i] = messageText.String()

		if role == "user" && sig.LastUserText == "" && messageText.Len() > 0 {
			sig.LastUserText = messageText.String()
		}
	}

	sig.PriorContext = buildPriorContext(texts)
	return sig
}

// buildPriorContext joins every message's extracted text (oldest first) and
// truncates from the front, keeping the most recent content — the part most
// relevant to classifying the current message.
func buildPriorContext(texts []string) string {
	joined := strings.TrimSpace(strings.Join(texts, "\n"))
	runes := []rune(joined)
	if len(runes) <= maxPriorContextRunes {
		return joined
	}
	return string(runes[len(runes)-maxPriorContextRunes:])
}

// toolIdentifiers collects every name-like field off a tool declaration —
// OpenAI nests under function.name, Anthropic/others put type or name at the
// top level.
func toolIdentifiers(tool map[string]interface{}) []string {
	var out []string
	if name, ok := tool["name"].(string); ok && name != "" {
		out = append(out, name)
	}
	if typ, ok := tool["type"].(string); ok && typ != "" {
		out = append(out, typ)
	}
	if fn, ok := tool["function"].(map[string]interface{}); ok {
		if name, ok := fn["name"].(string); ok && name != "" {
			out = append(out, name)
		}
	}
	return out
}

// MatchesAnySkill reports whether any collected tool identifier equals one
// of the required skill names, case-insensitively (vendors vary in casing
// for built-in tool names like web_search / code_execution).
func (s Signals) MatchesAnySkill(required []string) bool {
	for _, want := range required {
		for _, have := range s.ToolNames {
			if strings.EqualFold(want, have) {
				return true
			}
		}
	}
	return false
}
