package llm

import (
	"encoding/json"
	"strings"
)

// AssistantTurn is the structured content of one assistant reply.
type AssistantTurn struct {
	// Reply is the natural-language text shown to the user.
	Reply string
	// Commands holds the raw proposed device command objects, not yet
	// validated. Nil when the model proposed no action.
	Commands []any
	// Raw is the unprocessed model output.
	Raw string
}

// ParseAssistantTurn extracts the structured reply from raw model output.
// Models are asked for a strict JSON object but routinely wrap it in prose or
// code fences, so parsing is layered: direct parse, then the first balanced
// JSON object embedded in the text. When no JSON can be found the whole
// trimmed text becomes the reply with no commands.
//
// Both the current multi-command shape ("device_commands": [...]) and the
// legacy single-command shape ("device_command": {...}) are accepted; a single
// object in either field is treated as a one-element list.
func ParseAssistantTurn(raw string) *AssistantTurn {
	turn := &AssistantTurn{Raw: raw}
	text := stripCodeFences(strings.TrimSpace(raw))

	obj, ok := decodeObject(text)
	if !ok {
		obj, ok = firstJSONObject(text)
	}
	if !ok {
		turn.Reply = strings.TrimSpace(raw)
		return turn
	}

	if reply, ok := obj["reply"].(string); ok && strings.TrimSpace(reply) != "" {
		turn.Reply = strings.TrimSpace(reply)
	} else {
		turn.Reply = strings.TrimSpace(raw)
	}

	turn.Commands = commandList(obj)
	return turn
}

func commandList(obj map[string]any) []any {
	if raw, ok := obj["device_commands"]; ok && raw != nil {
		switch v := raw.(type) {
		case []any:
			return v
		case map[string]any:
			return []any{v}
		}
	}
	if raw, ok := obj["device_command"]; ok {
		if m, ok := raw.(map[string]any); ok {
			return []any{m}
		}
	}
	return nil
}

func decodeObject(text string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// firstJSONObject scans the text for the first balanced, parseable {...}
// object. The scanner is string- and escape-aware so braces inside string
// values do not break the balance count. Candidates that balance but fail to
// parse are skipped and scanning continues at the next opening brace.
func firstJSONObject(text string) (map[string]any, bool) {
	for start := 0; start < len(text); start++ {
		if text[start] != '{' {
			continue
		}
		end, ok := matchBrace(text, start)
		if !ok {
			// No balanced object starts here or anywhere later with
			// this opening brace's run; keep scanning in case a later
			// candidate closes properly.
			continue
		}
		if obj, ok := decodeObject(text[start : end+1]); ok {
			return obj, true
		}
	}
	return nil, false
}

// matchBrace returns the index of the brace closing the object opened at
// start, or false when the text ends before the object balances.
func matchBrace(text string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// stripCodeFences removes surrounding markdown code fences from model output.
func stripCodeFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if idx := strings.Index(s, "\n"); idx >= 0 {
		s = s[idx+1:]
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
