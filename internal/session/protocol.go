// Package session manages live agent subprocesses: provider selection,
// spawn through the sandbox, stdout streaming, idle detection, and
// interjection.
package session

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bloom-sh/bloom/internal/event"
)

// Output is one normalised event derived from a line of agent stdout.
type Output struct {
	// Kind classifies the event.
	Kind event.OutputKind
	// Text carries message text, tool names, or raw passthrough lines.
	Text string
	// SessionID is set for session events.
	SessionID string
	// CostUSD is set for done events that report cost.
	CostUSD float64
	// Duration is set for done events that report duration.
	Duration time.Duration
	// Err carries the error string for error events.
	Err string
}

// toolResultLimit truncates tool results for display.
const toolResultLimit = 200

// truncate cuts text to at most limit bytes, backing up so a multi-byte
// rune is never split.
func truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	return text[:limit]
}

// Normalise converts one stdout line into an Output. Agents speak several
// NDJSON dialects; lines that are not JSON, or whose type is unknown, pass
// through as raw text so nothing the agent says is lost.
func Normalise(line string) Output {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || !strings.HasPrefix(trimmed, "{") {
		return Output{Kind: event.OutputRaw, Text: line}
	}

	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return Output{Kind: event.OutputRaw, Text: line}
	}

	typ, _ := raw["type"].(string)
	switch typ {
	case "assistant", "message":
		if text := extractText(raw); text != "" {
			return Output{Kind: event.OutputText, Text: text}
		}
		// Assistant turns may carry only tool_use blocks.
		if tool := extractToolName(raw); tool != "" {
			return Output{Kind: event.OutputTool, Text: tool}
		}
		return Output{Kind: event.OutputRaw, Text: line}

	case "content_block_delta":
		if delta, ok := raw["delta"].(map[string]interface{}); ok {
			if dt, _ := delta["type"].(string); dt == "text_delta" {
				text, _ := delta["text"].(string)
				return Output{Kind: event.OutputText, Text: text}
			}
		}
		return Output{Kind: event.OutputRaw, Text: line}

	case "tool_use", "tool_call":
		return Output{Kind: event.OutputTool, Text: extractToolName(raw)}

	case "tool_result", "tool_response":
		return Output{Kind: event.OutputToolResult, Text: truncate(extractText(raw), toolResultLimit)}

	case "result", "done", "finish", "complete":
		out := Output{Kind: event.OutputDone}
		if cost, ok := raw["total_cost_usd"].(float64); ok {
			out.CostUSD = cost
		}
		if ms, ok := raw["duration_ms"].(float64); ok {
			out.Duration = time.Duration(ms) * time.Millisecond
		}
		return out

	case "system":
		if sub, _ := raw["subtype"].(string); sub == "init" {
			sid, _ := raw["session_id"].(string)
			return Output{Kind: event.OutputSession, SessionID: sid}
		}
		return Output{Kind: event.OutputRaw, Text: line}

	case "session":
		return Output{Kind: event.OutputSession, SessionID: extractSessionID(raw)}

	case "error":
		msg, _ := raw["error"].(string)
		if msg == "" {
			msg, _ = raw["message"].(string)
		}
		return Output{Kind: event.OutputError, Err: msg}

	default:
		return Output{Kind: event.OutputRaw, Text: line}
	}
}

// extractText pulls message text out of the shapes agents emit: a plain
// content string, a message.content string, or an array of content blocks.
func extractText(raw map[string]interface{}) string {
	if s, ok := raw["content"].(string); ok {
		return s
	}
	if msg, ok := raw["message"].(map[string]interface{}); ok {
		if s, ok := msg["content"].(string); ok {
			return s
		}
		if blocks, ok := msg["content"].([]interface{}); ok {
			return joinTextBlocks(blocks)
		}
	}
	if blocks, ok := raw["content"].([]interface{}); ok {
		return joinTextBlocks(blocks)
	}
	return ""
}

// joinTextBlocks concatenates the text of content blocks.
func joinTextBlocks(blocks []interface{}) string {
	var b strings.Builder
	for _, item := range blocks {
		block, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if bt, _ := block["type"].(string); bt == "text" {
			if text, ok := block["text"].(string); ok {
				b.WriteString(text)
			}
		}
	}
	return b.String()
}

// extractToolName finds the tool name in the shapes agents emit, including
// the nested tool_call.<name>ToolCall form.
func extractToolName(raw map[string]interface{}) string {
	if name, ok := raw["name"].(string); ok && name != "" {
		return name
	}
	if tu, ok := raw["tool_use"].(map[string]interface{}); ok {
		if name, _ := tu["name"].(string); name != "" {
			return name
		}
	}
	if tc, ok := raw["tool_call"].(map[string]interface{}); ok {
		if name, _ := tc["name"].(string); name != "" {
			return name
		}
		// Nested form: {"tool_call": {"bashToolCall": {...}}}
		for key := range tc {
			if strings.HasSuffix(key, "ToolCall") {
				return strings.TrimSuffix(key, "ToolCall")
			}
		}
	}
	// Content blocks with tool_use entries.
	if msg, ok := raw["message"].(map[string]interface{}); ok {
		if blocks, ok := msg["content"].([]interface{}); ok {
			if name := toolNameFromBlocks(blocks); name != "" {
				return name
			}
		}
	}
	if blocks, ok := raw["content"].([]interface{}); ok {
		if name := toolNameFromBlocks(blocks); name != "" {
			return name
		}
	}
	return ""
}

func toolNameFromBlocks(blocks []interface{}) string {
	for _, item := range blocks {
		block, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if bt, _ := block["type"].(string); bt == "tool_use" {
			name, _ := block["name"].(string)
			return name
		}
	}
	return ""
}

// extractSessionID reads a session id from its known aliases.
func extractSessionID(raw map[string]interface{}) string {
	for _, key := range []string{"session_id", "sessionID", "id"} {
		if s, ok := raw[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
