package session

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"github.com/bloom-sh/bloom/internal/event"
)

func TestNormaliseText(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{
			"assistant content blocks",
			`{"type":"assistant","message":{"content":[{"type":"text","text":"hello"},{"type":"text","text":" world"}]}}`,
			"hello world",
		},
		{
			"message with string content",
			`{"type":"message","content":"plain"}`,
			"plain",
		},
		{
			"message.content string",
			`{"type":"assistant","message":{"content":"nested"}}`,
			"nested",
		},
		{
			"top-level content blocks",
			`{"type":"message","content":[{"type":"text","text":"blocks"}]}`,
			"blocks",
		},
		{
			"text delta",
			`{"type":"content_block_delta","delta":{"type":"text_delta","text":"chunk"}}`,
			"chunk",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Normalise(tt.line)
			assert.Equal(t, event.OutputText, out.Kind)
			assert.Equal(t, tt.want, out.Text)
		})
	}
}

func TestNormaliseTool(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{"tool_use with name", `{"type":"tool_use","name":"Bash"}`, "Bash"},
		{"tool_call wrapped", `{"type":"tool_call","tool_call":{"name":"edit"}}`, "edit"},
		{"tool_call nested suffix form", `{"type":"tool_call","tool_call":{"bashToolCall":{"args":{}}}}`, "bash"},
		{
			"assistant tool_use block",
			`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Read"}]}}`,
			"Read",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Normalise(tt.line)
			assert.Equal(t, event.OutputTool, out.Kind)
			assert.Equal(t, tt.want, out.Text)
		})
	}
}

func TestNormaliseToolResultTruncates(t *testing.T) {
	long := make([]byte, 0, 400)
	for i := 0; i < 400; i++ {
		long = append(long, 'x')
	}
	out := Normalise(`{"type":"tool_result","content":"` + string(long) + `"}`)
	assert.Equal(t, event.OutputToolResult, out.Kind)
	assert.Len(t, out.Text, toolResultLimit)
}

func TestNormaliseToolResultTruncatesOnRuneBoundary(t *testing.T) {
	// A three-byte rune straddles the byte limit; the cut must back up to
	// the previous boundary instead of emitting a split rune.
	content := strings.Repeat("x", toolResultLimit-1) + "→→"
	out := Normalise(`{"type":"tool_result","content":"` + content + `"}`)
	assert.Equal(t, event.OutputToolResult, out.Kind)
	assert.True(t, utf8.ValidString(out.Text))
	assert.Equal(t, strings.Repeat("x", toolResultLimit-1), out.Text)
}

func TestNormaliseDone(t *testing.T) {
	out := Normalise(`{"type":"result","total_cost_usd":0.42,"duration_ms":1500}`)
	assert.Equal(t, event.OutputDone, out.Kind)
	assert.Equal(t, 0.42, out.CostUSD)
	assert.Equal(t, 1500*time.Millisecond, out.Duration)

	for _, alias := range []string{"done", "finish", "complete"} {
		out := Normalise(`{"type":"` + alias + `"}`)
		assert.Equal(t, event.OutputDone, out.Kind, alias)
	}
}

func TestNormaliseSession(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{"system init", `{"type":"system","subtype":"init","session_id":"abc"}`, "abc"},
		{"session with session_id", `{"type":"session","session_id":"s1"}`, "s1"},
		{"session with sessionID alias", `{"type":"session","sessionID":"s2"}`, "s2"},
		{"session with id alias", `{"type":"session","id":"s3"}`, "s3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Normalise(tt.line)
			assert.Equal(t, event.OutputSession, out.Kind)
			assert.Equal(t, tt.want, out.SessionID)
		})
	}
}

func TestNormaliseError(t *testing.T) {
	out := Normalise(`{"type":"error","error":"boom"}`)
	assert.Equal(t, event.OutputError, out.Kind)
	assert.Equal(t, "boom", out.Err)

	out = Normalise(`{"type":"error","message":"fallback"}`)
	assert.Equal(t, "fallback", out.Err)
}

func TestNormaliseRawPassthrough(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"plain text", "starting up..."},
		{"malformed json", `{"type":"assistant", truncated`},
		{"unknown type", `{"type":"heartbeat"}`},
		{"system without init", `{"type":"system","subtype":"status"}`},
		{"delta without text", `{"type":"content_block_delta","delta":{"type":"input_json_delta"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Normalise(tt.line)
			assert.Equal(t, event.OutputRaw, out.Kind)
			assert.Equal(t, tt.line, out.Text)
		})
	}
}
