package streamconv

import (
	"encoding/json"

	"portbroker/internal/canonical"
	"portbroker/internal/convert"
	"portbroker/internal/gwerr"
	anthropicproto "portbroker/internal/proto/anthropic"
	"portbroker/internal/sse"
)

// anthropicToOpenAI flattens the discrete event lifecycle into
// chat.completion.chunk deltas.
type anthropicToOpenAI struct {
	State
	chunker
	provider string

	sentRole bool
	// tool call position in the flat stream, keyed by upstream block index
	toolPos map[int]int
	// argument text per upstream block index
	toolArgs map[int]string

	stop    canonical.StopReason
	sawStop bool
}

func newAnthropicToOpenAI(model, provider string) *anthropicToOpenAI {
	return &anthropicToOpenAI{
		chunker:  newChunker(model),
		provider: provider,
		toolPos:  map[int]int{},
		toolArgs: map[int]string{},
		stop:     canonical.StopEndTurn,
	}
}

func (t *anthropicToOpenAI) Push(ev sse.Event) ([]sse.Frame, error) {
	if t.Done() {
		return nil, nil
	}
	var e anthropicproto.StreamEvent
	if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
		return nil, malformed(t.provider, err)
	}
	if e.Type == "" {
		e.Type = ev.Name
	}

	var out []sse.Frame
	switch e.Type {
	case "ping":
		return nil, nil
	case "error":
		if e.Error == nil {
			return nil, gwerr.FromErrorType(t.provider, "api_error", "")
		}
		return nil, gwerr.FromErrorType(t.provider, e.Error.Type, e.Error.Message)
	case "message_start":
		if e.Message != nil {
			t.usage.InputTokens = e.Message.Usage.InputTokens
			t.usage.OutputTokens = e.Message.Usage.OutputTokens
		}
		out = append(out, t.role()...)
	case "content_block_start":
		out = append(out, t.role()...)
		cb := e.ContentBlock
		if cb == nil {
			break
		}
		switch cb.Type {
		case "tool_use":
			pos := len(t.toolPos)
			t.toolPos[e.Index] = pos
			t.phase = PhaseToolCallDelta
			out = append(out, t.frame(map[string]any{
				"tool_calls": []any{map[string]any{
					"index": pos,
					"id":    cb.ID,
					"type":  "function",
					"function": map[string]any{
						"name":      cb.Name,
						"arguments": "",
					},
				}},
			}, nil, nil))
		case "text":
			if cb.Text != "" {
				out = append(out, t.frame(map[string]any{"content": cb.Text}, nil, nil))
			}
		}
	case "content_block_delta":
		out = append(out, t.role()...)
		d := e.Delta
		if d == nil {
			break
		}
		switch d.Type {
		case "text_delta":
			if d.Text != "" {
				t.phase = PhaseTextDelta
				out = append(out, t.frame(map[string]any{"content": d.Text}, nil, nil))
			}
		case "thinking_delta":
			if d.Thinking != "" {
				out = append(out, t.frame(map[string]any{"reasoning_content": d.Thinking}, nil, nil))
			}
		case "input_json_delta":
			pos, ok := t.toolPos[e.Index]
			if !ok || d.PartialJSON == "" {
				break
			}
			t.toolArgs[e.Index] += d.PartialJSON
			out = append(out, t.frame(map[string]any{
				"tool_calls": []any{map[string]any{
					"index":    pos,
					"function": map[string]any{"arguments": d.PartialJSON},
				}},
			}, nil, nil))
		}
	case "message_delta":
		if e.Delta != nil && e.Delta.StopReason != "" {
			t.stop = convert.StopReasonFromAnthropic(e.Delta.StopReason)
			t.sawStop = true
			t.phase = PhaseStopped
		}
		if e.Usage != nil {
			if e.Usage.InputTokens > 0 {
				t.usage.InputTokens = e.Usage.InputTokens
			}
			t.usage.OutputTokens = e.Usage.OutputTokens
		}
	case "message_stop":
		out = append(out, t.close()...)
	}
	return out, nil
}

func (t *anthropicToOpenAI) frame(delta map[string]any, finish any, usage *canonical.Usage) sse.Frame {
	return t.chunker.frame(delta, finish, usage)
}

func (t *anthropicToOpenAI) role() []sse.Frame {
	if t.sentRole {
		return nil
	}
	t.sentRole = true
	t.phase = PhaseStarted
	return []sse.Frame{t.frame(map[string]any{"role": "assistant", "content": ""}, nil, nil)}
}

func (t *anthropicToOpenAI) close() []sse.Frame {
	out := t.role()
	u := t.usage
	out = append(out, t.frame(map[string]any{}, convert.FinishReason(t.stop), &u), sse.DoneFrame())
	t.phase = PhaseClosed
	return out
}

// Finish accepts an upstream that reported a stop reason but dropped the
// final message_stop.
func (t *anthropicToOpenAI) Finish() ([]sse.Frame, error) {
	if t.Done() {
		return nil, nil
	}
	if !t.sawStop {
		return nil, disconnected(t.provider)
	}
	return t.close(), nil
}

func (t *anthropicToOpenAI) Fail(e *gwerr.Error) []sse.Frame {
	t.phase = PhaseError
	return openAIErrorFrames(e)
}

func (t *anthropicToOpenAI) Truncate() []sse.Frame {
	t.phase = PhaseClosed
	return t.truncateFrames()
}
