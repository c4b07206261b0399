package streamconv

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"portbroker/internal/canonical"
	"portbroker/internal/sse"
)

type recSink struct {
	buf    bytes.Buffer
	frames []sse.Frame
	err    error
}

func (s *recSink) WriteFrame(f sse.Frame) error {
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, f)
	s.buf.Write(f.Bytes())
	return nil
}

func (s *recSink) Written() int64 { return int64(s.buf.Len()) }

func convertStream(t *testing.T, from, to canonical.Shape, model, in string) string {
	t.Helper()
	sink := &recSink{}
	if _, err := Pump(context.Background(), strings.NewReader(in), New(from, to, model, "p1"), sink, 0); err != nil {
		t.Fatalf("convert failed: %v", err)
	}
	return sink.buf.String()
}

func TestAnthropicToOpenAI_ToolUseStreaming(t *testing.T) {
	in := strings.Join([]string{
		"event: message_start",
		"data: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\",\"type\":\"message\",\"role\":\"assistant\",\"model\":\"claude\",\"content\":[],\"stop_reason\":null,\"stop_sequence\":null,\"usage\":{\"input_tokens\":1,\"output_tokens\":0}}}",
		"",
		"event: content_block_start",
		"data: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"tool_use\",\"id\":\"toolu_1\",\"name\":\"get_weather\",\"input\":{}}}",
		"",
		"event: content_block_delta",
		"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"{\\\"location\\\":\\\"SF\\\"}\"}}",
		"",
		"event: message_delta",
		"data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"tool_use\"}}",
		"",
		"event: message_stop",
		"data: {\"type\":\"message_stop\"}",
		"",
	}, "\n")

	out := convertStream(t, canonical.ShapeAnthropic, canonical.ShapeOpenAI, "gpt-4", in)
	if !strings.Contains(out, `"tool_calls"`) || !strings.Contains(out, `"get_weather"`) {
		t.Fatalf("expected tool_calls in output, got: %s", out)
	}
	if !strings.Contains(out, `"finish_reason":"tool_calls"`) {
		t.Fatalf("expected finish_reason tool_calls, got: %s", out)
	}
	if !strings.HasSuffix(out, "data: [DONE]\n\n") {
		t.Fatalf("expected [DONE] terminator, got: %s", out)
	}
}

func TestOpenAIToAnthropic_ToolCallsStreaming(t *testing.T) {
	in := strings.Join([]string{
		"data: {\"id\":\"chatcmpl_1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-4\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\"}}]}",
		"",
		"data: {\"id\":\"chatcmpl_1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-4\",\"choices\":[{\"index\":0,\"delta\":{\"tool_calls\":[{\"id\":\"call_1\",\"type\":\"function\",\"function\":{\"name\":\"get_weather\",\"arguments\":\"\"}}]}}]}",
		"",
		"data: {\"id\":\"chatcmpl_1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-4\",\"choices\":[{\"index\":0,\"delta\":{\"tool_calls\":[{\"id\":\"call_1\",\"type\":\"function\",\"function\":{\"arguments\":\"{\\\"location\\\":\\\"SF\\\"}\"}}]}}]}",
		"",
		"data: {\"id\":\"chatcmpl_1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-4\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"tool_calls\"}]}",
		"",
		"data: [DONE]",
		"",
	}, "\n")

	out := convertStream(t, canonical.ShapeOpenAI, canonical.ShapeAnthropic, "claude-3", in)
	if !strings.Contains(out, `"type":"tool_use"`) || !strings.Contains(out, `"name":"get_weather"`) {
		t.Fatalf("expected tool_use in output, got: %s", out)
	}
	if !strings.Contains(out, `"input_json_delta"`) || !strings.Contains(out, `"partial_json"`) {
		t.Fatalf("expected input_json_delta in output, got: %s", out)
	}
	if !strings.Contains(out, `"stop_reason":"tool_use"`) {
		t.Fatalf("expected stop_reason tool_use, got: %s", out)
	}
	if strings.Count(out, "event: content_block_start") != 1 {
		t.Fatalf("expected a single tool block, got: %s", out)
	}
}

func TestOpenAIToAnthropic(t *testing.T) {
	in := strings.Join([]string{
		"data: {\"id\":\"x\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hello\"}}]}",
		"",
		"data: {\"id\":\"x\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\" world\"}}]}",
		"",
		"data: [DONE]",
		"",
	}, "\n")

	out := convertStream(t, canonical.ShapeOpenAI, canonical.ShapeAnthropic, "claude-sonnet-4-5", in)
	if !strings.Contains(out, "event: message_start") {
		t.Fatalf("missing message_start: %s", out)
	}
	if !strings.Contains(out, "\"text\":\"Hello\"") || !strings.Contains(out, "\"text\":\" world\"") {
		t.Fatalf("missing text deltas: %s", out)
	}
	if !strings.Contains(out, "event: message_stop") {
		t.Fatalf("missing message_stop: %s", out)
	}
	if !strings.Contains(out, "\"model\":\"claude-sonnet-4-5\"") {
		t.Fatalf("expected requested model name: %s", out)
	}
}

func TestAnthropicToOpenAI(t *testing.T) {
	in := strings.Join([]string{
		"event: message_start",
		"data: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_x\"}}",
		"",
		"event: content_block_delta",
		"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Hello\"}}",
		"",
		"event: message_stop",
		"data: {\"type\":\"message_stop\"}",
		"",
	}, "\n")

	out := convertStream(t, canonical.ShapeAnthropic, canonical.ShapeOpenAI, "gpt-4o", in)
	if !strings.Contains(out, "\"object\":\"chat.completion.chunk\"") {
		t.Fatalf("missing chunk object: %s", out)
	}
	if !strings.Contains(out, "\"content\":\"Hello\"") {
		t.Fatalf("missing content delta: %s", out)
	}
	if !strings.Contains(out, "\"role\":\"assistant\"") {
		t.Fatalf("first chunk should carry the role: %s", out)
	}
}

func TestAnthropicToOpenAI_TextDeltasConcatenate(t *testing.T) {
	ev := func(name, data string) string { return "event: " + name + "\ndata: " + data + "\n\n" }
	in := ev("message_start", `{"type":"message_start","message":{"id":"msg_abc","model":"claude","usage":{"input_tokens":4,"output_tokens":0}}}`) +
		ev("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`) +
		ev("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"a"}}`) +
		ev("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"b"}}`) +
		ev("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"c"}}`) +
		ev("content_block_stop", `{"type":"content_block_stop","index":0}`) +
		ev("message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":3}}`) +
		ev("message_stop", `{"type":"message_stop"}`)

	events := decodeFrames(t, convertStream(t, canonical.ShapeAnthropic, canonical.ShapeOpenAI, "gpt-4o", in))
	if len(events) < 2 || !events[len(events)-1].IsDone() {
		t.Fatalf("stream must end with [DONE]: %+v", events)
	}

	var content strings.Builder
	var finishes []string
	for i, e := range events[:len(events)-1] {
		var c struct {
			Model   string `json:"model"`
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
				FinishReason *string `json:"finish_reason"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(e.Data), &c); err != nil {
			t.Fatalf("chunk %d is not JSON: %v", i, err)
		}
		if c.Model != "gpt-4o" {
			t.Fatalf("chunk %d model = %q", i, c.Model)
		}
		if len(c.Choices) == 0 {
			continue
		}
		content.WriteString(c.Choices[0].Delta.Content)
		if fr := c.Choices[0].FinishReason; fr != nil {
			if i != len(events)-2 {
				t.Fatalf("finish_reason on chunk %d, want it on the last chunk before [DONE]", i)
			}
			finishes = append(finishes, *fr)
		}
	}
	if content.String() != "abc" {
		t.Fatalf("content = %q, want %q", content.String(), "abc")
	}
	if len(finishes) != 1 || finishes[0] != "stop" {
		t.Fatalf("finish reasons = %v, want [stop]", finishes)
	}
}
