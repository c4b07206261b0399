package streamconv

import (
	"errors"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"portbroker/internal/gwerr"
	"portbroker/internal/sse"
)

var errInvalidJSON = errors.New("event data is not valid JSON")

// anthropicPassthrough forwards a same-shape stream event by event. Events
// are inspected for lifecycle and usage, and the model name is rewritten to
// the one the caller asked for.
type anthropicPassthrough struct {
	State
	model    string
	provider string
	sawStop  bool
	open     map[int]bool
}

func newAnthropicPassthrough(model, provider string) *anthropicPassthrough {
	return &anthropicPassthrough{model: model, provider: provider, open: map[int]bool{}}
}

func (t *anthropicPassthrough) Push(ev sse.Event) ([]sse.Frame, error) {
	if t.Done() {
		return nil, nil
	}
	data := []byte(ev.Data)
	if !gjson.ValidBytes(data) {
		return nil, malformed(t.provider, errInvalidJSON)
	}
	typ := gjson.GetBytes(data, "type").String()
	if typ == "" {
		typ = ev.Name
	}
	name := ev.Name
	if name == "" {
		name = typ
	}

	switch typ {
	case "error":
		return nil, gwerr.FromErrorType(t.provider,
			gjson.GetBytes(data, "error.type").String(),
			gjson.GetBytes(data, "error.message").String())
	case "message_start":
		t.phase = PhaseStarted
		t.usage.InputTokens = int(gjson.GetBytes(data, "message.usage.input_tokens").Int())
		if gjson.GetBytes(data, "message.model").Exists() {
			rewritten, err := sjson.SetBytes(data, "message.model", t.model)
			if err == nil {
				data = rewritten
			}
		}
	case "content_block_start":
		t.open[int(gjson.GetBytes(data, "index").Int())] = true
	case "content_block_stop":
		delete(t.open, int(gjson.GetBytes(data, "index").Int()))
	case "content_block_delta":
		if gjson.GetBytes(data, "delta.type").String() == "input_json_delta" {
			t.phase = PhaseToolCallDelta
		} else {
			t.phase = PhaseTextDelta
		}
	case "message_delta":
		if gjson.GetBytes(data, "delta.stop_reason").String() != "" {
			t.sawStop = true
			t.phase = PhaseStopped
		}
		if v := gjson.GetBytes(data, "usage.input_tokens"); v.Exists() && v.Int() > 0 {
			t.usage.InputTokens = int(v.Int())
		}
		if v := gjson.GetBytes(data, "usage.output_tokens"); v.Exists() {
			t.usage.OutputTokens = int(v.Int())
		}
	case "message_stop":
		t.phase = PhaseClosed
	}
	return []sse.Frame{{Event: name, Data: data}}, nil
}

func (t *anthropicPassthrough) Finish() ([]sse.Frame, error) {
	if t.Done() {
		return nil, nil
	}
	if !t.sawStop {
		return nil, disconnected(t.provider)
	}
	t.phase = PhaseClosed
	return []sse.Frame{anthropicFrame("message_stop", map[string]any{"type": "message_stop"})}, nil
}

func (t *anthropicPassthrough) Fail(e *gwerr.Error) []sse.Frame {
	t.phase = PhaseError
	return anthropicErrorFrames(e)
}

func (t *anthropicPassthrough) Truncate() []sse.Frame {
	t.phase = PhaseClosed
	open := make([]int, 0, len(t.open))
	for idx := range t.open {
		open = append(open, idx)
	}
	return anthropicTruncateFrames(open, t.usage)
}

type openAIPassthrough struct {
	State
	chunker
	provider  string
	sawFinish bool
}

func newOpenAIPassthrough(model, provider string) *openAIPassthrough {
	return &openAIPassthrough{chunker: newChunker(model), provider: provider}
}

func (t *openAIPassthrough) Push(ev sse.Event) ([]sse.Frame, error) {
	if t.Done() {
		return nil, nil
	}
	if ev.IsDone() {
		t.phase = PhaseClosed
		return []sse.Frame{sse.DoneFrame()}, nil
	}
	data := []byte(ev.Data)
	if !gjson.ValidBytes(data) {
		return nil, malformed(t.provider, errInvalidJSON)
	}
	if e := gjson.GetBytes(data, "error"); e.Exists() && e.IsObject() {
		return nil, gwerr.FromErrorType(t.provider, e.Get("type").String(), e.Get("message").String())
	}
	if t.phase == PhaseNotStarted {
		t.phase = PhaseStarted
	}
	if id := gjson.GetBytes(data, "id").String(); id != "" {
		t.id = id
	}
	if gjson.GetBytes(data, "model").Exists() {
		if rewritten, err := sjson.SetBytes(data, "model", t.model); err == nil {
			data = rewritten
		}
	}
	if u := gjson.GetBytes(data, "usage"); u.IsObject() {
		t.usage.InputTokens = int(u.Get("prompt_tokens").Int())
		t.usage.OutputTokens = int(u.Get("completion_tokens").Int())
	}
	switch {
	case gjson.GetBytes(data, "choices.0.delta.tool_calls").Exists():
		t.phase = PhaseToolCallDelta
	case gjson.GetBytes(data, "choices.0.delta.content").String() != "":
		t.phase = PhaseTextDelta
	}
	if gjson.GetBytes(data, "choices.0.finish_reason").String() != "" {
		t.sawFinish = true
		t.phase = PhaseStopped
	}
	return []sse.Frame{{Data: data}}, nil
}

func (t *openAIPassthrough) Finish() ([]sse.Frame, error) {
	if t.Done() {
		return nil, nil
	}
	if !t.sawFinish {
		return nil, disconnected(t.provider)
	}
	t.phase = PhaseClosed
	return []sse.Frame{sse.DoneFrame()}, nil
}

func (t *openAIPassthrough) Fail(e *gwerr.Error) []sse.Frame {
	t.phase = PhaseError
	return openAIErrorFrames(e)
}

func (t *openAIPassthrough) Truncate() []sse.Frame {
	t.phase = PhaseClosed
	return t.truncateFrames()
}
