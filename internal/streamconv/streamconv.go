// Package streamconv re-frames an upstream event stream into the caller's
// wire shape, one upstream event at a time.
package streamconv

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"portbroker/internal/canonical"
	"portbroker/internal/gwerr"
	"portbroker/internal/sse"
)

type Phase int

const (
	PhaseNotStarted Phase = iota
	PhaseStarted
	PhaseTextDelta
	PhaseToolCallDelta
	PhaseStopped
	PhaseClosed
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseNotStarted:
		return "not_started"
	case PhaseStarted:
		return "started"
	case PhaseTextDelta:
		return "text_delta"
	case PhaseToolCallDelta:
		return "tool_call_delta"
	case PhaseStopped:
		return "stopped"
	case PhaseClosed:
		return "closed"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// State is the per-stream bookkeeping shared by every direction.
type State struct {
	phase Phase
	usage canonical.Usage
}

func (s *State) Phase() Phase { return s.phase }

func (s *State) Usage() canonical.Usage { return s.usage }

// Done reports that the closing frames have been produced.
func (s *State) Done() bool {
	return s.phase == PhaseClosed || s.phase == PhaseError
}

// Transcoder converts one stream. Push is called once per upstream event and
// returns the frames to forward, possibly none. A Push error means the
// upstream event was malformed or carried an upstream failure. Finish is
// called on upstream EOF; it returns the closing frames if a terminal event
// was seen and an error otherwise. Fail and Truncate produce the single
// terminal event for an aborted stream.
type Transcoder interface {
	Push(ev sse.Event) ([]sse.Frame, error)
	Finish() ([]sse.Frame, error)
	Fail(err *gwerr.Error) []sse.Frame
	Truncate() []sse.Frame
	Done() bool
	Phase() Phase
	Usage() canonical.Usage
}

// New picks the transcoder for an upstream stream of shape from, delivered
// to a caller speaking shape to. model is the name the caller asked for.
func New(from, to canonical.Shape, model, provider string) Transcoder {
	switch {
	case from == canonical.ShapeOpenAI && to == canonical.ShapeAnthropic:
		return newOpenAIToAnthropic(model, provider)
	case from == canonical.ShapeAnthropic && to == canonical.ShapeOpenAI:
		return newAnthropicToOpenAI(model, provider)
	case from == canonical.ShapeAnthropic:
		return newAnthropicPassthrough(model, provider)
	default:
		return newOpenAIPassthrough(model, provider)
	}
}

func disconnected(provider string) *gwerr.Error {
	e := gwerr.New(gwerr.KindProviderConnection, "upstream stream ended before a terminal event")
	e.Provider = provider
	return e
}

func malformed(provider string, err error) *gwerr.Error {
	e := gwerr.Wrap(gwerr.KindUpstreamShape, err, "malformed upstream event: %v", err)
	e.Provider = provider
	return e
}

func anthropicFrame(name string, data any) sse.Frame {
	b, _ := json.Marshal(data)
	return sse.Frame{Event: name, Data: b}
}

// anthropicTruncateFrames closes the open blocks and ends the message with
// stop_reason max_tokens. Only the message_stop carries the truncated flag.
func anthropicTruncateFrames(open []int, u canonical.Usage) []sse.Frame {
	sort.Ints(open)
	out := make([]sse.Frame, 0, len(open)+2)
	for _, idx := range open {
		out = append(out, blockStop(idx))
	}
	return append(out,
		anthropicFrame("message_delta", map[string]any{
			"type": "message_delta",
			"delta": map[string]any{
				"stop_reason":   "max_tokens",
				"stop_sequence": nil,
			},
			"usage": map[string]any{
				"input_tokens":  u.InputTokens,
				"output_tokens": u.OutputTokens,
			},
		}),
		anthropicFrame("message_stop", map[string]any{
			"type":      "message_stop",
			"truncated": true,
		}),
	)
}

func anthropicErrorFrames(e *gwerr.Error) []sse.Frame {
	return []sse.Frame{anthropicFrame("error", map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    e.AnthropicType(),
			"message": e.Error(),
			"kind":    string(e.Kind),
		},
	})}
}

// chunker stamps shape B chunks with a stable id and creation time.
type chunker struct {
	id      string
	created int64
	model   string
}

func newChunker(model string) chunker {
	return chunker{id: "chatcmpl-" + uuid.NewString(), created: time.Now().Unix(), model: model}
}

func (c chunker) frame(delta map[string]any, finish any, usage *canonical.Usage) sse.Frame {
	choice := map[string]any{
		"index":         0,
		"delta":         delta,
		"finish_reason": finish,
	}
	chunk := map[string]any{
		"id":      c.id,
		"object":  "chat.completion.chunk",
		"created": c.created,
		"model":   c.model,
		"choices": []any{choice},
	}
	if usage != nil {
		chunk["usage"] = openAIUsage(*usage)
	}
	b, _ := json.Marshal(chunk)
	return sse.Frame{Data: b}
}

func (c chunker) truncateFrames() []sse.Frame {
	chunk := map[string]any{
		"id":      c.id,
		"object":  "chat.completion.chunk",
		"created": c.created,
		"model":   c.model,
		"choices": []any{map[string]any{
			"index":         0,
			"delta":         map[string]any{},
			"finish_reason": "length",
		}},
		"truncated": true,
	}
	b, _ := json.Marshal(chunk)
	return []sse.Frame{{Data: b}, sse.DoneFrame()}
}

func openAIErrorFrames(e *gwerr.Error) []sse.Frame {
	b, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": e.Error(),
			"type":    e.OpenAIType(),
			"code":    string(e.Kind),
		},
	})
	return []sse.Frame{{Data: b}, sse.DoneFrame()}
}

func openAIUsage(u canonical.Usage) map[string]any {
	return map[string]any{
		"prompt_tokens":     u.InputTokens,
		"completion_tokens": u.OutputTokens,
		"total_tokens":      u.InputTokens + u.OutputTokens,
	}
}
