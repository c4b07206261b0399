package streamconv

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"portbroker/internal/convert"
	"portbroker/internal/gwerr"
	openaiproto "portbroker/internal/proto/openai"
	"portbroker/internal/sse"
)

type blockKind int

const (
	blockNone blockKind = iota
	blockThinking
	blockText
	blockTool
)

// toolBuf tracks one upstream tool call. A call that shows up while another
// tool block is open waits in pending until that block closes.
type toolBuf struct {
	index   int
	id      string
	name    string
	args    strings.Builder
	pending strings.Builder
	started bool
	queued  bool
	closed  bool
}

// openAIToAnthropic turns flat chat.completion.chunk deltas into the
// discrete message/content_block event lifecycle. At most one block is open
// at a time.
type openAIToAnthropic struct {
	State
	model    string
	provider string
	msgID    string

	nextIndex int
	open      map[int]bool
	cur       blockKind
	curIndex  int

	tools   map[string]*toolBuf
	curKey  string
	queue   []string
	lastKey string

	finish    string
	sawFinish bool
}

func newOpenAIToAnthropic(model, provider string) *openAIToAnthropic {
	return &openAIToAnthropic{
		model:    model,
		provider: provider,
		msgID:    "msg_" + uuid.NewString(),
		open:     map[int]bool{},
		tools:    map[string]*toolBuf{},
	}
}

func (t *openAIToAnthropic) Push(ev sse.Event) ([]sse.Frame, error) {
	if t.Done() {
		return nil, nil
	}
	if ev.IsDone() {
		return t.close(), nil
	}

	var chunk openaiproto.ChatCompletionChunk
	if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
		return nil, malformed(t.provider, err)
	}
	if chunk.Error != nil {
		return nil, gwerr.FromErrorType(t.provider, chunk.Error.Type, chunk.Error.Message)
	}

	var out []sse.Frame
	if t.phase == PhaseNotStarted {
		out = append(out, t.start(chunk.Usage))
	}
	if chunk.Usage != nil {
		t.usage.InputTokens = chunk.Usage.PromptTokens
		t.usage.OutputTokens = chunk.Usage.CompletionTokens
	}
	if len(chunk.Choices) == 0 {
		return out, nil
	}

	c0 := chunk.Choices[0]
	d := c0.Delta
	if d.ReasoningContent != nil && *d.ReasoningContent != "" {
		out = append(out, t.switchTo(blockThinking)...)
		out = append(out, t.delta(map[string]any{"type": "thinking_delta", "thinking": *d.ReasoningContent}))
	}
	if d.Content != nil && *d.Content != "" {
		out = append(out, t.switchTo(blockText)...)
		out = append(out, t.delta(map[string]any{"type": "text_delta", "text": *d.Content}))
		t.phase = PhaseTextDelta
	}
	for i, tc := range d.ToolCalls {
		frames, err := t.toolFragment(i, tc.Index, tc.ID, tc.Function.Name, tc.Function.Arguments)
		if err != nil {
			return nil, err
		}
		out = append(out, frames...)
	}
	if fc := d.FunctionCall; fc != nil {
		frames, err := t.toolFragment(0, nil, "", fc.Name, fc.Arguments)
		if err != nil {
			return nil, err
		}
		out = append(out, frames...)
	}

	if c0.FinishReason != nil && *c0.FinishReason != "" {
		t.finish = *c0.FinishReason
		t.sawFinish = true
		t.phase = PhaseStopped
	}
	return out, nil
}

// toolFragment routes one tool-call fragment to its downstream block. The
// upstream index identifies the call; id and name may only be present on the
// first fragment.
//
// A new call replaces the open tool block once that block's arguments form a
// complete JSON value. Otherwise the new call is buffered and gets its block,
// with everything buffered so far, when the open one closes. Arguments for a
// call whose block already closed are an upstream error.
func (t *openAIToAnthropic) toolFragment(pos int, index *int, id, name, args string) ([]sse.Frame, error) {
	key := ""
	switch {
	case index != nil:
		key = fmt.Sprintf("i%d", *index)
	case id != "":
		key = "id:" + id
	case t.lastKey != "":
		key = t.lastKey
	default:
		key = fmt.Sprintf("i%d", pos)
	}

	buf, ok := t.tools[key]
	if !ok {
		if strings.TrimSpace(id) == "" {
			id = "toolu_" + uuid.NewString()
		}
		buf = &toolBuf{id: id, name: name}
		t.tools[key] = buf
	} else if buf.name == "" {
		buf.name = name
	}
	t.lastKey = key
	t.phase = PhaseToolCallDelta

	if buf.closed {
		if strings.TrimSpace(args) == "" {
			return nil, nil
		}
		return nil, malformed(t.provider, fmt.Errorf("arguments for tool call %s arrived after its block closed", buf.id))
	}
	buf.args.WriteString(args)

	if buf.started {
		if args == "" {
			return nil, nil
		}
		return []sse.Frame{argsDelta(buf.index, args)}, nil
	}

	buf.pending.WriteString(args)
	var out []sse.Frame
	if t.cur == blockTool {
		if !json.Valid([]byte(t.tools[t.curKey].args.String())) {
			t.enqueue(key, buf)
			return nil, nil
		}
		out = t.closeTool()
		if buf.started {
			return out, nil
		}
		if t.cur == blockTool {
			t.enqueue(key, buf)
			return out, nil
		}
	} else {
		out = t.closeCurrent()
	}
	return append(out, t.startTool(key)...), nil
}

func (t *openAIToAnthropic) enqueue(key string, buf *toolBuf) {
	if !buf.queued {
		buf.queued = true
		t.queue = append(t.queue, key)
	}
}

// startTool opens the block for a tool call and flushes its buffered
// arguments as one delta.
func (t *openAIToAnthropic) startTool(key string) []sse.Frame {
	buf := t.tools[key]
	buf.index = t.nextIndex
	buf.started = true
	buf.queued = false
	t.nextIndex++
	t.open[buf.index] = true
	t.cur = blockTool
	t.curIndex = buf.index
	t.curKey = key

	out := []sse.Frame{anthropicFrame("content_block_start", map[string]any{
		"type":  "content_block_start",
		"index": buf.index,
		"content_block": map[string]any{
			"type":  "tool_use",
			"id":    buf.id,
			"name":  buf.name,
			"input": map[string]any{},
		},
	})}
	if buf.pending.Len() > 0 {
		out = append(out, argsDelta(buf.index, buf.pending.String()))
		buf.pending.Reset()
	}
	return out
}

// closeTool closes the open tool block. The oldest waiting call, if any,
// becomes the open block.
func (t *openAIToAnthropic) closeTool() []sse.Frame {
	out := []sse.Frame{blockStop(t.curIndex)}
	delete(t.open, t.curIndex)
	t.tools[t.curKey].closed = true
	t.cur = blockNone
	t.curKey = ""
	if len(t.queue) > 0 {
		next := t.queue[0]
		t.queue = t.queue[1:]
		out = append(out, t.startTool(next)...)
	}
	return out
}

func argsDelta(idx int, partial string) sse.Frame {
	return anthropicFrame("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": idx,
		"delta": map[string]any{
			"type":         "input_json_delta",
			"partial_json": partial,
		},
	})
}

func (t *openAIToAnthropic) start(u *openaiproto.Usage) sse.Frame {
	t.phase = PhaseStarted
	in := 0
	if u != nil {
		in = u.PromptTokens
	}
	return anthropicFrame("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            t.msgID,
			"type":          "message",
			"role":          "assistant",
			"content":       []any{},
			"model":         t.model,
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": map[string]any{
				"input_tokens":  in,
				"output_tokens": 0,
			},
		},
	})
}

// switchTo opens a block of kind k unless one is already current. Whatever
// is open is closed first, including every waiting tool call.
func (t *openAIToAnthropic) switchTo(k blockKind) []sse.Frame {
	if t.cur == k && t.open[t.curIndex] {
		return nil
	}
	out := t.closeCurrent()
	idx := t.nextIndex
	t.nextIndex++
	t.open[idx] = true
	t.cur = k
	t.curIndex = idx
	t.lastKey = ""

	block := map[string]any{"type": "text", "text": ""}
	if k == blockThinking {
		block = map[string]any{"type": "thinking", "thinking": ""}
	}
	return append(out, anthropicFrame("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         idx,
		"content_block": block,
	}))
}

func (t *openAIToAnthropic) closeCurrent() []sse.Frame {
	var out []sse.Frame
	for t.cur == blockTool {
		out = append(out, t.closeTool()...)
	}
	if t.cur == blockNone || !t.open[t.curIndex] {
		return out
	}
	delete(t.open, t.curIndex)
	t.cur = blockNone
	return append(out, blockStop(t.curIndex))
}

func (t *openAIToAnthropic) delta(d map[string]any) sse.Frame {
	return anthropicFrame("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": t.curIndex,
		"delta": d,
	})
}

func blockStop(idx int) sse.Frame {
	return anthropicFrame("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": idx,
	})
}

func (t *openAIToAnthropic) close() []sse.Frame {
	var out []sse.Frame
	if t.phase == PhaseNotStarted {
		out = append(out, t.start(nil))
	}
	out = append(out, t.closeCurrent()...)

	stop := convert.AnthropicStopReason(convert.StopReasonFromFinish(t.finish))
	out = append(out,
		anthropicFrame("message_delta", map[string]any{
			"type": "message_delta",
			"delta": map[string]any{
				"stop_reason":   stop,
				"stop_sequence": nil,
			},
			"usage": map[string]any{
				"input_tokens":  t.usage.InputTokens,
				"output_tokens": t.usage.OutputTokens,
			},
		}),
		anthropicFrame("message_stop", map[string]any{"type": "message_stop"}),
	)
	t.phase = PhaseClosed
	return out
}

func (t *openAIToAnthropic) Finish() ([]sse.Frame, error) {
	if t.Done() {
		return nil, nil
	}
	if !t.sawFinish {
		return nil, disconnected(t.provider)
	}
	return t.close(), nil
}

func (t *openAIToAnthropic) Fail(e *gwerr.Error) []sse.Frame {
	t.phase = PhaseError
	return anthropicErrorFrames(e)
}

func (t *openAIToAnthropic) Truncate() []sse.Frame {
	t.phase = PhaseClosed
	open := make([]int, 0, len(t.open))
	for idx := range t.open {
		open = append(open, idx)
	}
	return anthropicTruncateFrames(open, t.usage)
}
