package anthropic

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/tidwall/gjson"
)

// TokenCounter estimates the token count of prompt text.
type TokenCounter interface {
	Count(text string) int
}

type CounterFunc func(text string) int

func (f CounterFunc) Count(text string) int { return f(text) }

type tiktokenCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
}

// NewTiktokenCounter counts with the cl100k_base encoding. The encoding is
// loaded on first use; if it cannot be loaded the count falls back to one
// token per four bytes.
func NewTiktokenCounter() TokenCounter { return &tiktokenCounter{} }

func (c *tiktokenCounter) Count(text string) int {
	c.once.Do(func() {
		c.enc, c.err = tiktoken.GetEncoding("cl100k_base")
	})
	if c.err != nil {
		return (len(text) + 3) / 4
	}
	return len(c.enc.Encode(text, nil, nil))
}

// promptText flattens everything in a messages request that reaches the
// model as input: system, message content and tool definitions.
func promptText(body []byte) string {
	var b strings.Builder
	add := func(s string) {
		if s == "" {
			return
		}
		b.WriteString(s)
		b.WriteByte('\n')
	}

	root := gjson.ParseBytes(body)
	collectText(root.Get("system"), add)
	root.Get("messages").ForEach(func(_, m gjson.Result) bool {
		add(m.Get("role").String())
		collectText(m.Get("content"), add)
		return true
	})
	root.Get("tools").ForEach(func(_, t gjson.Result) bool {
		add(t.Get("name").String())
		add(t.Get("description").String())
		add(t.Get("input_schema").Raw)
		return true
	})
	return b.String()
}

func collectText(v gjson.Result, add func(string)) {
	if v.Type == gjson.String {
		add(v.String())
		return
	}
	v.ForEach(func(_, blk gjson.Result) bool {
		switch blk.Get("type").String() {
		case "text":
			add(blk.Get("text").String())
		case "thinking":
			add(blk.Get("thinking").String())
		case "tool_use":
			add(blk.Get("name").String())
			add(blk.Get("input").Raw)
		case "tool_result":
			collectText(blk.Get("content"), add)
		}
		return true
	})
}
