// Package canonical holds the shape-independent form every inbound request
// and upstream response passes through.
package canonical

import "encoding/json"

// Shape is one of the two wire protocols the gateway speaks.
type Shape string

const (
	ShapeAnthropic Shape = "anthropic"
	ShapeOpenAI    Shape = "openai"
)

func (s Shape) Valid() bool {
	return s == ShapeAnthropic || s == ShapeOpenAI
}

type ContextKey string

const ContextKeyRequestID ContextKey = "request_id"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Block is one typed unit of message content. The set of implementations is
// closed; consumers dispatch with a type switch.
type Block interface {
	block()
}

type Text struct {
	Text string
}

// Image carries either inline base64 data (Source "base64", MediaType set)
// or a remote reference (Source "url", Data holds the URL).
type Image struct {
	Source    string
	MediaType string
	Data      string
}

// ToolUse is a model-issued tool invocation. Arguments is JSON text and may
// be partial while a stream is still assembling it.
type ToolUse struct {
	ID        string
	Name      string
	Arguments string
}

type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

type Thinking struct {
	Text      string
	Signature string
}

func (Text) block()       {}
func (Image) block()      {}
func (ToolUse) block()    {}
func (ToolResult) block() {}
func (Thinking) block()   {}

type Message struct {
	Role    Role
	Content []Block
}

// PlainText concatenates the message's text blocks.
func (m Message) PlainText() string {
	var out string
	for _, b := range m.Content {
		if t, ok := b.(Text); ok {
			out += t.Text
		}
	}
	return out
}

type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

type ToolChoiceMode string

const (
	ToolChoiceAuto ToolChoiceMode = "auto"
	ToolChoiceNone ToolChoiceMode = "none"
	ToolChoiceAny  ToolChoiceMode = "any"
	ToolChoiceTool ToolChoiceMode = "tool"
)

type ToolChoice struct {
	Mode ToolChoiceMode
	Name string
}

type Request struct {
	// Model is the name the caller asked for; responses echo it back.
	Model string
	// TierOrModel is the routing key: a tier (small, medium, big) or the
	// literal model name.
	TierOrModel string

	Messages []Message

	MaxTokens   *int
	Temperature *float64
	TopP        *float64
	Stop        []string

	Tools      []Tool
	ToolChoice *ToolChoice

	Stream bool
}

// System returns the text of the leading system messages.
func (r *Request) System() string {
	var out string
	for _, m := range r.Messages {
		if m.Role != RoleSystem {
			break
		}
		if out != "" {
			out += "\n"
		}
		out += m.PlainText()
	}
	return out
}

type StopReason string

const (
	StopEndTurn       StopReason = "end_turn"
	StopMaxTokens     StopReason = "max_tokens"
	StopToolUse       StopReason = "tool_use"
	StopSequence      StopReason = "stop_sequence"
	StopContentFilter StopReason = "content_filter"
)

type Usage struct {
	InputTokens  int
	OutputTokens int
}

type Response struct {
	ID         string
	Model      string
	Content    []Block
	StopReason StopReason
	Usage      Usage
}

// Tiers are the coarse sizing buckets a model name can resolve to.
const (
	TierSmall  = "small"
	TierMedium = "medium"
	TierBig    = "big"
)

func IsTier(key string) bool {
	return key == TierSmall || key == TierMedium || key == TierBig
}
