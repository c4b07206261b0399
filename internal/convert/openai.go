package convert

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"portbroker/internal/canonical"
	openaiproto "portbroker/internal/proto/openai"
)

// Legacy function_call turns carry no id; both sides of the exchange are
// keyed by function name instead.
const legacyCallPrefix = "fc_"

// DecodeOpenAIRequest parses a shape B request body into the IR.
func DecodeOpenAIRequest(body []byte) (*canonical.Request, error) {
	var or openaiproto.ChatCompletionsRequest
	if err := json.Unmarshal(body, &or); err != nil {
		return nil, invalid(ErrUnsupportedMessageShape, "invalid json: %v", err)
	}
	if strings.TrimSpace(or.Model) == "" {
		return nil, invalid(ErrUnsupportedMessageShape, "model is required")
	}
	if len(or.Messages) == 0 {
		return nil, invalid(ErrUnsupportedMessageShape, "messages is required")
	}

	req := &canonical.Request{
		Model:       or.Model,
		TierOrModel: ResolveTier(or.Model),
		Temperature: or.Temperature,
		TopP:        or.TopP,
		Stream:      or.Stream,
	}
	switch {
	case or.MaxTokens != nil:
		req.MaxTokens = or.MaxTokens
	case or.MaxCompletionTokens != nil:
		req.MaxTokens = or.MaxCompletionTokens
	}
	stop, err := stringOrStrings(or.Stop)
	if err != nil {
		return nil, invalid(ErrUnsupportedMessageShape, "invalid stop: %v", err)
	}
	req.Stop = stop

	for _, m := range or.Messages {
		msg, err := decodeOpenAIMessage(m)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, msg)
	}

	for _, t := range or.Tools {
		if t.Type != "" && t.Type != "function" {
			return nil, invalid(ErrUnsupportedContentPart, "unsupported tool type %q", t.Type)
		}
		if strings.TrimSpace(t.Function.Name) == "" {
			return nil, invalid(ErrUnsupportedMessageShape, "tool missing name")
		}
		req.Tools = append(req.Tools, canonical.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  toolParameters(t.Function.Parameters),
		})
	}
	for _, f := range or.Functions {
		if strings.TrimSpace(f.Name) == "" {
			return nil, invalid(ErrUnsupportedMessageShape, "function missing name")
		}
		req.Tools = append(req.Tools, canonical.Tool{
			Name:        f.Name,
			Description: f.Description,
			Parameters:  toolParameters(f.Parameters),
		})
	}

	choice := or.ToolChoice
	if rawIsNull(choice) {
		choice = or.FunctionCall
	}
	if !rawIsNull(choice) {
		tc, err := openAIToolChoice(choice)
		if err != nil {
			return nil, err
		}
		req.ToolChoice = tc
	}
	return req, nil
}

func decodeOpenAIMessage(m openaiproto.Message) (canonical.Message, error) {
	role := strings.TrimSpace(m.Role)
	switch role {
	case "system", "developer":
		blocks, err := decodeOpenAIContent(m.Content)
		if err != nil {
			return canonical.Message{}, err
		}
		return canonical.Message{Role: canonical.RoleSystem, Content: blocks}, nil
	case "user":
		blocks, err := decodeOpenAIContent(m.Content)
		if err != nil {
			return canonical.Message{}, err
		}
		return canonical.Message{Role: canonical.RoleUser, Content: blocks}, nil
	case "assistant":
		var blocks []canonical.Block
		if m.ReasoningContent != "" {
			blocks = append(blocks, canonical.Thinking{Text: m.ReasoningContent})
		}
		content, err := decodeOpenAIContent(m.Content)
		if err != nil {
			return canonical.Message{}, err
		}
		blocks = append(blocks, content...)
		for _, tc := range m.ToolCalls {
			if tc.Type != "" && tc.Type != "function" {
				return canonical.Message{}, invalid(ErrUnsupportedMessageShape, "unsupported tool_call type %q", tc.Type)
			}
			if strings.TrimSpace(tc.ID) == "" || strings.TrimSpace(tc.Function.Name) == "" {
				return canonical.Message{}, invalid(ErrUnsupportedMessageShape, "tool_call missing id/name")
			}
			blocks = append(blocks, canonical.ToolUse{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
		}
		if fc := m.FunctionCall; fc != nil {
			if strings.TrimSpace(fc.Name) == "" {
				return canonical.Message{}, invalid(ErrUnsupportedMessageShape, "function_call missing name")
			}
			blocks = append(blocks, canonical.ToolUse{ID: legacyCallPrefix + fc.Name, Name: fc.Name, Arguments: fc.Arguments})
		}
		return canonical.Message{Role: canonical.RoleAssistant, Content: blocks}, nil
	case "tool":
		if strings.TrimSpace(m.ToolCallID) == "" {
			return canonical.Message{}, invalid(ErrUnsupportedMessageShape, "tool message missing tool_call_id")
		}
		return canonical.Message{Role: canonical.RoleTool, Content: []canonical.Block{
			canonical.ToolResult{ToolUseID: m.ToolCallID, Content: openAIContentText(m.Content)},
		}}, nil
	case "function":
		if strings.TrimSpace(m.Name) == "" {
			return canonical.Message{}, invalid(ErrUnsupportedMessageShape, "function message missing name")
		}
		return canonical.Message{Role: canonical.RoleTool, Content: []canonical.Block{
			canonical.ToolResult{ToolUseID: legacyCallPrefix + m.Name, Content: openAIContentText(m.Content)},
		}}, nil
	case "":
		return canonical.Message{}, invalid(ErrUnsupportedMessageShape, "missing role")
	default:
		return canonical.Message{}, invalid(ErrUnsupportedMessageShape, "unsupported role %q", role)
	}
}

func decodeOpenAIContent(raw json.RawMessage) ([]canonical.Block, error) {
	if rawIsNull(raw) {
		return nil, nil
	}
	if rawIsString(raw) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, invalid(ErrUnsupportedMessageShape, "invalid content: %v", err)
		}
		if s == "" {
			return nil, nil
		}
		return []canonical.Block{canonical.Text{Text: s}}, nil
	}
	var parts []openaiproto.ContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, invalid(ErrUnsupportedContentPart, "content must be a string or an array of parts")
	}
	out := make([]canonical.Block, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "text":
			if p.Text == "" {
				continue
			}
			out = append(out, canonical.Text{Text: p.Text})
		case "image_url":
			if p.ImageURL == nil || strings.TrimSpace(p.ImageURL.URL) == "" {
				return nil, invalid(ErrUnsupportedContentPart, "image_url missing url")
			}
			u := strings.TrimSpace(p.ImageURL.URL)
			if mediaType, data, ok := parseDataImageURL(u); ok {
				out = append(out, canonical.Image{Source: "base64", MediaType: mediaType, Data: data})
				continue
			}
			if strings.HasPrefix(u, "https://") || strings.HasPrefix(u, "http://") {
				out = append(out, canonical.Image{Source: "url", Data: u})
				continue
			}
			return nil, invalid(ErrUnsupportedContentPart, "image_url must be data:image/*;base64 or an http(s) URL")
		default:
			return nil, invalid(ErrUnsupportedContentPart, "unsupported content part type %q", p.Type)
		}
	}
	return out, nil
}

func openAIContentText(raw json.RawMessage) string {
	if rawIsNull(raw) {
		return ""
	}
	if rawIsString(raw) {
		var s string
		_ = json.Unmarshal(raw, &s)
		return s
	}
	var parts []openaiproto.ContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return string(raw)
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func openAIToolChoice(raw json.RawMessage) (*canonical.ToolChoice, error) {
	if rawIsString(raw) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, invalid(ErrUnsupportedMessageShape, "invalid tool_choice: %v", err)
		}
		switch s {
		case "auto":
			return &canonical.ToolChoice{Mode: canonical.ToolChoiceAuto}, nil
		case "none":
			return &canonical.ToolChoice{Mode: canonical.ToolChoiceNone}, nil
		case "required":
			return &canonical.ToolChoice{Mode: canonical.ToolChoiceAny}, nil
		default:
			return nil, invalid(ErrUnsupportedMessageShape, "unsupported tool_choice %q", s)
		}
	}
	var v struct {
		Type     string `json:"type"`
		Name     string `json:"name"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, invalid(ErrUnsupportedMessageShape, "invalid tool_choice: %v", err)
	}
	// Legacy function_call objects are just {"name": ...}.
	if v.Type == "" && v.Name != "" {
		return &canonical.ToolChoice{Mode: canonical.ToolChoiceTool, Name: v.Name}, nil
	}
	switch v.Type {
	case "auto":
		return &canonical.ToolChoice{Mode: canonical.ToolChoiceAuto}, nil
	case "none":
		return &canonical.ToolChoice{Mode: canonical.ToolChoiceNone}, nil
	case "required":
		return &canonical.ToolChoice{Mode: canonical.ToolChoiceAny}, nil
	case "function":
		if strings.TrimSpace(v.Function.Name) == "" {
			return nil, invalid(ErrUnsupportedMessageShape, "tool_choice.function missing name")
		}
		return &canonical.ToolChoice{Mode: canonical.ToolChoiceTool, Name: v.Function.Name}, nil
	default:
		return nil, invalid(ErrUnsupportedMessageShape, "unsupported tool_choice type %q", v.Type)
	}
}

// EncodeOpenAIRequest renders req as a shape B body addressed to the
// upstream model. Tool results become tool-role messages placed ahead of any
// other content of the same turn.
func EncodeOpenAIRequest(req *canonical.Request, model string) ([]byte, error) {
	out := openaiproto.ChatCompletionsRequest{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}
	if req.Stream {
		out.StreamOptions = &openaiproto.StreamOptions{IncludeUsage: true}
	}
	if len(req.Stop) > 0 {
		out.Stop = mustJSON(req.Stop)
	}

	for _, m := range req.Messages {
		out.Messages = append(out.Messages, encodeOpenAIMessages(m)...)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openaiproto.Tool{
			Type: "function",
			Function: openaiproto.FunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  toolParameters(t.Parameters),
			},
		})
	}
	if tc := req.ToolChoice; tc != nil {
		switch tc.Mode {
		case canonical.ToolChoiceAuto:
			out.ToolChoice = json.RawMessage(`"auto"`)
		case canonical.ToolChoiceNone:
			out.ToolChoice = json.RawMessage(`"none"`)
		case canonical.ToolChoiceAny:
			out.ToolChoice = json.RawMessage(`"required"`)
		case canonical.ToolChoiceTool:
			out.ToolChoice = mustJSON(map[string]any{"type": "function", "function": map[string]any{"name": tc.Name}})
		}
	}
	return json.Marshal(out)
}

func encodeOpenAIMessages(m canonical.Message) []openaiproto.Message {
	var (
		parts     []openaiproto.ContentPart
		hasImage  bool
		textParts []string
		reasoning []string
		toolCalls []openaiproto.ToolCall
		results   []openaiproto.Message
	)
	for _, b := range m.Content {
		switch v := b.(type) {
		case canonical.Text:
			textParts = append(textParts, v.Text)
			parts = append(parts, openaiproto.ContentPart{Type: "text", Text: v.Text})
		case canonical.Thinking:
			reasoning = append(reasoning, v.Text)
		case canonical.Image:
			u := v.Data
			if v.Source != "url" {
				u = "data:" + v.MediaType + ";base64," + v.Data
			}
			parts = append(parts, openaiproto.ContentPart{Type: "image_url", ImageURL: &openaiproto.ImageURL{URL: u}})
			hasImage = true
		case canonical.ToolUse:
			args := v.Arguments
			if strings.TrimSpace(args) == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, openaiproto.ToolCall{
				ID:       v.ID,
				Type:     "function",
				Function: openaiproto.FunctionCall{Name: v.Name, Arguments: args},
			})
		case canonical.ToolResult:
			content := v.Content
			if v.IsError && content == "" {
				content = "error"
			}
			results = append(results, openaiproto.Message{Role: "tool", ToolCallID: v.ToolUseID, Content: mustJSON(content)})
		}
	}

	var content json.RawMessage
	switch {
	case hasImage:
		content = mustJSON(parts)
	case len(textParts) > 0:
		content = mustJSON(strings.Join(textParts, ""))
	}

	out := results
	switch m.Role {
	case canonical.RoleSystem:
		if content != nil {
			out = append(out, openaiproto.Message{Role: "system", Content: content})
		}
	case canonical.RoleAssistant:
		// reasoning_content is the de facto field for thinking on shape B
		// upstreams; others ignore it.
		think := strings.Join(reasoning, "")
		if content == nil && len(toolCalls) == 0 && think == "" {
			break
		}
		msg := openaiproto.Message{Role: "assistant", Content: content, ToolCalls: toolCalls, ReasoningContent: think}
		if content == nil {
			msg.Content = json.RawMessage(`null`)
		}
		out = append(out, msg)
	default:
		if content != nil {
			out = append(out, openaiproto.Message{Role: "user", Content: content})
		}
	}
	return out
}

// DecodeOpenAIResponse parses a non-streaming shape B upstream body.
func DecodeOpenAIResponse(body []byte) (*canonical.Response, error) {
	var cc openaiproto.ChatCompletion
	if err := json.Unmarshal(body, &cc); err != nil {
		return nil, shapeErr("malformed chat completion: %v", err)
	}
	if len(cc.Choices) == 0 {
		return nil, shapeErr("chat completion has no choices")
	}
	choice := cc.Choices[0]
	resp := &canonical.Response{ID: cc.ID, Model: cc.Model, StopReason: canonical.StopEndTurn}
	if choice.FinishReason != nil {
		resp.StopReason = StopReasonFromFinish(*choice.FinishReason)
	}
	if cc.Usage != nil {
		resp.Usage = canonical.Usage{InputTokens: cc.Usage.PromptTokens, OutputTokens: cc.Usage.CompletionTokens}
	}

	msg := choice.Message
	if msg.ReasoningContent != "" {
		resp.Content = append(resp.Content, canonical.Thinking{Text: msg.ReasoningContent})
	}
	if text := openAIContentText(msg.Content); text != "" {
		resp.Content = append(resp.Content, canonical.Text{Text: text})
	}
	for _, tc := range msg.ToolCalls {
		resp.Content = append(resp.Content, canonical.ToolUse{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}
	if fc := msg.FunctionCall; fc != nil && fc.Name != "" {
		resp.Content = append(resp.Content, canonical.ToolUse{ID: legacyCallPrefix + fc.Name, Name: fc.Name, Arguments: fc.Arguments})
	}
	return resp, nil
}

// EncodeOpenAIResponse renders resp for a shape B caller under the model
// name the caller asked for.
func EncodeOpenAIResponse(resp *canonical.Response, model string) ([]byte, error) {
	id := resp.ID
	if !strings.HasPrefix(id, "chatcmpl") {
		id = "chatcmpl-" + uuid.NewString()
	}
	msg := openaiproto.Message{Role: "assistant"}
	var text, reasoning strings.Builder
	for _, b := range resp.Content {
		switch v := b.(type) {
		case canonical.Text:
			text.WriteString(v.Text)
		case canonical.Thinking:
			reasoning.WriteString(v.Text)
		case canonical.ToolUse:
			args := v.Arguments
			if strings.TrimSpace(args) == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, openaiproto.ToolCall{
				ID:       v.ID,
				Type:     "function",
				Function: openaiproto.FunctionCall{Name: v.Name, Arguments: args},
			})
		}
	}
	if text.Len() > 0 {
		msg.Content = mustJSON(text.String())
	} else {
		msg.Content = json.RawMessage(`null`)
	}
	msg.ReasoningContent = reasoning.String()

	finish := FinishReason(resp.StopReason)
	out := openaiproto.ChatCompletion{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openaiproto.Choice{{Index: 0, Message: msg, FinishReason: &finish}},
		Usage: &openaiproto.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	return json.Marshal(out)
}
