package convert

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"portbroker/internal/canonical"
	anthropicproto "portbroker/internal/proto/anthropic"
)

// DecodeAnthropicRequest parses a shape A request body into the IR.
func DecodeAnthropicRequest(body []byte) (*canonical.Request, error) {
	var ar anthropicproto.MessageCreateRequest
	if err := json.Unmarshal(body, &ar); err != nil {
		return nil, invalid(ErrUnsupportedMessageShape, "invalid json: %v", err)
	}
	if strings.TrimSpace(ar.Model) == "" || ar.MaxTokens <= 0 {
		return nil, invalid(ErrUnsupportedMessageShape, "model and max_tokens are required")
	}
	if len(ar.Messages) == 0 {
		return nil, invalid(ErrUnsupportedMessageShape, "messages is required")
	}

	maxTokens := ar.MaxTokens
	req := &canonical.Request{
		Model:       ar.Model,
		TierOrModel: ResolveTier(ar.Model),
		MaxTokens:   &maxTokens,
		Temperature: ar.Temperature,
		TopP:        ar.TopP,
		Stop:        ar.StopSeqs,
		Stream:      ar.Stream,
	}

	sys, err := anthropicSystemText(ar.System)
	if err != nil {
		return nil, err
	}
	if sys != "" {
		req.Messages = append(req.Messages, canonical.Message{
			Role:    canonical.RoleSystem,
			Content: []canonical.Block{canonical.Text{Text: sys}},
		})
	}

	for i, m := range ar.Messages {
		role := canonical.Role(strings.TrimSpace(m.Role))
		if role != canonical.RoleUser && role != canonical.RoleAssistant {
			return nil, invalid(ErrUnsupportedMessageShape, "messages[%d]: unsupported role %q", i, m.Role)
		}
		blocks, err := decodeAnthropicContent(m.Content)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, canonical.Message{Role: role, Content: blocks})
	}

	for _, t := range ar.Tools {
		if strings.TrimSpace(t.Name) == "" {
			return nil, invalid(ErrUnsupportedMessageShape, "tool missing name")
		}
		req.Tools = append(req.Tools, canonical.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  toolParameters(t.InputSchema),
		})
	}

	if ar.ToolChoice != nil {
		tc, err := anthropicToolChoice(ar.ToolChoice)
		if err != nil {
			return nil, err
		}
		req.ToolChoice = tc
	}
	return req, nil
}

func anthropicSystemText(raw json.RawMessage) (string, error) {
	if rawIsNull(raw) {
		return "", nil
	}
	if rawIsString(raw) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", invalid(ErrUnsupportedMessageShape, "invalid system: %v", err)
		}
		return s, nil
	}
	var blocks []anthropicproto.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", invalid(ErrUnsupportedMessageShape, "system must be a string or text blocks")
	}
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type != "text" {
			return "", invalid(ErrUnsupportedContentPart, "unsupported system block type %q", b.Type)
		}
		parts = append(parts, b.Text)
	}
	return strings.Join(parts, "\n"), nil
}

func decodeAnthropicContent(raw json.RawMessage) ([]canonical.Block, error) {
	if rawIsNull(raw) {
		return nil, nil
	}
	if rawIsString(raw) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, invalid(ErrUnsupportedMessageShape, "invalid content: %v", err)
		}
		return []canonical.Block{canonical.Text{Text: s}}, nil
	}
	var blocks []anthropicproto.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, invalid(ErrUnsupportedMessageShape, "content must be a string or an array of blocks")
	}
	out := make([]canonical.Block, 0, len(blocks))
	for _, b := range blocks {
		blk, err := decodeAnthropicBlock(b)
		if err != nil {
			return nil, err
		}
		if blk != nil {
			out = append(out, blk)
		}
	}
	return out, nil
}

func decodeAnthropicBlock(b anthropicproto.ContentBlock) (canonical.Block, error) {
	switch b.Type {
	case "text":
		return canonical.Text{Text: b.Text}, nil
	case "image":
		if b.Source == nil {
			return nil, invalid(ErrUnsupportedContentPart, "image block missing source")
		}
		switch b.Source.Type {
		case "base64":
			if b.Source.MediaType == "" || b.Source.Data == "" {
				return nil, invalid(ErrUnsupportedContentPart, "base64 image missing media_type/data")
			}
			return canonical.Image{Source: "base64", MediaType: b.Source.MediaType, Data: b.Source.Data}, nil
		case "url":
			if strings.TrimSpace(b.Source.URL) == "" {
				return nil, invalid(ErrUnsupportedContentPart, "url image missing url")
			}
			return canonical.Image{Source: "url", Data: b.Source.URL}, nil
		default:
			return nil, invalid(ErrUnsupportedContentPart, "unsupported image source type %q", b.Source.Type)
		}
	case "tool_use":
		if strings.TrimSpace(b.ID) == "" || strings.TrimSpace(b.Name) == "" {
			return nil, invalid(ErrUnsupportedMessageShape, "tool_use missing id/name")
		}
		args := "{}"
		if !rawIsNull(b.Input) {
			args = string(b.Input)
		}
		return canonical.ToolUse{ID: b.ID, Name: b.Name, Arguments: args}, nil
	case "tool_result":
		if strings.TrimSpace(b.ToolUseID) == "" {
			return nil, invalid(ErrUnsupportedMessageShape, "tool_result missing tool_use_id")
		}
		return canonical.ToolResult{
			ToolUseID: b.ToolUseID,
			Content:   toolResultText(b.Content),
			IsError:   b.IsError,
		}, nil
	case "thinking":
		return canonical.Thinking{Text: b.Thinking, Signature: b.Signature}, nil
	case "redacted_thinking":
		return nil, nil
	default:
		return nil, invalid(ErrUnsupportedContentPart, "unsupported anthropic block type %q", b.Type)
	}
}

func toolResultText(raw json.RawMessage) string {
	if rawIsNull(raw) {
		return ""
	}
	if rawIsString(raw) {
		var s string
		_ = json.Unmarshal(raw, &s)
		return s
	}
	var blocks []anthropicproto.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	var b strings.Builder
	for _, blk := range blocks {
		if blk.Type == "text" {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

func anthropicToolChoice(tc *anthropicproto.ToolChoice) (*canonical.ToolChoice, error) {
	switch tc.Type {
	case "auto":
		return &canonical.ToolChoice{Mode: canonical.ToolChoiceAuto}, nil
	case "none":
		return &canonical.ToolChoice{Mode: canonical.ToolChoiceNone}, nil
	case "any":
		return &canonical.ToolChoice{Mode: canonical.ToolChoiceAny}, nil
	case "tool":
		if strings.TrimSpace(tc.Name) == "" {
			return nil, invalid(ErrUnsupportedMessageShape, "tool_choice.tool missing name")
		}
		return &canonical.ToolChoice{Mode: canonical.ToolChoiceTool, Name: tc.Name}, nil
	default:
		return nil, invalid(ErrUnsupportedMessageShape, "unsupported tool_choice type %q", tc.Type)
	}
}

// EncodeAnthropicRequest renders req as a shape A body addressed to the
// upstream model. System messages fold into the top-level system field, tool
// results ride in user turns, and adjacent turns of one role are merged.
func EncodeAnthropicRequest(req *canonical.Request, model string) ([]byte, error) {
	out := anthropicproto.MessageCreateRequest{
		Model:       model,
		MaxTokens:   anthropicproto.DefaultMaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		StopSeqs:    req.Stop,
		Stream:      req.Stream,
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		out.MaxTokens = *req.MaxTokens
	}

	var sysParts []string
	type turn struct {
		role   string
		blocks []anthropicproto.ContentBlock
	}
	var turns []turn
	for _, m := range req.Messages {
		if m.Role == canonical.RoleSystem {
			if t := m.PlainText(); t != "" {
				sysParts = append(sysParts, t)
			}
			continue
		}
		role := string(canonical.RoleUser)
		if m.Role == canonical.RoleAssistant {
			role = string(canonical.RoleAssistant)
		}
		blocks := make([]anthropicproto.ContentBlock, 0, len(m.Content))
		for _, b := range m.Content {
			if cb, ok := encodeAnthropicBlock(b); ok {
				blocks = append(blocks, cb)
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if n := len(turns); n > 0 && turns[n-1].role == role {
			turns[n-1].blocks = append(turns[n-1].blocks, blocks...)
			continue
		}
		turns = append(turns, turn{role: role, blocks: blocks})
	}
	if len(sysParts) > 0 {
		out.System = mustJSON(strings.Join(sysParts, "\n"))
	}
	for _, t := range turns {
		out.Messages = append(out.Messages, anthropicproto.Message{Role: t.role, Content: mustJSON(t.blocks)})
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, anthropicproto.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: toolParameters(t.Parameters),
		})
	}
	if req.ToolChoice != nil {
		out.ToolChoice = &anthropicproto.ToolChoice{Type: string(req.ToolChoice.Mode), Name: req.ToolChoice.Name}
	}
	return json.Marshal(out)
}

func encodeAnthropicBlock(b canonical.Block) (anthropicproto.ContentBlock, bool) {
	switch v := b.(type) {
	case canonical.Text:
		if v.Text == "" {
			return anthropicproto.ContentBlock{}, false
		}
		return anthropicproto.ContentBlock{Type: "text", Text: v.Text}, true
	case canonical.Image:
		src := &anthropicproto.ImageSource{Type: v.Source}
		if v.Source == "url" {
			src.URL = v.Data
		} else {
			src.Type = "base64"
			src.MediaType = v.MediaType
			src.Data = v.Data
		}
		return anthropicproto.ContentBlock{Type: "image", Source: src}, true
	case canonical.ToolUse:
		return anthropicproto.ContentBlock{Type: "tool_use", ID: v.ID, Name: v.Name, Input: ArgumentsObject(v.Arguments)}, true
	case canonical.ToolResult:
		return anthropicproto.ContentBlock{
			Type:      "tool_result",
			ToolUseID: v.ToolUseID,
			Content:   mustJSON(v.Content),
			IsError:   v.IsError,
		}, true
	case canonical.Thinking:
		// Unsigned reasoning came from a shape B model and would be rejected.
		if v.Signature == "" {
			return anthropicproto.ContentBlock{}, false
		}
		return anthropicproto.ContentBlock{Type: "thinking", Thinking: v.Text, Signature: v.Signature}, true
	default:
		return anthropicproto.ContentBlock{}, false
	}
}

// DecodeAnthropicResponse parses a non-streaming shape A upstream body.
func DecodeAnthropicResponse(body []byte) (*canonical.Response, error) {
	var mr anthropicproto.MessageResponse
	if err := json.Unmarshal(body, &mr); err != nil {
		return nil, shapeErr("malformed messages response: %v", err)
	}
	if mr.Type != "" && mr.Type != "message" {
		return nil, shapeErr("unexpected response type %q", mr.Type)
	}
	if mr.Content == nil {
		return nil, shapeErr("messages response missing content")
	}
	resp := &canonical.Response{
		ID:    mr.ID,
		Model: mr.Model,
		Usage: canonical.Usage{InputTokens: mr.Usage.InputTokens, OutputTokens: mr.Usage.OutputTokens},
	}
	if mr.StopReason != nil {
		resp.StopReason = StopReasonFromAnthropic(*mr.StopReason)
	} else {
		resp.StopReason = canonical.StopEndTurn
	}
	for _, b := range mr.Content {
		switch b.Type {
		case "text":
			resp.Content = append(resp.Content, canonical.Text{Text: b.Text})
		case "tool_use":
			args := "{}"
			if !rawIsNull(b.Input) {
				args = string(b.Input)
			}
			resp.Content = append(resp.Content, canonical.ToolUse{ID: b.ID, Name: b.Name, Arguments: args})
		case "thinking":
			resp.Content = append(resp.Content, canonical.Thinking{Text: b.Thinking, Signature: b.Signature})
		}
	}
	return resp, nil
}

// EncodeAnthropicResponse renders resp for a shape A caller under the model
// name the caller asked for.
func EncodeAnthropicResponse(resp *canonical.Response, model string) ([]byte, error) {
	id := resp.ID
	if !strings.HasPrefix(id, "msg_") {
		id = "msg_" + uuid.NewString()
	}
	stop := AnthropicStopReason(resp.StopReason)
	out := anthropicproto.MessageResponse{
		ID:         id,
		Type:       "message",
		Role:       "assistant",
		Model:      model,
		Content:    make([]anthropicproto.ContentBlock, 0, len(resp.Content)),
		StopReason: &stop,
		Usage:      anthropicproto.Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens},
	}
	for _, b := range resp.Content {
		switch v := b.(type) {
		case canonical.Text:
			out.Content = append(out.Content, anthropicproto.ContentBlock{Type: "text", Text: v.Text})
		case canonical.Thinking:
			out.Content = append(out.Content, anthropicproto.ContentBlock{Type: "thinking", Thinking: v.Text, Signature: v.Signature})
		case canonical.ToolUse:
			out.Content = append(out.Content, anthropicproto.ContentBlock{
				Type:  "tool_use",
				ID:    v.ID,
				Name:  v.Name,
				Input: ArgumentsObject(v.Arguments),
			})
		}
	}
	return json.Marshal(out)
}
