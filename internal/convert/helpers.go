package convert

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"portbroker/internal/canonical"
	"portbroker/internal/gwerr"
)

var ErrUnsupportedMessageShape = errors.New("unsupported message shape")
var ErrUnsupportedContentPart = errors.New("unsupported content part")

func invalid(base error, format string, args ...any) error {
	return gwerr.Wrap(gwerr.KindSchemaValidation, base, format, args...)
}

func shapeErr(format string, args ...any) error {
	return gwerr.New(gwerr.KindUpstreamShape, format, args...)
}

var defaultToolParameters = json.RawMessage(`{"type":"object","properties":{}}`)

func toolParameters(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return defaultToolParameters
	}
	return raw
}

// ArgumentsObject returns args as a JSON object. Truncated or sloppy model
// output is repaired; text that cannot be repaired into an object becomes {}.
func ArgumentsObject(args string) json.RawMessage {
	args = strings.TrimSpace(args)
	if args == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(args)) && strings.HasPrefix(args, "{") {
		return json.RawMessage(args)
	}
	repaired, err := jsonrepair.JSONRepair(args)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	repaired = strings.TrimSpace(repaired)
	if !json.Valid([]byte(repaired)) || !strings.HasPrefix(repaired, "{") {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(repaired)
}

func parseDataImageURL(u string) (mediaType string, data string, ok bool) {
	u = strings.TrimSpace(u)
	if !strings.HasPrefix(u, "data:image/") {
		return "", "", false
	}
	parts := strings.SplitN(u, ",", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	meta := parts[0]
	data = parts[1]
	if !strings.Contains(meta, ";base64") {
		return "", "", false
	}
	mt := strings.TrimPrefix(meta, "data:")
	mt = strings.TrimSuffix(mt, ";base64")
	mt = strings.TrimSpace(mt)
	if mt == "" || data == "" {
		return "", "", false
	}
	return mt, data, true
}

func rawIsNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}

func rawIsString(raw json.RawMessage) bool {
	return strings.HasPrefix(strings.TrimSpace(string(raw)), `"`)
}

// stringOrStrings decodes a field that may be a bare string or a list.
func stringOrStrings(raw json.RawMessage) ([]string, error) {
	if rawIsNull(raw) {
		return nil, nil
	}
	if rawIsString(raw) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return []string{s}, nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("expected string or array of strings: %w", err)
	}
	return out, nil
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// StopReasonFromFinish maps a shape B finish_reason onto the IR.
func StopReasonFromFinish(reason string) canonical.StopReason {
	switch reason {
	case "length":
		return canonical.StopMaxTokens
	case "tool_calls", "function_call":
		return canonical.StopToolUse
	case "content_filter":
		return canonical.StopContentFilter
	default:
		return canonical.StopEndTurn
	}
}

// FinishReason maps an IR stop reason onto shape B's finish_reason.
func FinishReason(r canonical.StopReason) string {
	switch r {
	case canonical.StopMaxTokens:
		return "length"
	case canonical.StopToolUse:
		return "tool_calls"
	case canonical.StopContentFilter:
		return "content_filter"
	default:
		return "stop"
	}
}

// StopReasonFromAnthropic normalizes a shape A stop_reason.
func StopReasonFromAnthropic(reason string) canonical.StopReason {
	switch reason {
	case "max_tokens":
		return canonical.StopMaxTokens
	case "tool_use":
		return canonical.StopToolUse
	case "stop_sequence":
		return canonical.StopSequence
	case "refusal", "content_filter":
		return canonical.StopContentFilter
	default:
		return canonical.StopEndTurn
	}
}

// AnthropicStopReason renders an IR stop reason for shape A callers, which
// have no content_filter value.
func AnthropicStopReason(r canonical.StopReason) string {
	switch r {
	case canonical.StopContentFilter:
		return "refusal"
	case "":
		return string(canonical.StopEndTurn)
	default:
		return string(r)
	}
}
