// File: internal/predictor/parse.go
package predictor

import (
	"fmt"
	"strings"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/phonepilot/api/schemas"
	"github.com/xkilldash9x/phonepilot/internal/llmutil"
)

// deviceToolName is the envelope name under which device actions arrive.
const deviceToolName = "mobile_use"

// ParseResponse turns raw predictor text into a Prediction. The rationale comes
// from the <thinking> region and the action from the <tool_call> region; a bare
// or fenced JSON object is accepted when the tags are missing. With repair set,
// malformed JSON is passed through a repair step before it is rejected.
func ParseResponse(raw string, repair bool) (schemas.Prediction, error) {
	pred := schemas.Prediction{Raw: raw}

	if thinking, ok := llmutil.ExtractTagged(raw, "thinking"); ok {
		pred.Rationale = thinking
	} else if i := strings.Index(raw, "<tool_call>"); i > 0 {
		pred.Rationale = strings.TrimSpace(raw[:i])
	}

	payload, ok := llmutil.ExtractTagged(raw, "tool_call")
	if !ok {
		payload, ok = llmutil.ExtractJSONObject(llmutil.StripTagged(raw, "thinking"))
	}
	if !ok || payload == "" {
		return pred, &schemas.ParseError{Reason: "no action payload found", Raw: llmutil.TruncateString(raw, 500)}
	}

	m, err := decodeObject(payload, repair)
	if err != nil {
		return pred, err
	}

	a, err := fromEnvelope(m)
	if err != nil {
		return pred, err
	}
	pred.Action = a
	return pred, nil
}

func decodeObject(payload string, repair bool) (map[string]any, error) {
	obj, err := llmutil.ParseJSONResponse[map[string]any](payload, repair)
	if err != nil {
		return nil, &schemas.ParseError{Reason: "malformed action JSON", Raw: llmutil.TruncateString(payload, 500), Err: err}
	}
	if *obj == nil {
		return nil, &schemas.ParseError{Reason: "action payload is not a JSON object", Raw: payload}
	}
	return *obj, nil
}

// fromEnvelope unwraps {"name": ..., "arguments": {...}}. The device tool name
// carries a device action; any other name is an external tool call.
func fromEnvelope(m map[string]any) (schemas.Action, error) {
	if _, direct := m["action"]; direct {
		return schemas.DecodeAction(m)
	}
	rawName, hasName := m["name"]
	if !hasName {
		return schemas.DecodeAction(m)
	}
	name, ok := rawName.(string)
	if !ok || name == "" {
		return nil, &schemas.ParseError{Reason: fmt.Sprintf("tool call name must be a non-empty string, got %T", rawName)}
	}

	var args map[string]any
	switch v := m["arguments"].(type) {
	case nil:
	case map[string]any:
		args = v
	case string:
		// Some servers double-encode arguments.
		if err := json.Unmarshal([]byte(v), &args); err != nil {
			return nil, &schemas.ParseError{Reason: "arguments string is not a JSON object", Raw: v, Err: err}
		}
	default:
		return nil, &schemas.ParseError{Reason: fmt.Sprintf("arguments must be an object, got %T", v)}
	}

	if name == deviceToolName {
		if args == nil {
			return nil, &schemas.ParseError{Reason: "mobile_use call without arguments"}
		}
		return schemas.DecodeAction(args)
	}
	return schemas.McpCall{Tool: name, Args: args}, nil
}
