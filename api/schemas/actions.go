// File: api/schemas/actions.go
package schemas

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// -- Action Schemas --

// ActionKind is the wire discriminator of an Action ("action" key).
type ActionKind string

const (
	KindTap          ActionKind = "tap"
	KindLongPress    ActionKind = "long_press"
	KindSwipe        ActionKind = "swipe"
	KindType         ActionKind = "type"
	KindSystemButton ActionKind = "system_button"
	KindOpen         ActionKind = "open"
	KindWait         ActionKind = "wait"
	KindFinish       ActionKind = "finish"
	KindAskUser      ActionKind = "ask_user"
	KindMcpCall      ActionKind = "mcp_call"
	KindAnswer       ActionKind = "answer"
	KindCustom       ActionKind = "custom"
)

// KnownKinds lists every enumerated action kind.
var KnownKinds = []ActionKind{
	KindTap, KindLongPress, KindSwipe, KindType, KindSystemButton, KindOpen,
	KindWait, KindFinish, KindAskUser, KindMcpCall, KindAnswer, KindCustom,
}

// ButtonKind names a hardware/system navigation button.
type ButtonKind string

const (
	ButtonBack   ButtonKind = "back"
	ButtonHome   ButtonKind = "home"
	ButtonRecent ButtonKind = "recent"
)

// Finish outcomes. A model may end a task by declaring it could not be done.
const (
	OutcomeSuccess = "success"
	OutcomeFail    = "fail"
)

// Action is the closed set of things the predictor may ask for. Only the
// variants declared in this file implement it.
type Action interface {
	Kind() ActionKind
	isAction()
}

// Point is a normalized screen position, both axes in [0,1].
// It is encoded on the wire as a two element array.
type Point struct {
	X float64
	Y float64
}

// MarshalJSON encodes the point as [x, y].
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{p.X, p.Y})
}

// UnmarshalJSON accepts [x, y] or {"x": .., "y": ..}.
func (p *Point) UnmarshalJSON(data []byte) error {
	var arr []float64
	if err := json.Unmarshal(data, &arr); err == nil {
		if len(arr) != 2 {
			return fmt.Errorf("coordinate must have exactly 2 elements, got %d", len(arr))
		}
		p.X, p.Y = arr[0], arr[1]
		return nil
	}
	var obj struct {
		X *float64 `json:"x"`
		Y *float64 `json:"y"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("coordinate must be [x, y]: %w", err)
	}
	if obj.X == nil || obj.Y == nil {
		return fmt.Errorf("coordinate object requires both x and y")
	}
	p.X, p.Y = *obj.X, *obj.Y
	return nil
}

// InUnitSquare reports whether both axes lie within [0,1].
func (p Point) InUnitSquare() bool {
	return !math.IsNaN(p.X) && !math.IsNaN(p.Y) && p.X >= 0 && p.X <= 1 && p.Y >= 0 && p.Y <= 1
}

// Tap touches a single point.
type Tap struct {
	At *Point
}

// LongPress holds a point. Duration is in milliseconds; nil means the dispatcher default.
type LongPress struct {
	At       *Point
	Duration *int
}

// Swipe drags from Start to End. Duration is in milliseconds.
type Swipe struct {
	Start    *Point
	End      *Point
	Duration *int
}

// Type enters text into the focused field.
type Type struct {
	Text string
}

// SystemButton presses a navigation button.
type SystemButton struct {
	Button ButtonKind
}

// Open launches an app by name or package.
type Open struct {
	AppRef string
}

// Wait pauses for Seconds. Nil means the dispatcher default.
type Wait struct {
	Seconds *float64
}

// Finish ends the task. Outcome is OutcomeSuccess unless the model gave up.
type Finish struct {
	Reason  string
	Outcome string
}

// AskUser blocks on a human answer.
type AskUser struct {
	Question string
}

// McpCall invokes a named external tool.
type McpCall struct {
	Tool string
	Args map[string]any
}

// Answer reports a textual answer back to the user.
type Answer struct {
	Text string
}

// CustomAction is an extension point for dispatcher-registered gestures.
type CustomAction struct {
	Name   string
	Params map[string]any
}

// UnknownAction carries a payload whose kind is not enumerated. It never passes validation.
type UnknownAction struct {
	Name string
	Raw  map[string]any
}

func (Tap) Kind() ActionKind           { return KindTap }
func (LongPress) Kind() ActionKind     { return KindLongPress }
func (Swipe) Kind() ActionKind         { return KindSwipe }
func (Type) Kind() ActionKind          { return KindType }
func (SystemButton) Kind() ActionKind  { return KindSystemButton }
func (Open) Kind() ActionKind          { return KindOpen }
func (Wait) Kind() ActionKind          { return KindWait }
func (Finish) Kind() ActionKind        { return KindFinish }
func (AskUser) Kind() ActionKind       { return KindAskUser }
func (McpCall) Kind() ActionKind       { return KindMcpCall }
func (Answer) Kind() ActionKind        { return KindAnswer }
func (CustomAction) Kind() ActionKind  { return KindCustom }
func (u UnknownAction) Kind() ActionKind { return ActionKind(u.Name) }

func (Tap) isAction()           {}
func (LongPress) isAction()     {}
func (Swipe) isAction()         {}
func (Type) isAction()          {}
func (SystemButton) isAction()  {}
func (Open) isAction()          {}
func (Wait) isAction()          {}
func (Finish) isAction()        {}
func (AskUser) isAction()       {}
func (McpCall) isAction()       {}
func (Answer) isAction()        {}
func (CustomAction) isAction()  {}
func (UnknownAction) isAction() {}

// -- Wire Encoding --

// ActionToMap renders an action into its flat wire form.
func ActionToMap(a Action) map[string]any {
	m := map[string]any{"action": string(a.Kind())}
	switch v := a.(type) {
	case Tap:
		putPoint(m, "coordinate", v.At)
	case LongPress:
		putPoint(m, "coordinate", v.At)
		putInt(m, "duration", v.Duration)
	case Swipe:
		putPoint(m, "start", v.Start)
		putPoint(m, "end", v.End)
		putInt(m, "duration", v.Duration)
	case Type:
		m["text"] = v.Text
	case SystemButton:
		m["button"] = string(v.Button)
	case Open:
		m["app_ref"] = v.AppRef
	case Wait:
		if v.Seconds != nil {
			m["duration"] = *v.Seconds
		}
	case Finish:
		if v.Reason != "" {
			m["reason"] = v.Reason
		}
		if v.Outcome != "" {
			m["status"] = v.Outcome
		}
	case AskUser:
		m["question"] = v.Question
	case McpCall:
		m["tool"] = v.Tool
		m["args"] = v.Args
	case Answer:
		m["text"] = v.Text
	case CustomAction:
		m["name"] = v.Name
		if len(v.Params) > 0 {
			m["params"] = v.Params
		}
	case UnknownAction:
		for k, val := range v.Raw {
			m[k] = val
		}
		m["action"] = v.Name
	}
	return m
}

// MarshalAction encodes an action as its flat wire object.
func MarshalAction(a Action) ([]byte, error) {
	if a == nil {
		return []byte("null"), nil
	}
	return json.Marshal(ActionToMap(a))
}

// UnmarshalAction decodes a flat wire object into an Action.
func UnmarshalAction(data []byte) (Action, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &ParseError{Reason: "action payload is not a JSON object", Raw: string(data), Err: err}
	}
	return DecodeAction(m)
}

// DescribeAction renders a compact human readable form, used in logs and prompts.
func DescribeAction(a Action) string {
	if a == nil {
		return "<nil>"
	}
	b, err := MarshalAction(a)
	if err != nil {
		return string(a.Kind())
	}
	return string(b)
}

func putPoint(m map[string]any, key string, p *Point) {
	if p != nil {
		m[key] = []float64{p.X, p.Y}
	}
}

func putInt(m map[string]any, key string, v *int) {
	if v != nil {
		m[key] = *v
	}
}

// -- Wire Decoding --

// aliasKinds maps spellings produced by models onto enumerated kinds.
var aliasKinds = map[string]ActionKind{
	"tap":           KindTap,
	"click":         KindTap,
	"long_press":    KindLongPress,
	"longpress":     KindLongPress,
	"swipe":         KindSwipe,
	"drag":          KindSwipe,
	"scroll":        KindSwipe,
	"type":          KindType,
	"input_text":    KindType,
	"system_button": KindSystemButton,
	"open":          KindOpen,
	"open_app":      KindOpen,
	"launch":        KindOpen,
	"wait":          KindWait,
	"finish":        KindFinish,
	"terminate":     KindFinish,
	"done":          KindFinish,
	"ask_user":      KindAskUser,
	"mcp_call":      KindMcpCall,
	"answer":        KindAnswer,
	"custom":        KindCustom,
}

// customAliases maps wire kinds onto registered custom action names.
var customAliases = map[string]string{
	"double_click": "double_tap",
	"double_tap":   "double_tap",
	"note":         "note",
}

// swipeTravel is the normalized distance covered by a direction-only swipe.
const swipeTravel = 0.4

// DecodeAction turns a decoded JSON object into an Action. A missing "action" key
// is a *ParseError. An unrecognised kind yields UnknownAction. A recognised kind
// whose fields have the wrong shape yields a *ValidationError.
func DecodeAction(m map[string]any) (Action, error) {
	if m == nil {
		return nil, &ParseError{Reason: "action payload is empty"}
	}
	rawKind, ok := m["action"]
	if !ok {
		return nil, &ParseError{Reason: "missing \"action\" key"}
	}
	name, ok := rawKind.(string)
	if !ok {
		return nil, &ParseError{Reason: fmt.Sprintf("\"action\" must be a string, got %T", rawKind)}
	}
	lower := strings.ToLower(strings.TrimSpace(name))

	switch lower {
	case "back", "home", "recent":
		return SystemButton{Button: ButtonKind(lower)}, nil
	}
	if custom, ok := customAliases[lower]; ok {
		return CustomAction{Name: custom, Params: without(m, "action")}, nil
	}

	kind, ok := aliasKinds[lower]
	if !ok {
		return UnknownAction{Name: name, Raw: m}, nil
	}

	switch kind {
	case KindTap:
		p, err := pointField(m, "coordinate")
		if err != nil {
			return nil, err
		}
		return Tap{At: p}, nil

	case KindLongPress:
		p, err := pointField(m, "coordinate")
		if err != nil {
			return nil, err
		}
		d, err := intField(m, "duration")
		if err != nil {
			return nil, err
		}
		return LongPress{At: p, Duration: d}, nil

	case KindSwipe:
		return decodeSwipe(m)

	case KindType:
		s, err := stringField(m, "text")
		if err != nil {
			return nil, err
		}
		return Type{Text: s}, nil

	case KindSystemButton:
		s, err := stringField(m, "button")
		if err != nil {
			return nil, err
		}
		return SystemButton{Button: ButtonKind(strings.ToLower(s))}, nil

	case KindOpen:
		s, err := firstString(m, "app_ref", "app", "text", "package")
		if err != nil {
			return nil, err
		}
		return Open{AppRef: s}, nil

	case KindWait:
		f, err := floatField(m, "duration")
		if err != nil {
			return nil, err
		}
		return Wait{Seconds: f}, nil

	case KindFinish:
		reason, err := firstString(m, "reason", "text", "message")
		if err != nil {
			return nil, err
		}
		outcome, err := stringField(m, "status")
		if err != nil {
			return nil, err
		}
		outcome = strings.ToLower(outcome)
		switch outcome {
		case "", "success", "succeeded", "done":
			outcome = OutcomeSuccess
		case "fail", "failed", "failure":
			outcome = OutcomeFail
		}
		return Finish{Reason: reason, Outcome: outcome}, nil

	case KindAskUser:
		q, err := firstString(m, "question", "text")
		if err != nil {
			return nil, err
		}
		return AskUser{Question: q}, nil

	case KindMcpCall:
		tool, err := firstString(m, "tool", "name")
		if err != nil {
			return nil, err
		}
		args, err := objectField(m, "args")
		if err != nil {
			return nil, err
		}
		if args == nil {
			args, err = objectField(m, "arguments")
			if err != nil {
				return nil, err
			}
		}
		return McpCall{Tool: tool, Args: args}, nil

	case KindAnswer:
		s, err := stringField(m, "text")
		if err != nil {
			return nil, err
		}
		return Answer{Text: s}, nil

	case KindCustom:
		n, err := stringField(m, "name")
		if err != nil {
			return nil, err
		}
		params, err := objectField(m, "params")
		if err != nil {
			return nil, err
		}
		return CustomAction{Name: n, Params: params}, nil
	}
	return UnknownAction{Name: name, Raw: m}, nil
}

func decodeSwipe(m map[string]any) (Action, error) {
	d, err := intField(m, "duration")
	if err != nil {
		return nil, err
	}
	start, err := pointField(m, "start")
	if err != nil {
		return nil, err
	}
	if start == nil {
		if start, err = pointField(m, "start_coordinate"); err != nil {
			return nil, err
		}
	}
	end, err := pointField(m, "end")
	if err != nil {
		return nil, err
	}
	if end == nil {
		if end, err = pointField(m, "end_coordinate"); err != nil {
			return nil, err
		}
	}
	if start != nil || end != nil {
		return Swipe{Start: start, End: end, Duration: d}, nil
	}

	dir, err := stringField(m, "direction")
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return Swipe{Duration: d}, nil
	}
	anchor, err := pointField(m, "coordinate")
	if err != nil {
		return nil, err
	}
	if anchor == nil {
		anchor = &Point{X: 0.5, Y: 0.5}
	}
	s, e, err := directionalSwipe(*anchor, strings.ToLower(dir))
	if err != nil {
		return nil, err
	}
	return Swipe{Start: &s, End: &e, Duration: d}, nil
}

// directionalSwipe expands a direction into a finger path centred on anchor.
// "up" moves the finger upwards, revealing content further down the page.
func directionalSwipe(anchor Point, dir string) (Point, Point, error) {
	half := swipeTravel / 2
	var dx, dy float64
	switch dir {
	case "up":
		dy = -half
	case "down":
		dy = half
	case "left":
		dx = -half
	case "right":
		dx = half
	default:
		return Point{}, Point{}, &ValidationError{Field: "direction", Reason: fmt.Sprintf("unknown swipe direction %q", dir)}
	}
	start := Point{X: clampUnit(anchor.X - dx), Y: clampUnit(anchor.Y - dy)}
	end := Point{X: clampUnit(anchor.X + dx), Y: clampUnit(anchor.Y + dy)}
	return start, end, nil
}

func clampUnit(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func without(m map[string]any, keys ...string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

// PointParam reads an [x, y] or {x, y} point from custom action params.
// A missing key yields (nil, nil).
func PointParam(params map[string]any, key string) (*Point, error) {
	return pointField(params, key)
}

func pointField(m map[string]any, key string) (*Point, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case []any:
		if len(v) != 2 {
			return nil, &ValidationError{Field: key, Reason: fmt.Sprintf("must have exactly 2 elements, got %d", len(v))}
		}
		x, okX := toFloat(v[0])
		y, okY := toFloat(v[1])
		if !okX || !okY {
			return nil, &ValidationError{Field: key, Reason: "elements must be numeric"}
		}
		return &Point{X: x, Y: y}, nil
	case map[string]any:
		x, okX := toFloat(v["x"])
		y, okY := toFloat(v["y"])
		if !okX || !okY {
			return nil, &ValidationError{Field: key, Reason: "object form requires numeric x and y"}
		}
		return &Point{X: x, Y: y}, nil
	}
	return nil, &ValidationError{Field: key, Reason: fmt.Sprintf("must be [x, y], got %T", raw)}
}

func intField(m map[string]any, key string) (*int, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return nil, nil
	}
	f, ok := toFloat(raw)
	if !ok {
		return nil, &ValidationError{Field: key, Reason: fmt.Sprintf("must be numeric, got %T", raw)}
	}
	i := int(math.Round(f))
	return &i, nil
}

func floatField(m map[string]any, key string) (*float64, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return nil, nil
	}
	f, ok := toFloat(raw)
	if !ok {
		return nil, &ValidationError{Field: key, Reason: fmt.Sprintf("must be numeric, got %T", raw)}
	}
	return &f, nil
}

func stringField(m map[string]any, key string) (string, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", &ValidationError{Field: key, Reason: fmt.Sprintf("must be a string, got %T", raw)}
	}
	return s, nil
}

func firstString(m map[string]any, keys ...string) (string, error) {
	for _, k := range keys {
		s, err := stringField(m, k)
		if err != nil {
			return "", err
		}
		if s != "" {
			return s, nil
		}
	}
	return "", nil
}

func objectField(m map[string]any, key string) (map[string]any, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return nil, nil
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, &ValidationError{Field: key, Reason: fmt.Sprintf("must be an object, got %T", raw)}
	}
	return obj, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// SortedKinds returns the enumerated kinds in lexical order, for stable prompts and errors.
func SortedKinds() []string {
	out := make([]string, 0, len(KnownKinds))
	for _, k := range KnownKinds {
		out = append(out, string(k))
	}
	sort.Strings(out)
	return out
}
