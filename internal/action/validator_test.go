package action_test

import (
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/phonepilot/api/schemas"
	"github.com/xkilldash9x/phonepilot/internal/action"
)

func ptr[T any](v T) *T { return &v }

func TestValidator_Validate(t *testing.T) {
	t.Parallel()
	v := action.NewValidator("double_tap", "note")

	testCases := []struct {
		name  string
		in    schemas.Action
		field string // empty means valid
	}{
		{"tap ok", schemas.Tap{At: &schemas.Point{X: 0.5, Y: 0.5}}, ""},
		{"tap corner", schemas.Tap{At: &schemas.Point{X: 1, Y: 1}}, ""},
		{"tap missing coordinate", schemas.Tap{}, "coordinate"},
		{"tap out of range", schemas.Tap{At: &schemas.Point{X: 1.2, Y: 0.5}}, "coordinate"},
		{"tap negative", schemas.Tap{At: &schemas.Point{X: 0.2, Y: -0.01}}, "coordinate"},
		{"long press zero duration", schemas.LongPress{At: &schemas.Point{X: 0.2, Y: 0.2}, Duration: ptr(0)}, "duration"},
		{"long press default duration", schemas.LongPress{At: &schemas.Point{X: 0.2, Y: 0.2}}, ""},
		{"swipe ok", schemas.Swipe{Start: &schemas.Point{X: 0, Y: 0}, End: &schemas.Point{X: 1, Y: 1}, Duration: ptr(200)}, ""},
		{"swipe bad end", schemas.Swipe{Start: &schemas.Point{X: 0, Y: 0}, End: &schemas.Point{X: 1, Y: 2}}, "end"},
		{"swipe missing start", schemas.Swipe{End: &schemas.Point{X: 1, Y: 1}}, "start"},
		{"swipe negative duration", schemas.Swipe{Start: &schemas.Point{}, End: &schemas.Point{}, Duration: ptr(-5)}, "duration"},
		{"type empty", schemas.Type{}, "text"},
		{"type ok", schemas.Type{Text: "hi"}, ""},
		{"button bad", schemas.SystemButton{Button: "power"}, "button"},
		{"button ok", schemas.SystemButton{Button: schemas.ButtonRecent}, ""},
		{"open empty", schemas.Open{AppRef: "  "}, "app_ref"},
		{"wait negative", schemas.Wait{Seconds: ptr(-1.0)}, "duration"},
		{"wait default", schemas.Wait{}, ""},
		{"finish ok", schemas.Finish{Reason: "done"}, ""},
		{"finish odd outcome", schemas.Finish{Outcome: "maybe"}, "status"},
		{"ask empty", schemas.AskUser{}, "question"},
		{"ask ok", schemas.AskUser{Question: "Which size?"}, ""},
		{"mcp empty tool", schemas.McpCall{}, "tool"},
		{"answer empty", schemas.Answer{}, "text"},
		{"custom registered", schemas.CustomAction{Name: "double_tap"}, ""},
		{"custom unregistered", schemas.CustomAction{Name: "shake"}, "name"},
		{"unknown kind", schemas.UnknownAction{Name: "teleport"}, "action"},
		{"nil", nil, "action"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Validate(tc.in)
			if tc.field == "" {
				assert.NoError(t, err)
				return
			}
			var ve *schemas.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}
}

func TestDecode(t *testing.T) {
	t.Parallel()

	a, err := action.Decode([]byte(`{"action":"tap","coordinate":[0.5,0.5]}`))
	require.NoError(t, err)
	assert.Equal(t, schemas.Tap{At: &schemas.Point{X: 0.5, Y: 0.5}}, a)

	_, err = action.Decode([]byte(`{"action":"tap",`))
	var pe *schemas.ParseError
	require.ErrorAs(t, err, &pe)

	_, err = action.Decode([]byte(`null`))
	require.ErrorAs(t, err, &pe)
}

type fuzzPayload struct {
	Kind string
	X    float64
	Y    float64
	Text string
}

// FuzzValidate checks that validation never panics and never accepts an
// out-of-range coordinate or an unknown kind.
func FuzzValidate(f *testing.F) {
	f.Add([]byte("tap\x00\x00\x00\x00\x00\x00\xe0\x3f"))
	f.Add([]byte("teleport"))

	v := action.NewValidator("double_tap")

	f.Fuzz(func(t *testing.T, data []byte) {
		var p fuzzPayload
		if err := fuzz.NewConsumer(data).GenerateStruct(&p); err != nil {
			return
		}
		a, err := schemas.DecodeAction(map[string]any{
			"action":     p.Kind,
			"coordinate": []any{p.X, p.Y},
			"text":       p.Text,
			"question":   p.Text,
			"tool":       p.Text,
		})
		if err != nil {
			return
		}
		verr := v.Validate(a)
		if _, unknown := a.(schemas.UnknownAction); unknown && verr == nil {
			t.Fatalf("unknown kind %q passed validation", p.Kind)
		}
		if tap, ok := a.(schemas.Tap); ok && verr == nil && !tap.At.InUnitSquare() {
			t.Fatalf("out-of-range tap accepted: %+v", *tap.At)
		}
	})
}
