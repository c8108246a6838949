// File: internal/action/validator.go
package action

import (
	"fmt"
	"strings"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/phonepilot/api/schemas"
)

// Validator checks an action's structure before it may reach the dispatcher.
// It has no side effects and never blocks.
type Validator struct {
	custom map[string]struct{}
}

// NewValidator creates a Validator that accepts the given custom action names.
func NewValidator(customNames ...string) *Validator {
	v := &Validator{custom: make(map[string]struct{}, len(customNames))}
	for _, n := range customNames {
		v.custom[n] = struct{}{}
	}
	return v
}

// Validate returns nil or a *schemas.ValidationError naming the offending field.
func (v *Validator) Validate(a schemas.Action) error {
	if a == nil {
		return invalid("action", "no action")
	}
	switch act := a.(type) {
	case schemas.Tap:
		return checkPoint("coordinate", act.At)

	case schemas.LongPress:
		if err := checkPoint("coordinate", act.At); err != nil {
			return err
		}
		return checkDuration(act.Duration)

	case schemas.Swipe:
		if err := checkPoint("start", act.Start); err != nil {
			return err
		}
		if err := checkPoint("end", act.End); err != nil {
			return err
		}
		return checkDuration(act.Duration)

	case schemas.Type:
		if act.Text == "" {
			return invalid("text", "must not be empty")
		}

	case schemas.SystemButton:
		switch act.Button {
		case schemas.ButtonBack, schemas.ButtonHome, schemas.ButtonRecent:
		default:
			return invalid("button", fmt.Sprintf("must be one of back, home, recent; got %q", act.Button))
		}

	case schemas.Open:
		if strings.TrimSpace(act.AppRef) == "" {
			return invalid("app_ref", "must not be empty")
		}

	case schemas.Wait:
		if act.Seconds != nil && *act.Seconds < 0 {
			return invalid("duration", "must not be negative")
		}

	case schemas.Finish:
		switch act.Outcome {
		case "", schemas.OutcomeSuccess, schemas.OutcomeFail:
		default:
			return invalid("status", fmt.Sprintf("must be success or fail; got %q", act.Outcome))
		}

	case schemas.AskUser:
		if strings.TrimSpace(act.Question) == "" {
			return invalid("question", "must not be empty")
		}

	case schemas.McpCall:
		if strings.TrimSpace(act.Tool) == "" {
			return invalid("tool", "must not be empty")
		}

	case schemas.Answer:
		if act.Text == "" {
			return invalid("text", "must not be empty")
		}

	case schemas.CustomAction:
		if _, ok := v.custom[act.Name]; !ok {
			return invalid("name", fmt.Sprintf("custom action %q is not registered", act.Name))
		}

	case schemas.UnknownAction:
		return invalid("action", fmt.Sprintf("unknown action kind %q; expected one of %s",
			act.Name, strings.Join(schemas.SortedKinds(), ", ")))

	default:
		return invalid("action", fmt.Sprintf("unsupported action type %T", a))
	}
	return nil
}

func checkPoint(field string, p *schemas.Point) error {
	if p == nil {
		return invalid(field, "is required")
	}
	if !p.InUnitSquare() {
		return invalid(field, fmt.Sprintf("must lie in [0,1]x[0,1], got [%g, %g]", p.X, p.Y))
	}
	return nil
}

func checkDuration(d *int) error {
	if d != nil && *d <= 0 {
		return invalid("duration", "must be positive")
	}
	return nil
}

func invalid(field, reason string) *schemas.ValidationError {
	return &schemas.ValidationError{Field: field, Reason: reason}
}

// Decode parses a raw action payload such as {"action":"tap","coordinate":[0.5,0.5]}.
func Decode(payload []byte) (schemas.Action, error) {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, &schemas.ParseError{Reason: "malformed action JSON", Raw: string(payload), Err: err}
	}
	return schemas.DecodeAction(m)
}
