// File: api/schemas/observation.go
package schemas

import "time"

// -- Observation Schemas --

// Size is a device screen size in pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Valid reports whether both dimensions are positive.
func (s Size) Valid() bool {
	return s.Width > 0 && s.Height > 0
}

// UINode is one element of an optional accessibility/view hierarchy.
type UINode struct {
	Class       string    `json:"class,omitempty"`
	Text        string    `json:"text,omitempty"`
	ResourceID  string    `json:"resource_id,omitempty"`
	ContentDesc string    `json:"content_desc,omitempty"`
	Bounds      [4]int    `json:"bounds"`
	Clickable   bool      `json:"clickable,omitempty"`
	Children    []*UINode `json:"children,omitempty"`
}

// Observation is the state snapshot handed to the predictor for one step.
type Observation struct {
	Screenshot    []byte    `json:"-"`
	ScreenshotRef string    `json:"screenshot_ref,omitempty"`
	Screen        Size      `json:"screen"`
	UITree        *UINode   `json:"ui_tree,omitempty"`
	StepCount     int       `json:"step_count"`
	MaxSteps      int       `json:"max_steps"`
	Timestamp     time.Time `json:"timestamp"`

	// ToolResult is the outcome of the previous step's tool action, if any.
	ToolResult *ToolResult `json:"tool_result,omitempty"`

	// ScreenUnchanged is set when the screenshot fingerprint matches the one taken
	// before the last actuator-bound dispatch.
	ScreenUnchanged bool `json:"screen_unchanged,omitempty"`
	// Reused is set when the screenshot was carried over from the previous
	// observation instead of being recaptured.
	Reused            bool   `json:"reused,omitempty"`
	LastDispatchError string `json:"last_dispatch_error,omitempty"`
	Fingerprint       uint64 `json:"fingerprint,omitempty"`
}

// ToolResult is the outcome of an ask_user, mcp_call or answer action.
type ToolResult struct {
	ToolName string `json:"tool"`
	Success  bool   `json:"success"`
	Payload  any    `json:"payload,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Tool result error codes.
const (
	ToolErrTimeout      = "Timeout"
	ToolErrNotFound     = "ToolNotFound"
	ToolErrInvocation   = "ToolInvocationFailed"
	ToolErrInvalidInput = "InvalidInput"
)

// Prediction is the parsed output of one predictor call.
type Prediction struct {
	Rationale string `json:"rationale"`
	Action    Action `json:"-"`
	Raw       string `json:"-"`
}

// PredictRequest carries everything the predictor sees for one call.
type PredictRequest struct {
	Instruction string
	Observation Observation
	History     []TrajectoryStep
	// Feedback describes why the previous answer for this same observation was rejected.
	Feedback string
	Tools    []ToolSpec
}

// ToolSpec describes a registered external tool to the predictor.
type ToolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}
