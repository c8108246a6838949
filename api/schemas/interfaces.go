package schemas

import (
	"context"
)

// -- Device Interfaces --

// Actuator executes physical commands on a single device. Implementations
// classify failures: wrap retryable ones with Transient and return
// ErrActionRejected when the device refused a command without side effects.
type Actuator interface {
	CaptureScreenshot(ctx context.Context) ([]byte, error)
	ScreenSize(ctx context.Context) (Size, error)
	Tap(ctx context.Context, x, y int) error
	Swipe(ctx context.Context, x1, y1, x2, y2 int, durationMs int) error
	TypeText(ctx context.Context, text string) error
	PressBack(ctx context.Context) error
	PressHome(ctx context.Context) error
	PressRecent(ctx context.Context) error
	LaunchApp(ctx context.Context, ref string) error
	// Close releases the device handle. It is called exactly once, at task finalization.
	Close() error
}

// UITreeSource is optionally implemented by an Actuator that can dump the view hierarchy.
type UITreeSource interface {
	CaptureUITree(ctx context.Context) (*UINode, error)
}

// -- Model Interfaces --

// Predictor is the opaque model endpoint. It returns the raw response text.
type Predictor interface {
	Predict(ctx context.Context, req PredictRequest) (string, error)
}

// -- Tool Interfaces --

// PromptHandler is the abstract human on the other side of ask_user.
type PromptHandler interface {
	// PromptUser blocks until an answer arrives, ctx ends, or the user cancels
	// (ErrUserCancelled).
	PromptUser(ctx context.Context, question string) (string, error)
	// Notify delivers an answer action's text to the user.
	Notify(ctx context.Context, text string) error
}

// Tool is a named external capability reachable through mcp_call.
type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// -- Store Interface --

// TrajectoryStore persists trajectories. Every Save writes the whole document,
// so a later Save fully replaces an earlier checkpoint.
type TrajectoryStore interface {
	Save(ctx context.Context, traj *Trajectory) error
	Load(ctx context.Context, taskID string) (*Trajectory, error)
	// SaveScreenshot stores the PNG for a step once and returns its reference.
	SaveScreenshot(ctx context.Context, taskID string, index int, png []byte) (string, error)
	// Location reports where the trajectory of taskID lives, for user-facing summaries.
	Location(taskID string) string
}
