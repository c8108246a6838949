// File: internal/agent/models.go
package agent

import (
	"time"

	"github.com/xkilldash9x/phonepilot/api/schemas"
)

// State is the phase of the execution loop.
type State string

const (
	StateInit      State = "INIT"
	StateRunning   State = "RUNNING"
	StateSuccess   State = "SUCCESS"
	StateFailed    State = "FAILED"
	StateTimeout   State = "TIMEOUT"
	StateCancelled State = "CANCELLED"
)

// Terminal reports whether the loop has stopped.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateFailed, StateTimeout, StateCancelled:
		return true
	}
	return false
}

func stateFor(status schemas.TaskStatus) State {
	switch status {
	case schemas.StatusSuccess:
		return StateSuccess
	case schemas.StatusTimeout:
		return StateTimeout
	case schemas.StatusCancelled:
		return StateCancelled
	case schemas.StatusRunning:
		return StateRunning
	}
	return StateFailed
}

// AskTimeoutPolicy decides what an unanswered ask_user does to the task.
type AskTimeoutPolicy string

const (
	// AskTimeoutFail records the step and fails the task with ErrKindTimeout.
	AskTimeoutFail AskTimeoutPolicy = "fail"
	// AskTimeoutContinue only reports the timeout in the next observation.
	AskTimeoutContinue AskTimeoutPolicy = "continue"
)

// Options are the loop's budgets and switches.
type Options struct {
	// TaskID overrides the generated task identifier.
	TaskID           string
	MaxSteps         int
	MaxRepredictions int
	SettleDelay      time.Duration
	CheckpointEvery  int
	SaveScreenshots  bool
	CaptureUITree    bool
	// ScreenChangeCheck flags observations whose screenshot did not change
	// after an actuator-bound dispatch.
	ScreenChangeCheck bool
	AskTimeoutPolicy  AskTimeoutPolicy
}

// EventSink receives progress notifications. Calls happen on the loop's
// goroutine, so implementations must not block.
type EventSink interface {
	OnStep(taskID string, step schemas.TrajectoryStep)
	OnFinish(summary schemas.Summary)
}

// outcome is how one run of the loop ended.
type outcome struct {
	status schemas.TaskStatus
	reason string
	kind   schemas.ErrorKind
	err    error
}

func terminal(status schemas.TaskStatus, kind schemas.ErrorKind, reason string, err error) outcome {
	return outcome{status: status, reason: reason, kind: kind, err: err}
}
