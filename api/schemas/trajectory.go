// File: api/schemas/trajectory.go
package schemas

import (
	"encoding/json"
	"time"
)

// -- Trajectory Schemas --

// TrajectoryFormatVersion is bumped whenever the persisted layout changes.
const TrajectoryFormatVersion = 1

// TaskStatus is the lifecycle state of a trajectory.
type TaskStatus string

const (
	StatusRunning   TaskStatus = "running"
	StatusSuccess   TaskStatus = "success"
	StatusFailed    TaskStatus = "failed"
	StatusTimeout   TaskStatus = "timeout"
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status ends a task.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// DispatchResult is the outcome of executing one action.
type DispatchResult struct {
	Success   bool          `json:"success"`
	Duration  time.Duration `json:"duration_ns"`
	Error     string        `json:"error,omitempty"`
	ErrorKind ErrorKind     `json:"error_kind,omitempty"`
	// Pixels holds the device coordinates actually sent, for coordinate-bearing actions.
	Pixels []int `json:"pixels,omitempty"`
}

// StepTimestamps groups the wall clock marks of a step.
type StepTimestamps struct {
	PredictStartedAt  time.Time  `json:"predict_started_at"`
	PredictEndedAt    time.Time  `json:"predict_ended_at"`
	DispatchStartedAt *time.Time `json:"dispatch_started_at,omitempty"`
	DispatchEndedAt   *time.Time `json:"dispatch_ended_at,omitempty"`
}

// TrajectoryStep records one completed loop iteration.
type TrajectoryStep struct {
	Index          int
	ObservationRef string
	Rationale      string
	Action         Action
	DispatchResult *DispatchResult
	ToolResult     *ToolResult
	Timestamps     StepTimestamps
	RetryCount     int
	// Repredictions counts rejected predictor answers before this step's action was accepted.
	Repredictions int
}

type stepWire struct {
	Index          int             `json:"index"`
	ObservationRef string          `json:"observation_ref,omitempty"`
	Rationale      string          `json:"rationale"`
	Action         json.RawMessage `json:"action"`
	DispatchResult *DispatchResult `json:"dispatch_result,omitempty"`
	ToolResult     *ToolResult     `json:"tool_result,omitempty"`
	Timestamps     StepTimestamps  `json:"timestamps"`
	RetryCount     int             `json:"retry_count"`
	Repredictions  int             `json:"repredictions,omitempty"`
}

// MarshalJSON writes the action in its flat wire form.
func (s TrajectoryStep) MarshalJSON() ([]byte, error) {
	raw, err := MarshalAction(s.Action)
	if err != nil {
		return nil, err
	}
	return json.Marshal(stepWire{
		Index:          s.Index,
		ObservationRef: s.ObservationRef,
		Rationale:      s.Rationale,
		Action:         raw,
		DispatchResult: s.DispatchResult,
		ToolResult:     s.ToolResult,
		Timestamps:     s.Timestamps,
		RetryCount:     s.RetryCount,
		Repredictions:  s.Repredictions,
	})
}

// UnmarshalJSON decodes a persisted step, including its action.
func (s *TrajectoryStep) UnmarshalJSON(data []byte) error {
	var w stepWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*s = TrajectoryStep{
		Index:          w.Index,
		ObservationRef: w.ObservationRef,
		Rationale:      w.Rationale,
		DispatchResult: w.DispatchResult,
		ToolResult:     w.ToolResult,
		Timestamps:     w.Timestamps,
		RetryCount:     w.RetryCount,
		Repredictions:  w.Repredictions,
	}
	if len(w.Action) == 0 || string(w.Action) == "null" {
		return nil
	}
	a, err := UnmarshalAction(w.Action)
	if err != nil {
		return err
	}
	s.Action = a
	return nil
}

// Trajectory is the persisted record of a whole task.
type Trajectory struct {
	FormatVersion      int              `json:"format_version"`
	TaskID             string           `json:"task_id"`
	Instruction        string           `json:"instruction"`
	Status             TaskStatus       `json:"status"`
	CreatedAt          time.Time        `json:"created_at"`
	FinishedAt         *time.Time       `json:"finished_at,omitempty"`
	TerminalReason     string           `json:"terminal_reason,omitempty"`
	ErrorKind          ErrorKind        `json:"error_kind,omitempty"`
	Error              string           `json:"error,omitempty"`
	Answer             string           `json:"answer,omitempty"`
	LastObservationRef string           `json:"last_observation_ref,omitempty"`
	Steps              []TrajectoryStep `json:"steps"`
}

// Clone returns a copy whose step slice can be appended to independently.
func (t *Trajectory) Clone() *Trajectory {
	if t == nil {
		return nil
	}
	c := *t
	c.Steps = append([]TrajectoryStep(nil), t.Steps...)
	return &c
}

// Summary is what a finished task reports to its caller.
type Summary struct {
	TaskID         string        `json:"task_id"`
	Status         TaskStatus    `json:"status"`
	StepCount      int           `json:"step_count"`
	Duration       time.Duration `json:"duration_ns"`
	TerminalReason string        `json:"terminal_reason,omitempty"`
	ErrorKind      ErrorKind     `json:"error_kind,omitempty"`
	Error          string        `json:"error,omitempty"`
	ArtifactPath   string        `json:"artifact_path,omitempty"`
	Answer         string        `json:"answer,omitempty"`
}
