// File: internal/trajectory/recorder.go
package trajectory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/phonepilot/api/schemas"
)

// ErrAlreadyFinalized is returned when a finished trajectory is modified.
var ErrAlreadyFinalized = errors.New("trajectory already finalized")

// Options tunes a Recorder.
type Options struct {
	// CheckpointEvery persists the trajectory after every N appended steps. Zero disables checkpoints.
	CheckpointEvery int
	SaveScreenshots bool
}

// Recorder owns the trajectory of one task. It is used by a single goroutine,
// the execution loop, and is not safe for concurrent use.
type Recorder struct {
	store     schemas.TrajectoryStore
	traj      *schemas.Trajectory
	opts      Options
	finalized bool
	logger    *zap.Logger
}

// NewRecorder starts a running trajectory.
func NewRecorder(store schemas.TrajectoryStore, taskID, instruction string, opts Options, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		store: store,
		traj: &schemas.Trajectory{
			FormatVersion: schemas.TrajectoryFormatVersion,
			TaskID:        taskID,
			Instruction:   instruction,
			Status:        schemas.StatusRunning,
			CreatedAt:     time.Now().UTC(),
			Steps:         []schemas.TrajectoryStep{},
		},
		opts:   opts,
		logger: logger.Named("trajectory").With(zap.String("task_id", taskID)),
	}
}

// Trajectory returns a snapshot that the caller may read freely.
func (r *Recorder) Trajectory() *schemas.Trajectory {
	return r.traj.Clone()
}

// Len is the number of recorded steps.
func (r *Recorder) Len() int { return len(r.traj.Steps) }

// Finalized reports whether Finalize has run.
func (r *Recorder) Finalized() bool { return r.finalized }

// Location is where the trajectory artifact lives.
func (r *Recorder) Location() string {
	if r.store == nil {
		return ""
	}
	return r.store.Location(r.traj.TaskID)
}

// SaveScreenshot stores the PNG for step index and returns its reference.
// Failures are logged and produce an empty reference.
func (r *Recorder) SaveScreenshot(ctx context.Context, index int, png []byte) string {
	if r.store == nil || !r.opts.SaveScreenshots || len(png) == 0 {
		return ""
	}
	ref, err := r.store.SaveScreenshot(ctx, r.traj.TaskID, index, png)
	if err != nil {
		r.logger.Warn("Failed to store screenshot", zap.Int("step", index), zap.Error(err))
		return ""
	}
	r.traj.LastObservationRef = ref
	return ref
}

// SetAnswer records an answer delivered to the user.
func (r *Recorder) SetAnswer(text string) {
	r.traj.Answer = text
}

// Append adds the next step. Indices are 1-based and contiguous. A checkpoint
// is written when the cadence is reached; checkpoint failures are logged only.
func (r *Recorder) Append(ctx context.Context, step schemas.TrajectoryStep) error {
	if r.finalized {
		return ErrAlreadyFinalized
	}
	want := len(r.traj.Steps) + 1
	if step.Index != want {
		return fmt.Errorf("step index %d out of order, expected %d", step.Index, want)
	}
	r.traj.Steps = append(r.traj.Steps, step)

	if r.opts.CheckpointEvery > 0 && len(r.traj.Steps)%r.opts.CheckpointEvery == 0 {
		if err := r.Checkpoint(ctx); err != nil {
			r.logger.Warn("Checkpoint failed", zap.Int("steps", len(r.traj.Steps)), zap.Error(err))
		}
	}
	return nil
}

// Checkpoint persists the trajectory as it stands.
func (r *Recorder) Checkpoint(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.Save(ctx, r.traj); err != nil {
		return schemas.NewTaskError(schemas.ErrKindPersistence, "checkpoint", err)
	}
	r.logger.Debug("Checkpoint written", zap.Int("steps", len(r.traj.Steps)))
	return nil
}

// Finalize sets the terminal status and persists the trajectory. It may run once.
// Persistence ignores ctx cancellation so a cancelled task is still written.
func (r *Recorder) Finalize(ctx context.Context, status schemas.TaskStatus, reason string, kind schemas.ErrorKind, cause error) error {
	if r.finalized {
		return ErrAlreadyFinalized
	}
	if !status.Terminal() {
		return fmt.Errorf("cannot finalize with non-terminal status %q", status)
	}
	r.finalized = true

	now := time.Now().UTC()
	r.traj.Status = status
	r.traj.FinishedAt = &now
	r.traj.TerminalReason = reason
	r.traj.ErrorKind = kind
	if cause != nil {
		r.traj.Error = cause.Error()
	}

	if r.store == nil {
		return nil
	}
	if err := r.store.Save(context.WithoutCancel(ctx), r.traj); err != nil {
		r.logger.Error("Failed to persist final trajectory", zap.Error(err))
		return schemas.NewTaskError(schemas.ErrKindPersistence, "finalize", err)
	}
	r.logger.Info("Trajectory finalized",
		zap.String("status", string(status)),
		zap.Int("steps", len(r.traj.Steps)),
		zap.String("location", r.Location()))
	return nil
}
