// File: internal/agent/agent.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/phonepilot/api/schemas"
	"github.com/xkilldash9x/phonepilot/internal/action"
	"github.com/xkilldash9x/phonepilot/internal/dispatch"
	"github.com/xkilldash9x/phonepilot/internal/metrics"
	"github.com/xkilldash9x/phonepilot/internal/observability"
	"github.com/xkilldash9x/phonepilot/internal/observation"
	"github.com/xkilldash9x/phonepilot/internal/predictor"
	"github.com/xkilldash9x/phonepilot/internal/retry"
	"github.com/xkilldash9x/phonepilot/internal/tools"
	"github.com/xkilldash9x/phonepilot/internal/trajectory"
)

// Deps are the collaborators one task runs against. The Actuator is owned by
// the Agent from New until Run returns, when it is closed.
type Deps struct {
	Actuator   schemas.Actuator
	Governor   *retry.Governor
	Predictor  *predictor.Adapter
	Validator  *action.Validator
	Dispatcher *dispatch.Dispatcher
	Router     *tools.Router
	Store      schemas.TrajectoryStore
	Metrics    *metrics.Metrics
	Events     EventSink
	Logger     *zap.Logger
}

// Agent drives a single task on a single device: observe, predict, validate,
// dispatch, record, until a terminal state is reached.
type Agent struct {
	instruction string
	opts        Options
	deps        Deps

	builder  *observation.Builder
	recorder *trajectory.Recorder
	logger   *zap.Logger

	mu      sync.Mutex
	state   State
	started bool
}

// NewTaskID returns an identifier of the form task_YYYYmmdd_HHMMSS_xxxxxxxx.
func NewTaskID(now time.Time) string {
	return fmt.Sprintf("task_%s_%s", now.Format("20060102_150405"), uuid.New().String()[:8])
}

// New prepares an Agent for one task.
func New(instruction string, opts Options, deps Deps) (*Agent, error) {
	if instruction == "" {
		return nil, errors.New("instruction must not be empty")
	}
	if deps.Actuator == nil || deps.Predictor == nil || deps.Validator == nil || deps.Dispatcher == nil || deps.Governor == nil {
		return nil, errors.New("agent requires an actuator, governor, predictor, validator and dispatcher")
	}
	if opts.MaxSteps <= 0 {
		return nil, fmt.Errorf("max steps must be positive, got %d", opts.MaxSteps)
	}
	if opts.MaxRepredictions < 0 {
		opts.MaxRepredictions = 0
	}
	if opts.AskTimeoutPolicy == "" {
		opts.AskTimeoutPolicy = AskTimeoutFail
	}
	if opts.TaskID == "" {
		opts.TaskID = NewTaskID(time.Now())
	}
	if deps.Router == nil {
		deps.Router = tools.NewRouter(nil, nil, tools.Options{}, deps.Metrics, deps.Logger)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = observability.TaskLogger(logger.Named("agent"), opts.TaskID)

	return &Agent{
		instruction: instruction,
		opts:        opts,
		deps:        deps,
		builder:     observation.NewBuilder(deps.Actuator, deps.Governor, logger, opts.MaxSteps, opts.CaptureUITree),
		recorder: trajectory.NewRecorder(deps.Store, opts.TaskID, instruction, trajectory.Options{
			CheckpointEvery: opts.CheckpointEvery,
			SaveScreenshots: opts.SaveScreenshots,
		}, logger),
		logger: logger,
		state:  StateInit,
	}, nil
}

// TaskID identifies the task.
func (a *Agent) TaskID() string { return a.opts.TaskID }

// State returns the current loop state. Safe for concurrent use.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Trajectory returns a snapshot of the recorded trajectory. It must not be
// called concurrently with Run.
func (a *Agent) Trajectory() *schemas.Trajectory {
	return a.recorder.Trajectory()
}

func (a *Agent) updateState(next State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == next {
		return
	}
	if a.state.Terminal() {
		a.logger.Warn("Attempted to transition out of a terminal state. Ignoring.",
			zap.String("current_state", string(a.state)),
			zap.String("attempted_state", string(next)))
		return
	}
	a.logger.Debug("Loop state transition", zap.String("from", string(a.state)), zap.String("to", string(next)))
	a.state = next
}

// Run executes the task to a terminal state. It may be called once. The
// trajectory is persisted and the actuator closed on every exit path, including
// cancellation and panics. The returned error is non-nil only when the final
// trajectory could not be persisted or Run was misused; the task's own failure
// is reported in the Summary.
func (a *Agent) Run(ctx context.Context) (schemas.Summary, error) {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return schemas.Summary{}, errors.New("agent has already run")
	}
	a.started = true
	a.mu.Unlock()

	start := time.Now()
	a.deps.Metrics.TaskStarted()
	a.logger.Info("Task started",
		zap.String("instruction", a.instruction),
		zap.Int("max_steps", a.opts.MaxSteps))

	out := a.runSafely(ctx)
	return a.finish(ctx, out, time.Since(start))
}

// runSafely converts a panic anywhere in the loop into a failed outcome.
func (a *Agent) runSafely(ctx context.Context) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Panic recovered in execution loop",
				zap.Any("panic_value", r),
				zap.Int("steps", a.recorder.Len()),
				zap.Stack("stack"))
			out = terminal(schemas.StatusFailed, schemas.ErrKindPanic, "internal error", fmt.Errorf("panic: %v", r))
		}
	}()
	return a.loop(ctx)
}

func (a *Agent) loop(ctx context.Context) outcome {
	var (
		hints observation.Hints
		prev  *schemas.Observation
	)
	for {
		// -- Boundary checks --
		if err := ctx.Err(); err != nil {
			return terminal(schemas.StatusCancelled, schemas.ErrKindCancelled, "cancelled", err)
		}
		if a.recorder.Len() >= a.opts.MaxSteps {
			return terminal(schemas.StatusTimeout, schemas.ErrKindBudgetExhausted,
				fmt.Sprintf("reached max steps (%d) without finishing", a.opts.MaxSteps), nil)
		}

		// -- Observe --
		snapshot := a.recorder.Trajectory()
		hints.Previous = prev
		obs, err := a.builder.Build(ctx, snapshot, hints)
		if err != nil {
			if ctx.Err() != nil {
				return terminal(schemas.StatusCancelled, schemas.ErrKindCancelled, "cancelled", ctx.Err())
			}
			return terminal(schemas.StatusFailed, schemas.ErrKindObservation, "could not observe the device", err)
		}
		a.updateState(StateRunning)
		if !obs.Reused {
			obs.ScreenshotRef = a.recorder.SaveScreenshot(ctx, obs.StepCount, obs.Screenshot)
		}

		// -- Predict and validate --
		step := schemas.TrajectoryStep{Index: obs.StepCount, ObservationRef: obs.ScreenshotRef}
		pred, reps, err := a.predict(ctx, obs, snapshot.Steps, &step.Timestamps)
		step.Repredictions = reps
		if err != nil {
			if ctx.Err() != nil {
				return terminal(schemas.StatusCancelled, schemas.ErrKindCancelled, "cancelled", ctx.Err())
			}
			kind := schemas.KindOf(err)
			if kind == "" {
				kind = schemas.ErrKindPrediction
			}
			reason := "predictor failed"
			if kind == schemas.ErrKindParse || kind == schemas.ErrKindValidation {
				reason = fmt.Sprintf("no valid action after %d re-predictions", reps)
			}
			return terminal(schemas.StatusFailed, kind, reason, err)
		}
		step.Rationale = pred.Rationale
		step.Action = pred.Action

		// -- Execute --
		var out *outcome
		if tools.IsToolAction(pred.Action) {
			out, hints = a.route(ctx, &step)
		} else {
			out, hints = a.dispatch(ctx, obs, &step)
		}
		if out != nil && out.status == schemas.StatusCancelled && step.ToolResult == nil && step.DispatchResult == nil {
			return *out
		}

		if err := a.recorder.Append(ctx, step); err != nil {
			return terminal(schemas.StatusFailed, schemas.ErrKindPersistence, "could not record step", err)
		}
		a.deps.Metrics.IncStep(string(step.Action.Kind()))
		if a.deps.Events != nil {
			a.deps.Events.OnStep(a.opts.TaskID, step)
		}
		a.logger.Info("Step recorded",
			zap.Int("step", step.Index),
			zap.String("action", schemas.DescribeAction(step.Action)),
			zap.Int("retries", step.RetryCount),
			zap.Int("repredictions", step.Repredictions))

		if out != nil {
			return *out
		}

		o := obs
		prev = &o
		if a.deps.Dispatcher.IsActuatorBound(step.Action) && step.DispatchResult != nil && step.DispatchResult.Success {
			if err := sleepCtx(ctx, a.opts.SettleDelay); err != nil {
				return terminal(schemas.StatusCancelled, schemas.ErrKindCancelled, "cancelled", err)
			}
		}
	}
}

// predict asks for an action and validates it, re-asking against the same
// observation with feedback while parse or validation errors persist and the
// re-prediction budget lasts. No step slot is consumed by a re-prediction.
func (a *Agent) predict(ctx context.Context, obs schemas.Observation, history []schemas.TrajectoryStep, ts *schemas.StepTimestamps) (schemas.Prediction, int, error) {
	ts.PredictStartedAt = time.Now().UTC()
	defer func() { ts.PredictEndedAt = time.Now().UTC() }()

	feedback := ""
	for attempt := 0; ; attempt++ {
		pred, err := a.deps.Predictor.Predict(ctx, predictor.Input{
			Instruction: a.instruction,
			Observation: obs,
			History:     history,
			Feedback:    feedback,
		})
		if err == nil {
			err = a.deps.Validator.Validate(pred.Action)
		}
		if err == nil {
			return pred, attempt, nil
		}

		kind := schemas.KindOf(err)
		recoverable := kind == schemas.ErrKindParse || kind == schemas.ErrKindValidation
		if !recoverable || attempt >= a.opts.MaxRepredictions {
			return pred, attempt, err
		}
		a.deps.Metrics.IncReprediction()
		a.logger.Warn("Rejected predictor answer, asking again",
			zap.Int("step", obs.StepCount),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		feedback = fmt.Sprintf("Your previous answer was rejected (%v). Reply again with one valid action.", err)
	}
}

// route runs a tool action and fills the step's tool result.
func (a *Agent) route(ctx context.Context, step *schemas.TrajectoryStep) (*outcome, observation.Hints) {
	started := time.Now().UTC()
	res, err := a.deps.Router.Route(ctx, step.Action)
	ended := time.Now().UTC()
	step.Timestamps.DispatchStartedAt = &started
	step.Timestamps.DispatchEndedAt = &ended

	if err != nil {
		reason := "cancelled"
		if errors.Is(err, schemas.ErrUserCancelled) {
			reason = "user cancelled during ask_user"
		}
		out := terminal(schemas.StatusCancelled, schemas.ErrKindCancelled, reason, err)
		return &out, observation.Hints{}
	}
	step.ToolResult = &res

	switch act := step.Action.(type) {
	case schemas.Answer:
		a.recorder.SetAnswer(act.Text)
	case schemas.AskUser:
		if !res.Success && res.Error == schemas.ToolErrTimeout && a.opts.AskTimeoutPolicy == AskTimeoutFail {
			out := terminal(schemas.StatusFailed, schemas.ErrKindTimeout, "no reply to ask_user before the timeout",
				schemas.NewTaskError(schemas.ErrKindTimeout, "ask_user", context.DeadlineExceeded))
			return &out, observation.Hints{}
		}
	}
	if !res.Success {
		a.logger.Warn("Tool action failed",
			zap.String("tool", res.ToolName),
			zap.String("error", res.Error))
	}
	return nil, observation.Hints{PendingTool: &res}
}

// dispatch executes a device, wait, finish or custom action and fills the
// step's dispatch result.
func (a *Agent) dispatch(ctx context.Context, obs schemas.Observation, step *schemas.TrajectoryStep) (*outcome, observation.Hints) {
	started := time.Now().UTC()
	res, retries, err := a.deps.Dispatcher.Dispatch(ctx, step.Action, obs.Screen)
	ended := time.Now().UTC()
	step.Timestamps.DispatchStartedAt = &started
	step.Timestamps.DispatchEndedAt = &ended
	step.RetryCount = retries
	step.DispatchResult = &res

	if err != nil {
		out := terminal(schemas.StatusFailed, schemas.ErrKindDispatch, "dispatch failed", err)
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			out = terminal(schemas.StatusCancelled, schemas.ErrKindCancelled, "cancelled", err)
		}
		return &out, observation.Hints{}
	}

	if fin, ok := step.Action.(schemas.Finish); ok {
		reason := fin.Reason
		if fin.Outcome == schemas.OutcomeFail {
			if reason == "" {
				reason = "agent gave up"
			}
			out := terminal(schemas.StatusFailed, schemas.ErrKindAgentGaveUp, reason, nil)
			return &out, observation.Hints{}
		}
		if reason == "" {
			reason = "task completed"
		}
		out := terminal(schemas.StatusSuccess, "", reason, nil)
		return &out, observation.Hints{}
	}

	bound := a.deps.Dispatcher.IsActuatorBound(step.Action)
	return nil, observation.Hints{
		ReuseScreenshot:   bound && !res.Success,
		CompareScreen:     bound && res.Success && a.opts.ScreenChangeCheck,
		LastDispatchError: res.Error,
	}
}

// finish persists the trajectory, releases the device and reports.
func (a *Agent) finish(ctx context.Context, out outcome, elapsed time.Duration) (schemas.Summary, error) {
	a.updateState(stateFor(out.status))

	persistErr := a.recorder.Finalize(ctx, out.status, out.reason, out.kind, out.err)
	if err := a.deps.Actuator.Close(); err != nil {
		a.logger.Warn("Failed to release device", zap.Error(err))
	}
	a.deps.Metrics.TaskFinished(string(out.status))

	traj := a.recorder.Trajectory()
	summary := schemas.Summary{
		TaskID:         a.opts.TaskID,
		Status:         out.status,
		StepCount:      len(traj.Steps),
		Duration:       elapsed,
		TerminalReason: out.reason,
		ErrorKind:      out.kind,
		ArtifactPath:   a.recorder.Location(),
		Answer:         traj.Answer,
	}
	if out.err != nil {
		summary.Error = out.err.Error()
	}

	fields := []zap.Field{
		zap.String("status", string(out.status)),
		zap.Int("steps", summary.StepCount),
		zap.Duration("duration", elapsed),
		zap.String("reason", out.reason),
	}
	if out.status == schemas.StatusSuccess {
		a.logger.Info("Task finished", fields...)
	} else {
		a.logger.Warn("Task finished", append(fields, zap.String("error_kind", string(out.kind)), zap.Error(out.err))...)
	}
	if a.deps.Events != nil {
		a.deps.Events.OnFinish(summary)
	}
	return summary, persistErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
