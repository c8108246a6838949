// File: internal/predictor/adapter.go
package predictor

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/phonepilot/api/schemas"
	"github.com/xkilldash9x/phonepilot/internal/metrics"
	"github.com/xkilldash9x/phonepilot/internal/retry"
)

// AdapterOptions tunes an Adapter.
type AdapterOptions struct {
	// Timeout bounds a single predictor call; retries get a fresh budget.
	Timeout time.Duration
	// HistoryWindow is how many of the most recent steps are sent for context.
	HistoryWindow int
	// RepairJSON enables repair of malformed action JSON before rejecting it.
	RepairJSON bool
	// Limiter throttles outgoing calls. Nil disables throttling.
	Limiter *rate.Limiter
	Tools   []schemas.ToolSpec
}

// Input is one prediction request from the loop.
type Input struct {
	Instruction string
	Observation schemas.Observation
	History     []schemas.TrajectoryStep
	Feedback    string
}

// Adapter calls the external predictor under timeout, rate limit and retry
// policy, then parses the reply into a Prediction.
type Adapter struct {
	predictor schemas.Predictor
	governor  *retry.Governor
	opts      AdapterOptions
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewAdapter creates an Adapter around a predictor backend.
func NewAdapter(p schemas.Predictor, governor *retry.Governor, opts AdapterOptions, m *metrics.Metrics, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		predictor: p,
		governor:  governor,
		opts:      opts,
		metrics:   m,
		logger:    logger.Named("predictor"),
	}
}

// Predict asks for the next action. Transport failures that survive the retry
// policy come back as a PredictionError TaskError; a reply that cannot be turned
// into an action comes back as a *schemas.ParseError.
func (a *Adapter) Predict(ctx context.Context, in Input) (schemas.Prediction, error) {
	req := schemas.PredictRequest{
		Instruction: in.Instruction,
		Observation: in.Observation,
		History:     window(in.History, a.opts.HistoryWindow),
		Feedback:    in.Feedback,
		Tools:       a.opts.Tools,
	}

	start := time.Now()
	var raw string
	_, err := a.governor.Do(ctx, retry.CategoryPredict, func(ctx context.Context) error {
		if a.opts.Limiter != nil {
			if err := a.opts.Limiter.Wait(ctx); err != nil {
				return err
			}
		}
		callCtx := ctx
		if a.opts.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, a.opts.Timeout)
			defer cancel()
		}
		text, err := a.predictor.Predict(callCtx, req)
		if err != nil {
			return err
		}
		raw = text
		return nil
	})
	a.metrics.ObservePredict(time.Since(start), err)
	if err != nil {
		if ctx.Err() != nil {
			return schemas.Prediction{}, ctx.Err()
		}
		return schemas.Prediction{}, schemas.NewTaskError(schemas.ErrKindPrediction, "predict", err)
	}

	pred, err := ParseResponse(raw, a.opts.RepairJSON)
	if err != nil {
		a.logger.Warn("Could not parse predictor response",
			zap.Int("step", in.Observation.StepCount),
			zap.Error(err))
		return pred, err
	}
	a.logger.Debug("Prediction parsed",
		zap.Int("step", in.Observation.StepCount),
		zap.String("action", string(pred.Action.Kind())))
	return pred, nil
}

// window returns the last n steps, or all of them when n <= 0.
func window(steps []schemas.TrajectoryStep, n int) []schemas.TrajectoryStep {
	if n <= 0 || len(steps) <= n {
		return steps
	}
	return steps[len(steps)-n:]
}
