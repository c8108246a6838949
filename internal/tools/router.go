// File: internal/tools/router.go
package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/phonepilot/api/schemas"
	"github.com/xkilldash9x/phonepilot/internal/metrics"
)

// Options holds the router's timeouts.
type Options struct {
	AskTimeout  time.Duration
	ToolTimeout time.Duration
}

// Router executes the actions that never reach the device: ask_user, mcp_call and answer.
type Router struct {
	handler  schemas.PromptHandler
	registry *Registry
	opts     Options
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewRouter creates a Router. A zero AskTimeout defaults to two minutes.
func NewRouter(handler schemas.PromptHandler, registry *Registry, opts Options, m *metrics.Metrics, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.AskTimeout <= 0 {
		opts.AskTimeout = 120 * time.Second
	}
	return &Router{
		handler:  handler,
		registry: registry,
		opts:     opts,
		metrics:  m,
		logger:   logger.Named("tools"),
	}
}

// IsToolAction reports whether a belongs to the router rather than the dispatcher.
func IsToolAction(a schemas.Action) bool {
	switch a.(type) {
	case schemas.AskUser, schemas.McpCall, schemas.Answer:
		return true
	}
	return false
}

// Route runs a tool action. Tool failures, including timeouts and unknown
// tools, are reported in the ToolResult. An error is returned only when the
// user cancelled the task or ctx itself ended.
func (r *Router) Route(ctx context.Context, a schemas.Action) (schemas.ToolResult, error) {
	var (
		res schemas.ToolResult
		err error
	)
	switch act := a.(type) {
	case schemas.AskUser:
		res, err = r.ask(ctx, act)
	case schemas.McpCall:
		res, err = r.call(ctx, act)
	case schemas.Answer:
		res, err = r.answer(ctx, act)
	default:
		return schemas.ToolResult{}, fmt.Errorf("action %s is not a tool action", a.Kind())
	}
	if err == nil {
		r.metrics.IncToolCall(res.ToolName, res.Success)
	}
	return res, err
}

func (r *Router) ask(ctx context.Context, act schemas.AskUser) (schemas.ToolResult, error) {
	res := schemas.ToolResult{ToolName: string(schemas.KindAskUser)}
	if r.handler == nil {
		res.Error = schemas.ToolErrInvocation + ": no prompt handler configured"
		return res, nil
	}

	askCtx, cancel := context.WithTimeout(ctx, r.opts.AskTimeout)
	defer cancel()

	r.logger.Info("Asking user", zap.String("question", act.Question))
	reply, err := r.handler.PromptUser(askCtx, act.Question)
	switch {
	case err == nil:
		res.Success = true
		res.Payload = reply
		return res, nil
	case errors.Is(err, schemas.ErrUserCancelled):
		res.Error = "Cancelled"
		return res, schemas.ErrUserCancelled
	case ctx.Err() != nil:
		return res, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		r.logger.Warn("User did not answer in time", zap.Duration("timeout", r.opts.AskTimeout))
		res.Error = schemas.ToolErrTimeout
		return res, nil
	default:
		res.Error = fmt.Sprintf("%s: %v", schemas.ToolErrInvocation, err)
		return res, nil
	}
}

func (r *Router) call(ctx context.Context, act schemas.McpCall) (schemas.ToolResult, error) {
	res := schemas.ToolResult{ToolName: act.Tool}
	tool, ok := r.registry.Get(act.Tool)
	if !ok {
		r.logger.Warn("Predictor called an unknown tool", zap.String("tool", act.Tool))
		res.Error = schemas.ToolErrNotFound
		return res, nil
	}

	callCtx := ctx
	if r.opts.ToolTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.opts.ToolTimeout)
		defer cancel()
	}

	start := time.Now()
	payload, err := tool.Execute(callCtx, act.Args)
	r.logger.Debug("Tool executed",
		zap.String("tool", act.Tool),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err))
	switch {
	case err == nil:
		res.Success = true
		res.Payload = payload
	case ctx.Err() != nil:
		return res, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		res.Error = schemas.ToolErrTimeout
	default:
		res.Error = fmt.Sprintf("%s: %v", schemas.ToolErrInvocation, err)
	}
	return res, nil
}

func (r *Router) answer(ctx context.Context, act schemas.Answer) (schemas.ToolResult, error) {
	res := schemas.ToolResult{ToolName: string(schemas.KindAnswer), Payload: act.Text}
	if r.handler != nil {
		if err := r.handler.Notify(ctx, act.Text); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			r.logger.Warn("Failed to deliver answer", zap.Error(err))
			res.Error = fmt.Sprintf("%s: %v", schemas.ToolErrInvocation, err)
			return res, nil
		}
	}
	res.Success = true
	return res, nil
}
