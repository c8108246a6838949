// File: internal/dispatch/dispatcher.go
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/phonepilot/api/schemas"
	"github.com/xkilldash9x/phonepilot/internal/geometry"
	"github.com/xkilldash9x/phonepilot/internal/metrics"
	"github.com/xkilldash9x/phonepilot/internal/retry"
)

// Options tunes a Dispatcher.
type Options struct {
	// Timeout bounds one actuator call. Each retry gets a fresh budget.
	Timeout     time.Duration
	SettleDelay time.Duration
	DefaultWait time.Duration
	MaxWait     time.Duration
	LongPressMs int
	SwipeMs     int
}

const defaultMaxWait = 30 * time.Second

// CustomHandler executes a registered custom action against the device.
type CustomHandler func(ctx context.Context, act schemas.Actuator, params map[string]any, screen schemas.Size) error

// Dispatcher turns validated actions into actuator commands.
type Dispatcher struct {
	actuator schemas.Actuator
	governor *retry.Governor
	opts     Options
	custom   map[string]CustomHandler
	// local holds custom actions that never touch the device.
	local    map[string]bool
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// New creates a Dispatcher with the built-in custom actions registered.
func New(actuator schemas.Actuator, governor *retry.Governor, opts Options, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DefaultWait <= 0 {
		opts.DefaultWait = 2 * time.Second
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = defaultMaxWait
	}
	if opts.LongPressMs <= 0 {
		opts.LongPressMs = 1000
	}
	if opts.SwipeMs <= 0 {
		opts.SwipeMs = 300
	}
	d := &Dispatcher{
		actuator: actuator,
		governor: governor,
		opts:     opts,
		custom:   make(map[string]CustomHandler),
		local:    make(map[string]bool),
		metrics:  m,
		logger:   logger.Named("dispatch"),
	}
	d.Register("double_tap", doubleTap)
	d.RegisterLocal("note", func(context.Context, schemas.Actuator, map[string]any, schemas.Size) error { return nil })
	return d
}

// Register adds or replaces a custom action handler that drives the device.
func (d *Dispatcher) Register(name string, h CustomHandler) {
	d.custom[name] = h
	delete(d.local, name)
}

// RegisterLocal adds or replaces a custom action handler that leaves the
// device alone, so no settle delay or screen-change check follows it.
func (d *Dispatcher) RegisterLocal(name string, h CustomHandler) {
	d.custom[name] = h
	d.local[name] = true
}

// Names lists the registered custom actions, sorted.
func (d *Dispatcher) Names() []string {
	names := make([]string, 0, len(d.custom))
	for n := range d.custom {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SettleDelay is how long the loop waits after an actuator command before observing.
func (d *Dispatcher) SettleDelay() time.Duration {
	return d.opts.SettleDelay
}

// IsActuatorBound reports whether dispatching a touches the device.
func (d *Dispatcher) IsActuatorBound(a schemas.Action) bool {
	switch act := a.(type) {
	case schemas.Tap, schemas.LongPress, schemas.Swipe, schemas.Type,
		schemas.SystemButton, schemas.Open:
		return true
	case schemas.CustomAction:
		_, ok := d.custom[act.Name]
		return ok && !d.local[act.Name]
	}
	return false
}

// Dispatch executes one validated action. It returns the result, the number of
// retries spent, and an error only when the task cannot continue.
//
// A command the device refuses (schemas.ErrActionRejected) or a custom handler's
// validation failure comes back as an unsuccessful result with a nil error.
func (d *Dispatcher) Dispatch(ctx context.Context, a schemas.Action, screen schemas.Size) (schemas.DispatchResult, int, error) {
	start := time.Now()
	var (
		retries int
		err     error
		pixels  = geometry.Pixels(a, screen)
	)

	switch a.(type) {
	case schemas.Tap, schemas.LongPress, schemas.Swipe:
		if pixels == nil {
			return schemas.DispatchResult{}, 0, schemas.NewTaskError(schemas.ErrKindDispatch, "dispatch",
				fmt.Errorf("%s dispatched without coordinates", a.Kind()))
		}
	}

	switch act := a.(type) {
	case schemas.Tap:
		retries, err = d.call(ctx, func(c context.Context) error {
			return d.actuator.Tap(c, pixels[0], pixels[1])
		})

	case schemas.LongPress:
		ms := d.opts.LongPressMs
		if act.Duration != nil {
			ms = *act.Duration
		}
		retries, err = d.call(ctx, func(c context.Context) error {
			return d.actuator.Swipe(c, pixels[0], pixels[1], pixels[0], pixels[1], ms)
		})

	case schemas.Swipe:
		ms := d.opts.SwipeMs
		if act.Duration != nil {
			ms = *act.Duration
		}
		retries, err = d.call(ctx, func(c context.Context) error {
			return d.actuator.Swipe(c, pixels[0], pixels[1], pixels[2], pixels[3], ms)
		})

	case schemas.Type:
		retries, err = d.call(ctx, func(c context.Context) error {
			return d.actuator.TypeText(c, act.Text)
		})

	case schemas.SystemButton:
		retries, err = d.call(ctx, func(c context.Context) error {
			switch act.Button {
			case schemas.ButtonBack:
				return d.actuator.PressBack(c)
			case schemas.ButtonHome:
				return d.actuator.PressHome(c)
			case schemas.ButtonRecent:
				return d.actuator.PressRecent(c)
			}
			return fmt.Errorf("unsupported button %q", act.Button)
		})

	case schemas.Open:
		retries, err = d.call(ctx, func(c context.Context) error {
			return d.actuator.LaunchApp(c, act.AppRef)
		})

	case schemas.Wait:
		err = d.wait(ctx, act)

	case schemas.Finish:
		// Terminal marker only.

	case schemas.CustomAction:
		h, ok := d.custom[act.Name]
		if !ok {
			return schemas.DispatchResult{}, 0, schemas.NewTaskError(schemas.ErrKindDispatch, "dispatch",
				fmt.Errorf("no handler registered for custom action %q", act.Name))
		}
		retries, err = d.call(ctx, func(c context.Context) error {
			return h(c, d.actuator, act.Params, screen)
		})

	case schemas.AskUser, schemas.McpCall, schemas.Answer:
		return schemas.DispatchResult{}, 0, schemas.NewTaskError(schemas.ErrKindDispatch, "dispatch",
			fmt.Errorf("%s is routed to the tool router, not the device", a.Kind()))

	default:
		return schemas.DispatchResult{}, 0, schemas.NewTaskError(schemas.ErrKindDispatch, "dispatch",
			fmt.Errorf("action %v cannot be dispatched", a))
	}

	elapsed := time.Since(start)
	d.metrics.ObserveDispatch(string(a.Kind()), elapsed, err)
	res := schemas.DispatchResult{Success: err == nil, Duration: elapsed, Pixels: pixels}
	if err == nil {
		d.logger.Debug("Action dispatched",
			zap.String("action", schemas.DescribeAction(a)),
			zap.Ints("pixels", pixels),
			zap.Duration("duration", elapsed))
		return res, retries, nil
	}

	res.Error = err.Error()
	res.ErrorKind = schemas.ErrKindDispatch

	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return res, retries, ctxErr
	}
	var verr *schemas.ValidationError
	if errors.Is(err, schemas.ErrActionRejected) || errors.As(err, &verr) {
		d.logger.Warn("Device rejected action",
			zap.String("action", schemas.DescribeAction(a)),
			zap.Error(err))
		return res, retries, nil
	}
	return res, retries, schemas.NewTaskError(schemas.ErrKindDispatch, "dispatch", err)
}

// call runs one actuator operation under the dispatch retry policy. The
// operation itself is detached from cancellation so a gesture already sent to
// the device is allowed to complete.
func (d *Dispatcher) call(ctx context.Context, op func(context.Context) error) (int, error) {
	return d.governor.Do(ctx, retry.CategoryDispatch, func(ctx context.Context) error {
		callCtx := context.WithoutCancel(ctx)
		if d.opts.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(callCtx, d.opts.Timeout)
			defer cancel()
		}
		return op(callCtx)
	})
}

func (d *Dispatcher) wait(ctx context.Context, w schemas.Wait) error {
	dur := d.opts.DefaultWait
	if w.Seconds != nil {
		// Clamp before converting; large values overflow time.Duration.
		secs := math.Min(*w.Seconds, d.opts.MaxWait.Seconds())
		if math.IsNaN(secs) || secs <= 0 {
			return nil
		}
		dur = time.Duration(secs * float64(time.Second))
	}
	dur = min(dur, d.opts.MaxWait)
	if dur <= 0 {
		return nil
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func doubleTap(ctx context.Context, act schemas.Actuator, params map[string]any, screen schemas.Size) error {
	p, err := schemas.PointParam(params, "coordinate")
	if err != nil {
		return err
	}
	if p == nil || !p.InUnitSquare() {
		return &schemas.ValidationError{Field: "coordinate", Reason: "double_tap requires a coordinate in [0,1]x[0,1]"}
	}
	x, y := geometry.ToPixels(*p, screen)
	if err := act.Tap(ctx, x, y); err != nil {
		return err
	}
	return act.Tap(ctx, x, y)
}
