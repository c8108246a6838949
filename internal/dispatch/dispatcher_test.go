package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/phonepilot/api/schemas"
	"github.com/xkilldash9x/phonepilot/internal/dispatch"
	"github.com/xkilldash9x/phonepilot/internal/mocks"
	"github.com/xkilldash9x/phonepilot/internal/retry"
)

var screen = schemas.Size{Width: 1080, Height: 1920}

func pt(x, y float64) *schemas.Point { return &schemas.Point{X: x, Y: y} }

func newDispatcher(act schemas.Actuator, maxRetries int, opts dispatch.Options) *dispatch.Dispatcher {
	gov := retry.NewGovernor(zap.NewNop(), map[retry.Category]retry.Policy{
		retry.CategoryDispatch: {MaxRetries: maxRetries, BaseDelay: time.Millisecond, Multiplier: 1},
	}, nil)
	return dispatch.New(act, gov, opts, nil, zap.NewNop())
}

func TestDispatch_DeviceActions(t *testing.T) {
	t.Parallel()
	five := 500
	testCases := []struct {
		name   string
		action schemas.Action
		setup  func(m *mocks.MockActuator)
		pixels []int
	}{
		{
			name:   "tap centre",
			action: schemas.Tap{At: pt(0.5, 0.5)},
			setup:  func(m *mocks.MockActuator) { m.On("Tap", mock.Anything, 540, 960).Return(nil).Once() },
			pixels: []int{540, 960},
		},
		{
			name:   "tap bottom right corner",
			action: schemas.Tap{At: pt(1, 1)},
			setup:  func(m *mocks.MockActuator) { m.On("Tap", mock.Anything, 1079, 1919).Return(nil).Once() },
			pixels: []int{1079, 1919},
		},
		{
			name:   "long press uses default duration",
			action: schemas.LongPress{At: pt(0.1, 0.1)},
			setup: func(m *mocks.MockActuator) {
				m.On("Swipe", mock.Anything, 108, 192, 108, 192, 1000).Return(nil).Once()
			},
			pixels: []int{108, 192},
		},
		{
			name:   "swipe with duration",
			action: schemas.Swipe{Start: pt(0.5, 0.7), End: pt(0.5, 0.3), Duration: &five},
			setup: func(m *mocks.MockActuator) {
				m.On("Swipe", mock.Anything, 540, 1344, 540, 576, 500).Return(nil).Once()
			},
			pixels: []int{540, 1344, 540, 576},
		},
		{
			name:   "type",
			action: schemas.Type{Text: "hello"},
			setup:  func(m *mocks.MockActuator) { m.On("TypeText", mock.Anything, "hello").Return(nil).Once() },
		},
		{
			name:   "back",
			action: schemas.SystemButton{Button: schemas.ButtonBack},
			setup:  func(m *mocks.MockActuator) { m.On("PressBack", mock.Anything).Return(nil).Once() },
		},
		{
			name:   "home",
			action: schemas.SystemButton{Button: schemas.ButtonHome},
			setup:  func(m *mocks.MockActuator) { m.On("PressHome", mock.Anything).Return(nil).Once() },
		},
		{
			name:   "recent",
			action: schemas.SystemButton{Button: schemas.ButtonRecent},
			setup:  func(m *mocks.MockActuator) { m.On("PressRecent", mock.Anything).Return(nil).Once() },
		},
		{
			name:   "open",
			action: schemas.Open{AppRef: "com.android.settings"},
			setup: func(m *mocks.MockActuator) {
				m.On("LaunchApp", mock.Anything, "com.android.settings").Return(nil).Once()
			},
		},
		{
			name:   "double tap",
			action: schemas.CustomAction{Name: "double_tap", Params: map[string]any{"coordinate": []any{0.5, 0.5}}},
			setup:  func(m *mocks.MockActuator) { m.On("Tap", mock.Anything, 540, 960).Return(nil).Twice() },
		},
		{
			name:   "note",
			action: schemas.CustomAction{Name: "note", Params: map[string]any{"text": "cart has 2 items"}},
			setup:  func(m *mocks.MockActuator) {},
		},
		{
			name:   "finish never touches the device",
			action: schemas.Finish{Reason: "done", Outcome: schemas.OutcomeSuccess},
			setup:  func(m *mocks.MockActuator) {},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			act := new(mocks.MockActuator)
			tc.setup(act)
			d := newDispatcher(act, 2, dispatch.Options{})

			res, retries, err := d.Dispatch(context.Background(), tc.action, screen)
			require.NoError(t, err)
			assert.True(t, res.Success)
			assert.Zero(t, retries)
			assert.Equal(t, tc.pixels, res.Pixels)
			act.AssertExpectations(t)
		})
	}
}

func TestDispatch_TransientErrorsExhaustRetries(t *testing.T) {
	t.Parallel()
	act := new(mocks.MockActuator)
	act.On("Tap", mock.Anything, 540, 960).Return(schemas.Transient(errors.New("device busy"))).Times(3)

	d := newDispatcher(act, 2, dispatch.Options{})
	res, retries, err := d.Dispatch(context.Background(), schemas.Tap{At: pt(0.5, 0.5)}, screen)
	require.Error(t, err)
	assert.Equal(t, schemas.ErrKindDispatch, schemas.KindOf(err))
	assert.False(t, res.Success)
	assert.Equal(t, 2, retries)
	assert.Contains(t, res.Error, "device busy")
	act.AssertExpectations(t)
}

func TestDispatch_TransientThenSuccess(t *testing.T) {
	t.Parallel()
	act := new(mocks.MockActuator)
	act.On("PressHome", mock.Anything).Return(schemas.Transient(errors.New("device offline"))).Once()
	act.On("PressHome", mock.Anything).Return(nil).Once()

	d := newDispatcher(act, 2, dispatch.Options{})
	res, retries, err := d.Dispatch(context.Background(), schemas.SystemButton{Button: schemas.ButtonHome}, screen)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, retries)
}

func TestDispatch_RejectedIsNonFatal(t *testing.T) {
	t.Parallel()
	act := new(mocks.MockActuator)
	act.On("LaunchApp", mock.Anything, "nope").Return(fmt.Errorf("no activities found: %w", schemas.ErrActionRejected)).Once()

	d := newDispatcher(act, 2, dispatch.Options{})
	res, retries, err := d.Dispatch(context.Background(), schemas.Open{AppRef: "nope"}, screen)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, schemas.ErrKindDispatch, res.ErrorKind)
	assert.Zero(t, retries)
	act.AssertNumberOfCalls(t, "LaunchApp", 1)
}

func TestDispatch_FatalError(t *testing.T) {
	t.Parallel()
	act := new(mocks.MockActuator)
	act.On("TypeText", mock.Anything, "x").Return(errors.New("adb: not installed")).Once()

	d := newDispatcher(act, 2, dispatch.Options{})
	_, _, err := d.Dispatch(context.Background(), schemas.Type{Text: "x"}, screen)
	assert.Equal(t, schemas.ErrKindDispatch, schemas.KindOf(err))
	act.AssertNumberOfCalls(t, "TypeText", 1)
}

func TestDispatch_ToolKindsAreRejected(t *testing.T) {
	t.Parallel()
	d := newDispatcher(new(mocks.MockActuator), 0, dispatch.Options{})
	for _, a := range []schemas.Action{
		schemas.AskUser{Question: "?"},
		schemas.McpCall{Tool: "weather"},
		schemas.Answer{Text: "42"},
		schemas.UnknownAction{Name: "pinch"},
		schemas.CustomAction{Name: "unregistered"},
	} {
		_, _, err := d.Dispatch(context.Background(), a, screen)
		assert.Error(t, err, "%T", a)
	}
}

func TestDispatch_InFlightCommandSurvivesCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	act := new(mocks.MockActuator)
	act.On("Tap", mock.Anything, 540, 960).
		Run(func(args mock.Arguments) {
			cancel()
			assert.NoError(t, args.Get(0).(context.Context).Err(), "actuator context must not be cancelled mid-command")
		}).
		Return(nil).Once()

	d := newDispatcher(act, 0, dispatch.Options{Timeout: time.Second})
	res, _, err := d.Dispatch(ctx, schemas.Tap{At: pt(0.5, 0.5)}, screen)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestDispatch_WaitIsCappedAndCancellable(t *testing.T) {
	t.Parallel()
	d := newDispatcher(new(mocks.MockActuator), 0, dispatch.Options{MaxWait: 20 * time.Millisecond})

	long := 60.0
	start := time.Now()
	res, _, err := d.Dispatch(context.Background(), schemas.Wait{Seconds: &long}, screen)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Less(t, time.Since(start), 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = d.Dispatch(ctx, schemas.Wait{Seconds: &long}, screen)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDispatch_WaitBeyondDurationRangeStillWaitsMaxWait(t *testing.T) {
	t.Parallel()
	maxWait := 20 * time.Millisecond
	d := newDispatcher(new(mocks.MockActuator), 0, dispatch.Options{MaxWait: maxWait})

	for _, secs := range []float64{1e10, 1e300, math.Inf(1)} {
		secs := secs
		start := time.Now()
		res, _, err := d.Dispatch(context.Background(), schemas.Wait{Seconds: &secs}, screen)
		require.NoError(t, err)
		assert.True(t, res.Success)
		elapsed := time.Since(start)
		assert.GreaterOrEqual(t, elapsed, maxWait, "wait of %g seconds must sleep the cap", secs)
		assert.Less(t, elapsed, 5*time.Second)
	}
}

func TestDispatch_WaitDefaultsToBoundedCap(t *testing.T) {
	t.Parallel()
	d := newDispatcher(new(mocks.MockActuator), 0, dispatch.Options{})

	huge := 1e12
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, _, err := d.Dispatch(ctx, schemas.Wait{Seconds: &huge}, screen)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "an unset cap still produces a real, cancellable sleep")
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestDispatch_DoubleTapWithoutCoordinateIsNonFatal(t *testing.T) {
	t.Parallel()
	act := new(mocks.MockActuator)
	d := newDispatcher(act, 0, dispatch.Options{})
	res, _, err := d.Dispatch(context.Background(), schemas.CustomAction{Name: "double_tap"}, screen)
	require.NoError(t, err)
	assert.False(t, res.Success)
	act.AssertNotCalled(t, "Tap", mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatcher_NamesAndHelpers(t *testing.T) {
	t.Parallel()
	d := newDispatcher(new(mocks.MockActuator), 0, dispatch.Options{SettleDelay: 500 * time.Millisecond})
	d.Register("pinch_out", func(context.Context, schemas.Actuator, map[string]any, schemas.Size) error { return nil })

	assert.Equal(t, []string{"double_tap", "note", "pinch_out"}, d.Names())
	assert.Equal(t, 500*time.Millisecond, d.SettleDelay())
	assert.True(t, d.IsActuatorBound(schemas.Tap{}))
	assert.False(t, d.IsActuatorBound(schemas.Wait{}))
	assert.False(t, d.IsActuatorBound(schemas.Finish{}))
	assert.False(t, d.IsActuatorBound(schemas.AskUser{}))
}

func TestDispatcher_LocalCustomActionsAreNotActuatorBound(t *testing.T) {
	t.Parallel()
	act := new(mocks.MockActuator)
	d := newDispatcher(act, 0, dispatch.Options{})
	d.RegisterLocal("bookmark", func(context.Context, schemas.Actuator, map[string]any, schemas.Size) error { return nil })

	assert.True(t, d.IsActuatorBound(schemas.CustomAction{Name: "double_tap"}))
	assert.False(t, d.IsActuatorBound(schemas.CustomAction{Name: "note"}))
	assert.False(t, d.IsActuatorBound(schemas.CustomAction{Name: "bookmark"}))
	assert.False(t, d.IsActuatorBound(schemas.CustomAction{Name: "unregistered"}))

	// Re-registering as a device handler makes it actuator-bound again.
	d.Register("bookmark", func(context.Context, schemas.Actuator, map[string]any, schemas.Size) error { return nil })
	assert.True(t, d.IsActuatorBound(schemas.CustomAction{Name: "bookmark"}))

	res, _, err := d.Dispatch(context.Background(), schemas.CustomAction{Name: "note", Params: map[string]any{"text": "price is 12"}}, screen)
	require.NoError(t, err)
	assert.True(t, res.Success)
	act.AssertExpectations(t)
}
