// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/phonepilot/api/schemas"
)

// -- Actuator Mock --

// MockActuator mocks the schemas.Actuator interface.
type MockActuator struct {
	mock.Mock
}

func (m *MockActuator) CaptureScreenshot(ctx context.Context) ([]byte, error) {
	args := m.Called(ctx)
	var png []byte
	switch v := args.Get(0).(type) {
	case []byte:
		png = v
	case func(context.Context) []byte:
		png = v(ctx)
	}
	return png, args.Error(1)
}

func (m *MockActuator) ScreenSize(ctx context.Context) (schemas.Size, error) {
	args := m.Called(ctx)
	return args.Get(0).(schemas.Size), args.Error(1)
}

func (m *MockActuator) Tap(ctx context.Context, x, y int) error {
	return m.Called(ctx, x, y).Error(0)
}

func (m *MockActuator) Swipe(ctx context.Context, x1, y1, x2, y2 int, durationMs int) error {
	return m.Called(ctx, x1, y1, x2, y2, durationMs).Error(0)
}

func (m *MockActuator) TypeText(ctx context.Context, text string) error {
	return m.Called(ctx, text).Error(0)
}

func (m *MockActuator) PressBack(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockActuator) PressHome(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockActuator) PressRecent(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockActuator) LaunchApp(ctx context.Context, ref string) error {
	return m.Called(ctx, ref).Error(0)
}

func (m *MockActuator) Close() error {
	return m.Called().Error(0)
}

// MockTreeActuator is a MockActuator that can also dump the UI tree.
type MockTreeActuator struct {
	MockActuator
}

func (m *MockTreeActuator) CaptureUITree(ctx context.Context) (*schemas.UINode, error) {
	args := m.Called(ctx)
	var node *schemas.UINode
	if v := args.Get(0); v != nil {
		node = v.(*schemas.UINode)
	}
	return node, args.Error(1)
}

// -- Predictor Mock --

// MockPredictor mocks the schemas.Predictor interface.
type MockPredictor struct {
	mock.Mock
}

func (m *MockPredictor) Predict(ctx context.Context, req schemas.PredictRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

// -- Tool Mocks --

// MockPromptHandler mocks the schemas.PromptHandler interface.
type MockPromptHandler struct {
	mock.Mock
}

func (m *MockPromptHandler) PromptUser(ctx context.Context, question string) (string, error) {
	args := m.Called(ctx, question)
	return args.String(0), args.Error(1)
}

func (m *MockPromptHandler) Notify(ctx context.Context, text string) error {
	return m.Called(ctx, text).Error(0)
}

// MockTool mocks the schemas.Tool interface.
type MockTool struct {
	mock.Mock
}

func (m *MockTool) Name() string {
	return m.Called().String(0)
}

func (m *MockTool) Description() string {
	return m.Called().String(0)
}

func (m *MockTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	res := m.Called(ctx, args)
	return res.Get(0), res.Error(1)
}

// -- Store Mock --

// MockTrajectoryStore mocks the schemas.TrajectoryStore interface.
type MockTrajectoryStore struct {
	mock.Mock
}

func (m *MockTrajectoryStore) Save(ctx context.Context, traj *schemas.Trajectory) error {
	return m.Called(ctx, traj).Error(0)
}

func (m *MockTrajectoryStore) Load(ctx context.Context, taskID string) (*schemas.Trajectory, error) {
	args := m.Called(ctx, taskID)
	var traj *schemas.Trajectory
	if v := args.Get(0); v != nil {
		traj = v.(*schemas.Trajectory)
	}
	return traj, args.Error(1)
}

func (m *MockTrajectoryStore) SaveScreenshot(ctx context.Context, taskID string, index int, png []byte) (string, error) {
	args := m.Called(ctx, taskID, index, png)
	return args.String(0), args.Error(1)
}

func (m *MockTrajectoryStore) Location(taskID string) string {
	return m.Called(taskID).String(0)
}

// Compile-time checks.
var (
	_ schemas.Actuator        = (*MockActuator)(nil)
	_ schemas.UITreeSource    = (*MockTreeActuator)(nil)
	_ schemas.Predictor       = (*MockPredictor)(nil)
	_ schemas.PromptHandler   = (*MockPromptHandler)(nil)
	_ schemas.Tool            = (*MockTool)(nil)
	_ schemas.TrajectoryStore = (*MockTrajectoryStore)(nil)
)
