package trajectory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/phonepilot/api/schemas"
	"github.com/xkilldash9x/phonepilot/internal/mocks"
	"github.com/xkilldash9x/phonepilot/internal/trajectory"
)

func step(i int) schemas.TrajectoryStep {
	now := time.Now().UTC()
	return schemas.TrajectoryStep{
		Index:      i,
		Rationale:  "go back",
		Action:     schemas.SystemButton{Button: schemas.ButtonBack},
		Timestamps: schemas.StepTimestamps{PredictStartedAt: now, PredictEndedAt: now},
	}
}

func TestRecorder_CheckpointCadence(t *testing.T) {
	t.Parallel()
	store := new(mocks.MockTrajectoryStore)
	var savedLens []int
	store.On("Save", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			savedLens = append(savedLens, len(args.Get(1).(*schemas.Trajectory).Steps))
		}).
		Return(nil)
	store.On("Location", "task_1").Return("/tmp/task_1/trajectory.json")

	r := trajectory.NewRecorder(store, "task_1", "open settings", trajectory.Options{CheckpointEvery: 2}, nil)
	for i := 1; i <= 5; i++ {
		require.NoError(t, r.Append(context.Background(), step(i)))
	}
	assert.Equal(t, []int{2, 4}, savedLens)

	require.NoError(t, r.Finalize(context.Background(), schemas.StatusSuccess, "done", "", nil))
	assert.Equal(t, []int{2, 4, 5}, savedLens)

	traj := r.Trajectory()
	assert.Equal(t, schemas.StatusSuccess, traj.Status)
	assert.NotNil(t, traj.FinishedAt)
	assert.Equal(t, "done", traj.TerminalReason)
	assert.Equal(t, schemas.TrajectoryFormatVersion, traj.FormatVersion)
}

func TestRecorder_RejectsOutOfOrderSteps(t *testing.T) {
	t.Parallel()
	r := trajectory.NewRecorder(nil, "task_1", "x", trajectory.Options{}, nil)
	assert.Error(t, r.Append(context.Background(), step(2)))
	require.NoError(t, r.Append(context.Background(), step(1)))
	assert.Error(t, r.Append(context.Background(), step(1)))
	assert.Equal(t, 1, r.Len())
}

func TestRecorder_FinalizeOnce(t *testing.T) {
	t.Parallel()
	r := trajectory.NewRecorder(nil, "task_1", "x", trajectory.Options{}, nil)
	assert.Error(t, r.Finalize(context.Background(), schemas.StatusRunning, "", "", nil))
	require.NoError(t, r.Finalize(context.Background(), schemas.StatusFailed, "boom", schemas.ErrKindDispatch, errors.New("adb gone")))
	assert.True(t, r.Finalized())
	assert.ErrorIs(t, r.Finalize(context.Background(), schemas.StatusSuccess, "", "", nil), trajectory.ErrAlreadyFinalized)
	assert.ErrorIs(t, r.Append(context.Background(), step(1)), trajectory.ErrAlreadyFinalized)

	traj := r.Trajectory()
	assert.Equal(t, schemas.StatusFailed, traj.Status)
	assert.Equal(t, schemas.ErrKindDispatch, traj.ErrorKind)
	assert.Equal(t, "adb gone", traj.Error)
}

func TestRecorder_FinalizePersistsAfterCancellation(t *testing.T) {
	t.Parallel()
	store := new(mocks.MockTrajectoryStore)
	store.On("Save", mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil }), mock.Anything).Return(nil).Once()
	store.On("Location", "task_1").Return("/tmp/task_1/trajectory.json")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := trajectory.NewRecorder(store, "task_1", "x", trajectory.Options{}, nil)
	require.NoError(t, r.Finalize(ctx, schemas.StatusCancelled, "cancelled", schemas.ErrKindCancelled, context.Canceled))
	store.AssertExpectations(t)
}

func TestRecorder_CheckpointFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	store := new(mocks.MockTrajectoryStore)
	store.On("Save", mock.Anything, mock.Anything).Return(errors.New("disk full")).Once()
	store.On("Save", mock.Anything, mock.Anything).Return(errors.New("disk full")).Once()

	r := trajectory.NewRecorder(store, "task_1", "x", trajectory.Options{CheckpointEvery: 1}, nil)
	require.NoError(t, r.Append(context.Background(), step(1)))

	err := r.Finalize(context.Background(), schemas.StatusSuccess, "done", "", nil)
	assert.Equal(t, schemas.ErrKindPersistence, schemas.KindOf(err))
}

func TestRecorder_SaveScreenshot(t *testing.T) {
	t.Parallel()
	store := new(mocks.MockTrajectoryStore)
	store.On("SaveScreenshot", mock.Anything, "task_1", 1, []byte("png")).Return("screenshots/step_0001.png", nil).Once()
	store.On("SaveScreenshot", mock.Anything, "task_1", 2, []byte("png")).Return("", errors.New("disk full")).Once()

	r := trajectory.NewRecorder(store, "task_1", "x", trajectory.Options{SaveScreenshots: true}, nil)
	assert.Equal(t, "screenshots/step_0001.png", r.SaveScreenshot(context.Background(), 1, []byte("png")))
	assert.Equal(t, "", r.SaveScreenshot(context.Background(), 2, []byte("png")))
	assert.Equal(t, "screenshots/step_0001.png", r.Trajectory().LastObservationRef)

	off := trajectory.NewRecorder(store, "task_2", "x", trajectory.Options{}, nil)
	assert.Equal(t, "", off.SaveScreenshot(context.Background(), 1, []byte("png")))
	store.AssertExpectations(t)
}
