// File: internal/trajectory/multi_store.go
package trajectory

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/xkilldash9x/phonepilot/api/schemas"
)

// MultiStore writes to a primary store and mirrors to secondaries. Only the
// primary's failures are returned; mirror failures are logged.
type MultiStore struct {
	primary schemas.TrajectoryStore
	mirrors []schemas.TrajectoryStore
	logger  *zap.Logger
}

// NewMultiStore creates a fan-out store.
func NewMultiStore(logger *zap.Logger, primary schemas.TrajectoryStore, mirrors ...schemas.TrajectoryStore) *MultiStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MultiStore{primary: primary, mirrors: mirrors, logger: logger.Named("trajectory-store")}
}

func (m *MultiStore) Save(ctx context.Context, traj *schemas.Trajectory) error {
	err := m.primary.Save(ctx, traj)
	for _, s := range m.mirrors {
		if merr := s.Save(ctx, traj); merr != nil {
			m.logger.Warn("Mirror store save failed", zap.String("location", s.Location(traj.TaskID)), zap.Error(merr))
		}
	}
	return err
}

// Load tries the primary first, then each mirror.
func (m *MultiStore) Load(ctx context.Context, taskID string) (*schemas.Trajectory, error) {
	traj, err := m.primary.Load(ctx, taskID)
	if err == nil {
		return traj, nil
	}
	errs := []error{err}
	for _, s := range m.mirrors {
		t, merr := s.Load(ctx, taskID)
		if merr == nil {
			return t, nil
		}
		errs = append(errs, merr)
	}
	return nil, errors.Join(errs...)
}

func (m *MultiStore) SaveScreenshot(ctx context.Context, taskID string, index int, png []byte) (string, error) {
	ref, err := m.primary.SaveScreenshot(ctx, taskID, index, png)
	for _, s := range m.mirrors {
		if _, merr := s.SaveScreenshot(ctx, taskID, index, png); merr != nil {
			m.logger.Warn("Mirror screenshot save failed", zap.Int("step", index), zap.Error(merr))
		}
	}
	return ref, err
}

// Location reports the primary artifact location.
func (m *MultiStore) Location(taskID string) string {
	return m.primary.Location(taskID)
}
