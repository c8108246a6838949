// File: internal/observation/builder.go
package observation

import (
	"context"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/xkilldash9x/phonepilot/api/schemas"
	"github.com/xkilldash9x/phonepilot/internal/retry"
)

// Hints carries what the loop knows about the previous step.
type Hints struct {
	// Previous is the observation the last step acted on.
	Previous *schemas.Observation
	// PendingTool is the result of the previous step's tool action.
	PendingTool *schemas.ToolResult
	// ReuseScreenshot asks the builder to skip the capture because the device
	// rejected the last command and no state change is expected.
	ReuseScreenshot bool
	// CompareScreen enables the screen-unchanged check after an actuator-bound dispatch.
	CompareScreen     bool
	LastDispatchError string
}

// Builder assembles observations for one task. It caches the screen size, so a
// Builder must not be shared between tasks.
type Builder struct {
	actuator schemas.Actuator
	governor *retry.Governor
	logger   *zap.Logger
	maxSteps int
	withTree bool
	now      func() time.Time

	screen schemas.Size
}

// NewBuilder creates a Builder. withTree enables UI tree capture when the actuator supports it.
func NewBuilder(actuator schemas.Actuator, governor *retry.Governor, logger *zap.Logger, maxSteps int, withTree bool) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{
		actuator: actuator,
		governor: governor,
		logger:   logger.Named("observation"),
		maxSteps: maxSteps,
		withTree: withTree,
		now:      time.Now,
	}
}

// ScreenSize returns the cached screen size, querying the device on first use.
func (b *Builder) ScreenSize(ctx context.Context) (schemas.Size, error) {
	if b.screen.Valid() {
		return b.screen, nil
	}
	var size schemas.Size
	_, err := b.governor.Do(ctx, retry.CategoryScreenshot, func(ctx context.Context) error {
		s, err := b.actuator.ScreenSize(ctx)
		if err != nil {
			return err
		}
		if !s.Valid() {
			return fmt.Errorf("device reported invalid screen size %dx%d", s.Width, s.Height)
		}
		size = s
		return nil
	})
	if err != nil {
		return schemas.Size{}, schemas.NewTaskError(schemas.ErrKindObservation, "screen size", err)
	}
	b.screen = size
	return size, nil
}

// Build captures the current device state. traj is read, never modified.
func (b *Builder) Build(ctx context.Context, traj *schemas.Trajectory, hints Hints) (schemas.Observation, error) {
	size, err := b.ScreenSize(ctx)
	if err != nil {
		return schemas.Observation{}, err
	}

	obs := schemas.Observation{
		Screen:            size,
		StepCount:         len(traj.Steps) + 1,
		MaxSteps:          b.maxSteps,
		Timestamp:         b.now().UTC(),
		ToolResult:        hints.PendingTool,
		LastDispatchError: hints.LastDispatchError,
	}

	if hints.ReuseScreenshot && hints.Previous != nil && len(hints.Previous.Screenshot) > 0 {
		obs.Screenshot = hints.Previous.Screenshot
		obs.ScreenshotRef = hints.Previous.ScreenshotRef
		obs.Fingerprint = hints.Previous.Fingerprint
		obs.UITree = hints.Previous.UITree
		obs.Reused = true
		b.logger.Debug("Reusing previous screenshot after rejected dispatch", zap.Int("step", obs.StepCount))
		return obs, nil
	}

	var shot []byte
	_, err = b.governor.Do(ctx, retry.CategoryScreenshot, func(ctx context.Context) error {
		png, err := b.actuator.CaptureScreenshot(ctx)
		if err != nil {
			return err
		}
		if len(png) == 0 {
			return schemas.Transient(fmt.Errorf("empty screenshot"))
		}
		shot = png
		return nil
	})
	if err != nil {
		return schemas.Observation{}, schemas.NewTaskError(schemas.ErrKindObservation, "screenshot", err)
	}
	obs.Screenshot = shot
	obs.Fingerprint = Fingerprint(shot)

	if hints.CompareScreen && hints.Previous != nil && hints.Previous.Fingerprint != 0 &&
		hints.Previous.Fingerprint == obs.Fingerprint {
		obs.ScreenUnchanged = true
		b.logger.Warn("Screen did not change after dispatch", zap.Int("step", obs.StepCount))
	}

	if b.withTree {
		if src, ok := b.actuator.(schemas.UITreeSource); ok {
			tree, err := src.CaptureUITree(ctx)
			if err != nil {
				b.logger.Warn("UI tree capture failed, continuing without it", zap.Error(err))
			} else {
				obs.UITree = tree
			}
		}
	}
	return obs, nil
}

// Fingerprint is a cheap content hash of a screenshot.
func Fingerprint(png []byte) uint64 {
	if len(png) == 0 {
		return 0
	}
	return xxhash.Sum64(png)
}
