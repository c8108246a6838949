// File: internal/geometry/geometry.go
package geometry

import (
	"math"

	"github.com/xkilldash9x/phonepilot/api/schemas"
)

// ToPixels maps a normalized point onto a screen. Each axis is scaled with
// floor(n*size) and clamped to [0, size-1], so (1,1) lands on the last pixel.
func ToPixels(p schemas.Point, s schemas.Size) (int, int) {
	return axis(p.X, s.Width), axis(p.Y, s.Height)
}

func axis(n float64, size int) int {
	if size <= 0 {
		return 0
	}
	if math.IsNaN(n) {
		n = 0
	}
	v := math.Floor(n * float64(size))
	if v < 0 {
		return 0
	}
	if v > float64(size-1) {
		return size - 1
	}
	return int(v)
}

// PixelCommand is the device-space form of one coordinate-bearing step.
type PixelCommand struct {
	Index  int                `json:"index"`
	Kind   schemas.ActionKind `json:"kind"`
	Pixels []int              `json:"pixels"`
}

// Pixels returns the device coordinates an action would be dispatched with,
// or nil when the action carries none.
func Pixels(a schemas.Action, s schemas.Size) []int {
	switch v := a.(type) {
	case schemas.Tap:
		if v.At == nil {
			return nil
		}
		x, y := ToPixels(*v.At, s)
		return []int{x, y}
	case schemas.LongPress:
		if v.At == nil {
			return nil
		}
		x, y := ToPixels(*v.At, s)
		return []int{x, y}
	case schemas.Swipe:
		if v.Start == nil || v.End == nil {
			return nil
		}
		x1, y1 := ToPixels(*v.Start, s)
		x2, y2 := ToPixels(*v.End, s)
		return []int{x1, y1, x2, y2}
	}
	return nil
}

// Replay recomputes the pixel sequence of every coordinate-bearing step of a
// persisted trajectory. Running it twice on the same input yields the same output.
func Replay(traj *schemas.Trajectory, s schemas.Size) []PixelCommand {
	if traj == nil {
		return nil
	}
	out := make([]PixelCommand, 0, len(traj.Steps))
	for _, step := range traj.Steps {
		if step.Action == nil {
			continue
		}
		px := Pixels(step.Action, s)
		if px == nil {
			continue
		}
		out = append(out, PixelCommand{Index: step.Index, Kind: step.Action.Kind(), Pixels: px})
	}
	return out
}
