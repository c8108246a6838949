// File: cmd/replay.go
package cmd

import (
	"fmt"
	"strconv"
	"strings"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/phonepilot/api/schemas"
	"github.com/xkilldash9x/phonepilot/internal/geometry"
	"github.com/xkilldash9x/phonepilot/internal/trajectory"
)

// newReplayCmd creates the `replay` command, which prints the pixel commands a
// recorded trajectory maps to on a given screen.
func newReplayCmd() *cobra.Command {
	replayCmd := &cobra.Command{
		Use:   "replay [trajectory.json]",
		Short: "Prints the device commands a recorded trajectory resolves to",
		Args:  cobra.ExactArgs(1),
		// Replay reads a file and needs no device or predictor configuration.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			screenFlag, _ := cmd.Flags().GetString("screen")
			screen, err := parseScreen(screenFlag)
			if err != nil {
				return err
			}
			traj, err := trajectory.LoadFile(args[0])
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, c := range geometry.Replay(traj, screen) {
				if err := enc.Encode(c); err != nil {
					return fmt.Errorf("failed to write replay output: %w", err)
				}
			}
			return nil
		},
	}
	replayCmd.Flags().String("screen", "1080x1920", "Screen size as WIDTHxHEIGHT")
	return replayCmd
}

func parseScreen(s string) (schemas.Size, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if ok {
		width, errW := strconv.Atoi(w)
		height, errH := strconv.Atoi(h)
		if errW == nil && errH == nil && width > 0 && height > 0 {
			return schemas.Size{Width: width, Height: height}, nil
		}
	}
	return schemas.Size{}, fmt.Errorf("invalid screen size %q, want WIDTHxHEIGHT", s)
}
