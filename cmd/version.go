// File: cmd/version.go
package cmd

import "github.com/spf13/cobra"

// Version is the application version.
// Set at build time: go build -ldflags "-X github.com/xkilldash9x/phonepilot/cmd.Version=1.0.0"
var Version = "dev"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		// Printing the version needs no configuration.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("phonepilot %s\n", Version)
		},
	}
}
