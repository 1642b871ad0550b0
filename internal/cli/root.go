// Package cli implements the forcesync operator command line.
package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format  string // "json" | "text"
	Server  string
	Timeout time.Duration
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the forcesync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "forcesync",
		Short: "Trigger and inspect force-sync runs",
		Long:  "Operator tool for the force-sync orchestration service: trigger syncs, follow their status, cancel them and check the external identity configuration.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Server, "server", "http://localhost:8080", "force-sync API base URL")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 15*time.Minute, "request timeout")

	cmd.AddCommand(NewTriggerCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewCancelCommand(opts))
	cmd.AddCommand(NewCheckConfigCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
