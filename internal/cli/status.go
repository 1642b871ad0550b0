package cli

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"forcesync/internal/models"
)

var statusKeys = []string{"session_id", "status", "progress", "message", "updated_at"}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		watch    bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show the status of a sync session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), rootOpts.Timeout)
			defer cancel()
			client := NewClient(rootOpts.Server, nil)
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}

			var last string
			for {
				code, resp, err := client.Status(ctx, args[0])
				if err != nil {
					return &ExitError{Code: ExitCommandError, Message: "status request failed", Err: err}
				}
				if code == http.StatusNotFound {
					return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("session %s not found", args[0])}
				}
				if code != http.StatusOK {
					return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("status request returned HTTP %d", code)}
				}

				status, _ := resp["status"].(string)
				key := fmt.Sprintf("%s/%v", status, resp["progress"])
				if !watch || key != last {
					if err := out.Print(resp, statusKeys...); err != nil {
						return err
					}
					last = key
				}
				if !watch {
					return nil
				}
				if models.Status(status).Terminal() {
					if status != string(models.StatusCompleted) {
						return &ExitError{Code: ExitFailure, Message: "sync finished with status " + status}
					}
					return nil
				}
				select {
				case <-ctx.Done():
					return &ExitError{Code: ExitCommandError, Message: "gave up waiting", Err: ctx.Err()}
				case <-time.After(interval):
				}
			}
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "poll until the session finishes")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval for --watch")
	return cmd
}

// NewCancelCommand creates the cancel command.
func NewCancelCommand(rootOpts *RootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Cancel a pending or running sync session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), rootOpts.Timeout)
			defer cancel()
			code, resp, err := NewClient(rootOpts.Server, nil).Cancel(ctx, args[0], reason)
			if err != nil {
				return &ExitError{Code: ExitCommandError, Message: "cancel request failed", Err: err}
			}
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			if err := out.Print(resp, append([]string{"success"}, statusKeys...)...); err != nil {
				return err
			}
			switch code {
			case http.StatusOK:
				return nil
			case http.StatusBadRequest:
				return &ExitError{Code: ExitFailure, Message: "session is not cancellable"}
			case http.StatusNotFound:
				return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("session %s not found", args[0])}
			default:
				return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("cancel returned HTTP %d", code)}
			}
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "message recorded on the cancelled session")
	return cmd
}
