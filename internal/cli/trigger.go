package cli

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"forcesync/internal/models"
)

// NewTriggerCommand creates the trigger command.
func NewTriggerCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		async       bool
		scope       string
		triggeredBy string
	)
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Start a force sync",
		Long: `Start a force sync and wait for it to finish. With --async the sync is
queued and the command returns the job id and polling URLs immediately.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := models.ParseScope(scope); err != nil {
				return &ExitError{Code: ExitCommandError, Message: "invalid --scope", Err: err}
			}
			body := map[string]any{"triggered_by": triggeredBy}
			if scope != "" {
				body["sync_scope"] = scope
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), rootOpts.Timeout)
			defer cancel()
			code, resp, err := NewClient(rootOpts.Server, nil).Trigger(ctx, body, async)
			if err != nil {
				return &ExitError{Code: ExitCommandError, Message: "trigger request failed", Err: err}
			}

			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			if err := out.Print(resp, "success", "status", "session_id", "job_id", "correlation_id", "workflow_id", "message"); err != nil {
				return err
			}
			switch {
			case code == http.StatusAccepted:
				return nil
			case code == http.StatusConflict:
				return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("a sync is already in progress (session %v)", resp["session_id"])}
			case code != http.StatusOK:
				return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("trigger rejected with HTTP %d", code)}
			case resp["success"] != true:
				return &ExitError{Code: ExitFailure, Message: "sync did not succeed"}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&async, "async", false, "queue the sync and return immediately")
	cmd.Flags().StringVar(&scope, "scope", "", "sync scope (quick|standard|full|priority_platforms)")
	cmd.Flags().StringVar(&triggeredBy, "triggered-by", "cli", "requester recorded in metadata")
	return cmd
}
