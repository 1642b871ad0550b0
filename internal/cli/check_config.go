package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"forcesync/internal/config"
	"forcesync/internal/identity"
	"forcesync/internal/logger"
)

// NewCheckConfigCommand validates the external identity configuration
// locally. It performs no network I/O.
func NewCheckConfigCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the external agent webhook configuration",
		Long: `Load configuration the same way the services do and run the identity
validator against it. Exits non-zero when the configuration would be
rejected.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return &ExitError{Code: ExitCommandError, Message: "load config", Err: err}
			}
			res := identity.Validate(cfg)

			report := map[string]any{
				"valid":       res.Valid,
				"strict":      res.Strict,
				"env":         cfg.Env,
				"configured":  res.Resolved.Configured,
				"mock":        res.Resolved.Mock,
				"webhook_url": cfg.ExternalWebhookURL,
				"token":       logger.Redact(cfg.ExternalWebhookToken),
				"errors":      nonNil(res.Errors),
				"warnings":    nonNil(res.Warnings),
			}
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			if err := out.Print(report, "valid", "strict", "env", "configured", "mock", "webhook_url", "token"); err != nil {
				return err
			}
			if rootOpts.Format == "text" {
				for _, e := range res.Errors {
					fmt.Fprintln(cmd.OutOrStdout(), "error:", e)
				}
				for _, w := range res.Warnings {
					fmt.Fprintln(cmd.OutOrStdout(), "warning:", w)
				}
			}
			if !res.Valid {
				return &ExitError{Code: ExitFailure, Message: "external identity configuration invalid"}
			}
			return nil
		},
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
