package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"flashoffer-dispatch/internal/auth"
	"flashoffer-dispatch/internal/handler"
	"flashoffer-dispatch/internal/models"
)

// cliCaller is the audit identity of operator dispatches.
const cliCaller = "cli"

// DispatchOptions holds flags for the dispatch command.
type DispatchOptions struct {
	*RootOptions
	OfferID string
	DryRun  bool
}

// NewDispatchCommand creates the dispatch command.
func NewDispatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DispatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Dispatch one offer from the command line",
		Long: `Dispatch one offer from the command line.

Runs the same pipeline as POST /dispatch without bearer authentication and
prints the response as JSON.

Example:
  flashoffer-dispatch dispatch --offer 7f8e0c7a-3b1e-4f57-9a55-0d4f1c2b9e11 --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts.RootOptions)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.buildService(cmd.Context()); err != nil {
				return err
			}

			resp, err := a.service.Run(cmd.Context(), auth.Principal{CallerID: cliCaller},
				models.DispatchRequest{OfferID: opts.OfferID, DryRun: opts.DryRun})
			if err != nil {
				body, _ := json.MarshalIndent(handler.ErrorBody(err), "", "  ")
				fmt.Fprintln(cmd.ErrOrStderr(), string(body))
				return err
			}

			out, err := json.MarshalIndent(resp, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.OfferID, "offer", "", "offer id (UUID)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "compute the audience and batch plan without sending")
	cmd.MarkFlagRequired("offer")

	return cmd
}
