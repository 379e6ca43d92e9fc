package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/stablehorde-proxy/internal/api/dto"
)

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show proxy health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp dto.HealthResponse
			if err := opts.get(cmd.Context(), "/health", nil, &resp); err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if opts.jsonOutput() {
				return printJSON(w, resp)
			}

			fmt.Fprintf(w, "Status:      %s\n", resp.Status)
			fmt.Fprintf(w, "Service:     %s %s\n", resp.Service, resp.Version)
			fmt.Fprintf(w, "Live jobs:   %d\n", resp.LiveJobs)
			fmt.Fprintf(w, "Connections: %d\n", resp.Connections)
			return nil
		},
	}
}
