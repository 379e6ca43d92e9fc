package cmd

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/cuongbtq/stablehorde-proxy/internal/api/dto"
)

func newModelsCmd(opts *options) *cobra.Command {
	modelsCmd := &cobra.Command{
		Use:   "models",
		Short: "Inspect available models",
	}

	modelsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List models with at least one worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp dto.ListModelsResponse
			if err := opts.get(cmd.Context(), "/api/v1/models", nil, &resp); err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if opts.jsonOutput() {
				return printJSON(w, resp)
			}
			if len(resp.Models) == 0 {
				fmt.Fprintln(w, "No models available")
				return nil
			}

			table := tablewriter.NewWriter(w)
			table.Header("#", "Name", "Workers", "Style", "NSFW")
			for _, m := range resp.Models {
				if err := table.Append(
					strconv.Itoa(m.SortIndex),
					m.Name,
					strconv.Itoa(m.Workers),
					m.Style,
					strconv.FormatBool(m.NSFW),
				); err != nil {
					return err
				}
			}
			if err := table.Render(); err != nil {
				return err
			}
			fmt.Fprintf(w, "\nTotal models: %d\n", resp.Count)
			return nil
		},
	})

	modelsCmd.AddCommand(&cobra.Command{
		Use:   "get <name>",
		Short: "Show one model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var m dto.ModelDTO
			if err := opts.get(cmd.Context(), "/api/v1/models/"+url.PathEscape(args[0]), nil, &m); err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if opts.jsonOutput() {
				return printJSON(w, m)
			}

			fmt.Fprintf(w, "Name:        %s\n", m.Name)
			fmt.Fprintf(w, "Description: %s\n", m.Description)
			fmt.Fprintf(w, "Workers:     %d\n", m.Workers)
			fmt.Fprintf(w, "Style:       %s\n", m.Style)
			fmt.Fprintf(w, "NSFW:        %t\n", m.NSFW)
			if len(m.Triggers) > 0 {
				fmt.Fprintf(w, "Triggers:    %s\n", strings.Join(m.Triggers, ", "))
			}
			return nil
		},
	})

	return modelsCmd
}
