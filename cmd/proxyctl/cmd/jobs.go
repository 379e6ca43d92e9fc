package cmd

import (
	"fmt"
	"io"
	"net/url"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/cuongbtq/stablehorde-proxy/internal/api/dto"
)

func newJobsCmd(opts *options) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect generation jobs",
	}

	var status, connection string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List live jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if status != "" {
				query.Set("status", status)
			}
			if connection != "" {
				query.Set("connection_id", connection)
			}

			var resp dto.ListJobsResponse
			if err := opts.get(cmd.Context(), "/api/v1/jobs", query, &resp); err != nil {
				return err
			}
			return printJobs(cmd.OutOrStdout(), opts, resp, "No live jobs")
		},
	}
	listCmd.Flags().StringVar(&status, "status", "", "filter by status (RUNNING, FINISHED, ERROR, CANCELLED)")
	listCmd.Flags().StringVar(&connection, "connection", "", "filter by connection id")

	getCmd := &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show one live job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var j dto.JobDTO
			if err := opts.get(cmd.Context(), "/api/v1/jobs/"+url.PathEscape(args[0]), nil, &j); err != nil {
				return err
			}
			return printJobs(cmd.OutOrStdout(), opts, dto.ListJobsResponse{Jobs: []dto.JobDTO{j}}, "")
		},
	}

	var (
		historyStatus string
		pageSize      int
		cursor        string
	)
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List persisted jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if historyStatus != "" {
				query.Set("status", historyStatus)
			}
			if pageSize > 0 {
				query.Set("page_size", strconv.Itoa(pageSize))
			}
			if cursor != "" {
				query.Set("cursor", cursor)
			}

			var resp dto.ListJobsResponse
			if err := opts.get(cmd.Context(), "/api/v1/history", query, &resp); err != nil {
				return err
			}
			return printJobs(cmd.OutOrStdout(), opts, resp, "No jobs recorded")
		},
	}
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "filter by status (RUNNING, FINISHED, ERROR, CANCELLED)")
	historyCmd.Flags().IntVar(&pageSize, "page-size", 20, "jobs per page (max 100)")
	historyCmd.Flags().StringVar(&cursor, "cursor", "", "cursor from a previous page")

	jobsCmd.AddCommand(listCmd, getCmd, historyCmd)
	return jobsCmd
}

func printJobs(w io.Writer, opts *options, resp dto.ListJobsResponse, empty string) error {
	if opts.jsonOutput() {
		return printJSON(w, resp)
	}
	if len(resp.Jobs) == 0 {
		fmt.Fprintln(w, empty)
		return nil
	}

	table := tablewriter.NewWriter(w)
	table.Header("Job ID", "Status", "Images", "Failures", "Prompt", "Created")
	for _, j := range resp.Jobs {
		if err := table.Append(
			j.JobID,
			j.Status,
			fmt.Sprintf("%d/%d", j.Delivered, j.Target),
			strconv.Itoa(j.Failures),
			truncate(j.Prompt, 40),
			j.CreatedAt,
		); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}

	if resp.NextCursor != "" {
		fmt.Fprintf(w, "\nNext page: --cursor %s\n", resp.NextCursor)
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
