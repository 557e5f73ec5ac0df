package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/odyssey-access/internal/app"
	"github.com/odyssey-erp/odyssey-access/jobs"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage background jobs",
	}
	cmd.AddCommand(newJobsTriggerCmd(), newJobsStatsCmd())
	return cmd
}

func jobsClient() (*jobs.Client, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, err
	}
	opt, err := cfg.RedisOptions().AsynqOpt()
	if err != nil {
		return nil, err
	}
	return jobs.NewClient(opt), nil
}

func newJobsTriggerCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "trigger <task>",
		Short:     "Enqueue a job for immediate execution",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{jobs.TaskSessionsSweep, jobs.TaskAuditVerify},
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := jobsClient()
			if err != nil {
				return err
			}
			defer client.Close()
			info, err := client.Enqueue(cmd.Context(), args[0], "cli")
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s (%s) on %s\n", info.Type, info.ID, info.Queue)
			return nil
		},
	}
}

func newJobsStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := jobsClient()
			if err != nil {
				return err
			}
			defer client.Close()
			stats, err := client.Stats()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
}
