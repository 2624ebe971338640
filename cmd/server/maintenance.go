package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/makeasinger/stemsplit/internal/jobs"
)

func newRecoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Mark interrupted jobs failed and print the recovery report",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openDeps(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			manager := jobs.NewManager(rt.store, jobs.WithLogger(rt.logger))
			report, err := manager.Recover(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Loaded:      %d\n", report.Loaded)
			fmt.Fprintf(out, "Interrupted: %s\n", idList(report.Interrupted))
			fmt.Fprintf(out, "Stuck:       %s\n", idList(report.Stuck))
			pending := make([]string, 0, len(report.Pending))
			for _, job := range report.Pending {
				pending = append(pending, job.ID)
			}
			fmt.Fprintf(out, "Pending:     %s\n", idList(pending))
			return nil
		},
	}
}

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove jobs older than the retention age",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openDeps(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			manager := jobs.NewManager(rt.store, jobs.WithLogger(rt.logger))
			janitor := jobs.NewJanitor(manager, rt.workspace, rt.cfg.Retention.MaxAge, rt.cfg.Retention.Interval, rt.logger)
			removed, err := janitor.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d job(s): %s\n", len(removed), idList(removed))
			return nil
		},
	}
}

func idList(ids []string) string {
	if len(ids) == 0 {
		return "none"
	}
	return strings.Join(ids, ", ")
}
