package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yeisme/curatevault/pkg/app"
	"github.com/yeisme/curatevault/pkg/internal/model"
)

var (
	snapshotCmd = &cobra.Command{
		Use:     "snapshot",
		Short:   "upload snapshot ledger commands",
		Aliases: []string{"snap"},
	}

	snapshotListCmd = &cobra.Command{
		Use:     "ls WORK_ID",
		Short:   "list snapshots of a work, oldest first",
		Aliases: []string{"list"},
		Args:    cobra.ExactArgs(1),
		RunE: workRun(func(ctx context.Context, a *app.App, cmd *cobra.Command, id uint, _ []string) error {
			snaps, err := a.Snapshots.List(ctx, id)
			if err != nil {
				return err
			}

			for i := range snaps {
				printSnapshot(cmd, &snaps[i], debug)
			}

			return nil
		}),
	}

	snapshotRemoveCmd = &cobra.Command{
		Use:     "rm SNAPSHOT_ID",
		Short:   "delete a snapshot record",
		Aliases: []string{"delete"},
		Args:    cobra.ExactArgs(1),
		RunE: workRun(func(ctx context.Context, a *app.App, cmd *cobra.Command, id uint, _ []string) error {
			if err := a.Snapshots.Delete(ctx, id); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "snapshot %d deleted\n", id)

			return nil
		}),
	}

	snapshotRetryCmd = &cobra.Command{
		Use:   "retry SNAPSHOT_ID",
		Short: "reset files in error to started and enqueue them again",
		Args:  cobra.ExactArgs(1),
		RunE: workRun(func(ctx context.Context, a *app.App, cmd *cobra.Command, id uint, _ []string) error {
			n, err := a.Snapshots.RetryErrors(ctx, id)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%d files re-enqueued\n", n)

			return nil
		}),
	}

	snapshotRequeueCmd = &cobra.Command{
		Use:   "requeue SNAPSHOT_ID",
		Short: "enqueue the tasks of files still started (stalled snapshots)",
		Args:  cobra.ExactArgs(1),
		RunE: workRun(func(ctx context.Context, a *app.App, cmd *cobra.Command, id uint, _ []string) error {
			n, err := a.Snapshots.Requeue(ctx, id)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%d tasks enqueued\n", n)

			return nil
		}),
	}
)

func printSnapshot(cmd *cobra.Command, snap *model.UploadSnapshot, files bool) {
	state := "pending"

	switch {
	case snap.FinalizedAt != nil:
		state = "finalized " + snap.FinalizedAt.Format(time.RFC3339)
	case !snap.Pending():
		state = "complete with errors"
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s -> %s\t%d files\t%s\n",
		snap.ID, snap.Kind, snap.SourceBucket, snap.TargetBucket, snap.BatchSize(), state)

	if !files {
		return
	}

	for _, f := range snap.Files {
		status := string(f.Status)
		if status == "" {
			status = "carried"
		}

		fmt.Fprintf(cmd.OutOrStdout(), "\t%-9s %s %s\n", status, f.Key, f.ErrorMessage)
	}
}

// registerSnapshotCommands 注册账本相关命令.
func registerSnapshotCommands() {
	snapshotCmd.AddCommand(snapshotListCmd, snapshotRemoveCmd, snapshotRetryCmd, snapshotRequeueCmd)
	rootCmd.AddCommand(snapshotCmd)
}
