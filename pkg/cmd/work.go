package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/yeisme/curatevault/pkg/app"
	"github.com/yeisme/curatevault/pkg/internal/model"
	"github.com/yeisme/curatevault/pkg/internal/service"
)

var (
	userID       uint
	embargoUntil string
	curatorGroup uint

	newWork      model.Work
	policyAgreed bool

	workCmd = &cobra.Command{
		Use:   "work",
		Short: "work lifecycle commands",
	}

	workCreateCmd = &cobra.Command{
		Use:   "create",
		Short: "create a work as a draft, or awaiting approval with --agree-policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				w := newWork
				w.CreatedByUserID = userID

				if err := a.Works.Create(ctx, &w, policyAgreed); err != nil {
					return err
				}

				printWork(cmd, &w)

				return nil
			})
		},
	}

	workApproveCmd = &cobra.Command{
		Use:   "approve WORK_ID",
		Short: "approve a work and move its files to post-curation",
		Args:  cobra.ExactArgs(1),
		RunE: workRun(func(ctx context.Context, a *app.App, cmd *cobra.Command, id uint, _ []string) error {
			w, err := a.Works.Approve(ctx, id, userID)
			if err != nil {
				return err
			}

			printWork(cmd, w)

			return nil
		}),
	}

	workWithdrawCmd = transitionCmd("withdraw", "withdraw a work", service.TransitionWithdraw)
	workResubmitCmd = transitionCmd("resubmit", "resubmit a withdrawn work", service.TransitionResubmit)
	workSubmitCmd   = transitionCmd("submit", "complete the submission of a draft", service.TransitionCompleteSubmission)

	workEmbargoCmd = &cobra.Command{
		Use:   "embargo WORK_ID",
		Short: "embargo a work until --until (YYYY-MM-DD)",
		Args:  cobra.ExactArgs(1),
		RunE: workRun(func(ctx context.Context, a *app.App, cmd *cobra.Command, id uint, _ []string) error {
			until, err := time.Parse(time.DateOnly, embargoUntil)
			if err != nil {
				return fmt.Errorf("--until: %w", err)
			}

			snap, err := a.Works.EnterEmbargo(ctx, id, until, userID)
			if err != nil {
				return err
			}

			printSnapshotStarted(cmd, snap)

			return nil
		}),
	}

	workReleaseCmd = &cobra.Command{
		Use:   "release WORK_ID",
		Short: "release an expired embargo",
		Args:  cobra.ExactArgs(1),
		RunE: workRun(func(ctx context.Context, a *app.App, cmd *cobra.Command, id uint, _ []string) error {
			snap, err := a.Works.ReleaseEmbargo(ctx, id, userID)
			if err != nil {
				return err
			}

			printSnapshotStarted(cmd, snap)

			return nil
		}),
	}

	workMigrateCmd = &cobra.Command{
		Use:   "migrate WORK_ID DSPACE_PREFIX",
		Short: "copy files of a legacy DSpace item into the work",
		Args:  cobra.ExactArgs(2),
		RunE: workRun(func(ctx context.Context, a *app.App, cmd *cobra.Command, id uint, args []string) error {
			snap, err := a.Works.Migrate(ctx, id, args[0])
			if err != nil {
				return err
			}

			printSnapshotStarted(cmd, snap)

			return nil
		}),
	}

	workUploadCmd = &cobra.Command{
		Use:   "upload WORK_ID FILE...",
		Short: "stage local files and upload them to pre-curation",
		Args:  cobra.MinimumNArgs(2),
		RunE: workRun(func(ctx context.Context, a *app.App, cmd *cobra.Command, id uint, args []string) error {
			staged, err := a.Uploads.StageLocal(args)
			if err != nil {
				return err
			}

			snap, err := a.Uploads.Stage(ctx, id, userID, staged)
			if err != nil {
				return err
			}

			printSnapshotStarted(cmd, snap)

			return nil
		}),
	}

	workActivityCmd = &cobra.Command{
		Use:     "activity WORK_ID",
		Short:   "print the activity log of a work",
		Aliases: []string{"log"},
		Args:    cobra.ExactArgs(1),
		RunE: workRun(func(ctx context.Context, a *app.App, cmd *cobra.Command, id uint, _ []string) error {
			acts, err := a.Works.Activities(ctx, id)
			if err != nil {
				return err
			}

			for _, act := range acts {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-18s %s\n",
					act.CreatedAt.Format(time.RFC3339), act.ActivityType, act.Message)
			}

			return nil
		}),
	}

	workCuratorCmd = &cobra.Command{
		Use:   "curator USER_ID",
		Short: "allow a user to approve works of --group",
		Args:  cobra.ExactArgs(1),
		RunE: workRun(func(ctx context.Context, a *app.App, cmd *cobra.Command, id uint, _ []string) error {
			if err := a.Works.AddCurator(ctx, curatorGroup, id); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "user %d curates group %d\n", id, curatorGroup)

			return nil
		}),
	}
)

type workFunc func(ctx context.Context, a *app.App, cmd *cobra.Command, id uint, rest []string) error

// workRun 解析第一个参数为 ID，打开应用后执行 fn.
func workRun(fn workFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			return fn(ctx, a, cmd, id, args[1:])
		})
	}
}

func transitionCmd(use, short string, t service.Transition) *cobra.Command {
	return &cobra.Command{
		Use:   use + " WORK_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: workRun(func(ctx context.Context, a *app.App, cmd *cobra.Command, id uint, _ []string) error {
			w, err := a.Works.Fire(ctx, id, t, userID)
			if err != nil {
				return err
			}

			printWork(cmd, w)

			return nil
		}),
	}
}

func parseID(s string) (uint, error) {
	id, err := strconv.ParseUint(s, 10, 0)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}

	return uint(id), nil
}

func printWork(cmd *cobra.Command, w *model.Work) {
	fmt.Fprintf(cmd.OutOrStdout(), "work %d: %s (%s)\n", w.ID, w.State, w.Prefix())
}

func printSnapshotStarted(cmd *cobra.Command, snap *model.UploadSnapshot) {
	if snap == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "no files to move")
		return
	}

	fmt.Fprintf(cmd.OutOrStdout(), "snapshot %d (%s): %d files queued\n", snap.ID, snap.Kind, snap.BatchSize())
}

// registerWorkCommands 注册作品相关命令.
func registerWorkCommands() {
	workCmd.PersistentFlags().UintVarP(&userID, "user", "u", 0, "acting user id")
	workCreateCmd.Flags().StringVar(&newWork.DOI, "doi", "", "DOI of the dataset")
	workCreateCmd.Flags().StringVar(&newWork.Title, "title", "", "title")
	workCreateCmd.Flags().UintVar(&newWork.GroupID, "group", 0, "owning group id")
	workCreateCmd.Flags().BoolVar(&policyAgreed, "agree-policy", false, "submit directly for approval")
	_ = workCreateCmd.MarkFlagRequired("doi")
	workEmbargoCmd.Flags().StringVar(&embargoUntil, "until", "", "embargo end date (YYYY-MM-DD)")
	_ = workEmbargoCmd.MarkFlagRequired("until")
	workCuratorCmd.Flags().UintVar(&curatorGroup, "group", 0, "group id")
	_ = workCuratorCmd.MarkFlagRequired("group")

	workCmd.AddCommand(
		workCreateCmd, workSubmitCmd, workApproveCmd, workWithdrawCmd, workResubmitCmd,
		workEmbargoCmd, workReleaseCmd, workMigrateCmd, workUploadCmd,
		workActivityCmd, workCuratorCmd,
	)

	rootCmd.AddCommand(workCmd)
}
