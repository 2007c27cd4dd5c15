package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yeisme/curatevault/pkg/app"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "run the task runner, cron jobs and the ops HTTP server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cmd.SetContext(ctx)

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			return a.RunWorker(ctx)
		})
	},
}

// registerWorkerCommands 注册 worker 命令.
func registerWorkerCommands() {
	rootCmd.AddCommand(workerCmd)
}
