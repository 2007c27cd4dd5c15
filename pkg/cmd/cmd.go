// Package cmd contains the command line applications for the project.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yeisme/curatevault/pkg/app"
	"github.com/yeisme/curatevault/pkg/configs"
)

var (
	configPath string
	debug      bool

	rootCmd = &cobra.Command{
		Use:           configs.AppName,
		Short:         "Reconcile dataset files between curation buckets",
		Version:       configs.AppVersion,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.Bootstrap(configPath)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", ".", "config file or directory")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "print extra diagnostics")

	registerConfigsCommands()
	registerDBCommands()
	registerMQCommands()
	registerKVCommands()
	registerWorkerCommands()
	registerWorkCommands()
	registerSnapshotCommands()
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

// withApp 打开存储与服务，执行 fn 后释放.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()

	a, err := app.New(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if cerr := a.Close(context.Background()); cerr != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), "close:", cerr)
		}
	}()

	return fn(ctx, a)
}
