package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	kv "github.com/yeisme/curatevault/pkg/internal/storage/kv"
	"github.com/yeisme/curatevault/pkg/internal/worker"
)

var (
	kvCmd = &cobra.Command{
		Use:     "kv",
		Short:   "Task dedupe store commands",
		Aliases: []string{"keyvalue"},
	}

	kvListCmd = &cobra.Command{
		Use:     "list",
		Short:   "list all registered kv types",
		Aliases: []string{"ls", "l"},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "Registered kv types:")
			for _, t := range kv.GetRegisteredKVTypes() {
				fmt.Fprintln(cmd.OutOrStdout(), "   - "+string(t))
			}
		},
	}

	kvProcessedCmd = &cobra.Command{
		Use:   "processed",
		Short: "list task messages marked as processed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			client, err := kv.NewKVClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			keys, err := client.Keys(ctx, worker.DedupePrefix)
			if err != nil {
				return err
			}

			for _, k := range keys {
				topic, err := client.Get(ctx, k)
				if errors.Is(err, kv.ErrNotFound) {
					continue
				}

				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", strings.TrimPrefix(k, worker.DedupePrefix), topic)
			}

			return nil
		},
	}

	kvForgetCmd = &cobra.Command{
		Use:   "forget MESSAGE_UUID...",
		Short: "drop processed marks so redelivered messages run again",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			client, err := kv.NewKVClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			for _, id := range args {
				if err := client.Delete(ctx, worker.DedupeKey(id)); err != nil {
					return fmt.Errorf("forget %s: %w", id, err)
				}
			}

			return nil
		},
	}
)

// registerKVCommands 注册 KV 相关命令.
func registerKVCommands() {
	rootCmd.AddCommand(kvCmd)
	kvCmd.AddCommand(kvListCmd, kvProcessedCmd, kvForgetCmd)
}
