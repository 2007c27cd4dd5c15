package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	mq "github.com/yeisme/curatevault/pkg/internal/storage/mq"
	"github.com/yeisme/curatevault/pkg/queue"
)

var (
	mqCmd = &cobra.Command{
		Use:     "mq",
		Short:   "Task queue transport commands",
		Aliases: []string{"messagequeue"},
	}

	mqListCmd = &cobra.Command{
		Use:     "list",
		Short:   "list all registered mq types",
		Aliases: []string{"ls", "l"},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "Registered mq types:")
			for _, t := range mq.GetRegisteredMQTypes() {
				fmt.Fprintln(cmd.OutOrStdout(), "   - "+string(t))
			}
		},
	}

	mqTopicsCmd = &cobra.Command{
		Use:   "topics",
		Short: "list the task topics the worker subscribes to",
		Run: func(cmd *cobra.Command, _ []string) {
			for _, t := range queue.TaskTopics() {
				fmt.Fprintln(cmd.OutOrStdout(), t)
			}

			fmt.Fprintln(cmd.OutOrStdout(), queue.TopicTaskFailed+" (exhausted retries)")
		},
	}
)

// registerMQCommands 注册 MQ 相关命令.
func registerMQCommands() {
	rootCmd.AddCommand(mqCmd)
	mqCmd.AddCommand(mqListCmd, mqTopicsCmd)
}
