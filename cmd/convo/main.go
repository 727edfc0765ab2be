// Command convo serves conversation actors over HTTP and replays their logs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	// model providers register themselves
	_ "github.com/wilhg/convo/pkg/adapters/llm/gemini"
	_ "github.com/wilhg/convo/pkg/adapters/llm/openai"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "convo",
		Short:         "Event-sourced conversation actors",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", os.Getenv("CONVO_CONFIG"), "path to YAML configuration file")
	root.AddCommand(newServeCmd(), newReplayCmd(), newPromptsCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "convo %s (commit=%s, date=%s)\n", version, commit, date)
		},
	}
}
