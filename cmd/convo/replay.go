package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wilhg/convo/internal/config"
	"github.com/wilhg/convo/pkg/agent"
	"github.com/wilhg/convo/pkg/eval"
	"github.com/wilhg/convo/pkg/eventlog"
	"github.com/wilhg/convo/pkg/prompt"
	convo "github.com/wilhg/convo/pkg/slices"
)

// loadCapture reads events from --file, or from the configured database for
// --actor.
func loadCapture(cmd *cobra.Command) (eval.Capture, error) {
	file, _ := cmd.Flags().GetString("file")
	actorID, _ := cmd.Flags().GetString("actor")
	switch {
	case file != "":
		f, err := os.Open(file)
		if err != nil {
			return eval.Capture{}, err
		}
		defer f.Close()
		return eval.ReadCapture(f)
	case actorID != "":
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return eval.Capture{}, err
		}
		if cfg.Database.URL == "" {
			return eval.Capture{}, errors.New("--actor needs database.url to be configured")
		}
		return readActor(cmd.Context(), cfg.Database.URL, actorID)
	default:
		return eval.Capture{}, errors.New("one of --file or --actor is required")
	}
}

func readActor(ctx context.Context, url, actorID string) (eval.Capture, error) {
	st, closeStore, err := openStore(ctx, url)
	if err != nil {
		return eval.Capture{}, err
	}
	defer func() { _ = closeStore() }()
	events, err := eventlog.New(st, actorID).ReadAll(ctx)
	if err != nil {
		return eval.Capture{}, err
	}
	return eval.Capture{ActorID: actorID, Events: events}, nil
}

func addSourceFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("file", "f", "", "JSON capture of an event log")
	cmd.Flags().String("actor", "", "actor whose log is read from the database")
}

func newReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Reduce a recorded event log offline",
		Long: `Reduce a recorded event log offline, without side effects.

Prints the state at --index (the whole log by default). With --diff-from it
prints a diff of the state between the two indices instead, and with --verify
it reduces the log twice and reports the first index where the results differ.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := loadCapture(cmd)
			if err != nil {
				return err
			}
			r, err := agent.Compose(convo.All()...)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			index, _ := cmd.Flags().GetInt64("index")

			if verify, _ := cmd.Flags().GetBool("verify"); verify {
				digest, err := eval.VerifyDeterminism(r, c.Events)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "deterministic over %d events, digest %s\n", len(c.Events), digest)
				return nil
			}
			if cmd.Flags().Changed("diff-from") {
				from, _ := cmd.Flags().GetInt64("diff-from")
				to := index
				if to < 0 {
					to = int64(len(c.Events)) - 1
				}
				d, err := eval.StateDiff(r, c, from, to)
				if err != nil {
					return err
				}
				fmt.Fprint(out, d)
				return nil
			}
			st, err := eval.ReplayCapture(r, c, index)
			if err != nil {
				return err
			}
			b, err := json.MarshalIndent(st, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(b))
			return nil
		},
	}
	addSourceFlags(cmd)
	cmd.Flags().Int64("index", -1, "last event index to apply; negative applies the whole log")
	cmd.Flags().Int64("diff-from", 0, "print the state diff from this index to --index")
	cmd.Flags().Bool("verify", false, "check that reduction is deterministic")
	return cmd
}

func newPromptsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompts",
		Short: "Show the system prompt history of a log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := loadCapture(cmd)
			if err != nil {
				return err
			}
			h, err := prompt.History(c.Events)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			v1, _ := cmd.Flags().GetInt("diff-from")
			v2, _ := cmd.Flags().GetInt("diff-to")
			if v1 > 0 {
				if v2 == 0 {
					v2 = len(h)
				}
				d := prompt.Diff(h, v1, v2)
				if d == "" && v1 != v2 {
					return fmt.Errorf("no versions %d and %d; the log has %d", v1, v2, len(h))
				}
				fmt.Fprint(out, d)
				return nil
			}
			for _, v := range h {
				fmt.Fprintf(out, "v%d (event %d)\n", v.Number, v.EventIndex)
				for _, is := range prompt.Lint(v.Body) {
					fmt.Fprintf(out, "  %s: %s\n", is.Rule, is.Message)
				}
			}
			return nil
		},
	}
	addSourceFlags(cmd)
	cmd.Flags().Int("diff-from", 0, "print the diff starting at this version")
	cmd.Flags().Int("diff-to", 0, "version to diff against; defaults to the latest")
	return cmd
}
