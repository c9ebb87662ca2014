// Package cli implements the taskqctl operator commands.
package cli

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/SirClappington/taskq/internal/app"
	"github.com/SirClappington/taskq/internal/domain"
	"github.com/SirClappington/taskq/internal/storage"
	"github.com/SirClappington/taskq/internal/tasks"
)

// Opener builds an App for one command invocation.
type Opener func(ctx context.Context, opts ...app.Option) (*app.App, error)

// NewRoot constructs the root command and registers the queues, submit, dlq
// and status commands.
func NewRoot(open Opener) *cobra.Command {
	root := &cobra.Command{
		Use:           "taskqctl",
		Short:         "Operate the task queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newQueuesCommand(open))
	root.AddCommand(newSubmitCommand(open))
	root.AddCommand(newDLQCommand(open))
	root.AddCommand(newStatusCommand(open))
	return root
}

// existing opens an App bound to queues that must already exist.
func existing(ctx context.Context, open Opener) (*app.App, error) {
	a, err := open(ctx, app.SkipQueueSetup())
	if err != nil {
		return nil, err
	}
	qs, err := a.Manager.Lookup(ctx)
	if err != nil {
		_ = a.Close()
		return nil, errors.Wrap(err, "queues not provisioned, run `taskqctl queues ensure`")
	}
	a.UseQueues(qs)
	return a, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newQueuesCommand(open Opener) *cobra.Command {
	cmd := &cobra.Command{Use: "queues", Short: "Manage the main and dead-letter queues"}

	cmd.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Create the queues if missing and print their addresses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			return printJSON(cmd.OutOrStdout(), map[string]string{
				"main_url":        a.Queues.MainURL,
				"dead_letter_url": a.Queues.DeadLetterURL,
				"dead_letter_arn": a.Queues.DeadLetterARN,
			})
		},
	})

	var prefix string
	list := &cobra.Command{
		Use:   "list",
		Short: "List queue URLs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := open(cmd.Context(), app.SkipQueueSetup())
			if err != nil {
				return err
			}
			defer a.Close()
			urls, err := a.Queue.ListQueues(cmd.Context(), prefix)
			if err != nil {
				return err
			}
			if urls == nil {
				urls = []string{}
			}
			return printJSON(cmd.OutOrStdout(), urls)
		},
	}
	list.Flags().StringVar(&prefix, "prefix", "", "only list queues whose name starts with this")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete",
		Short: "Delete the main and dead-letter queues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := open(cmd.Context(), app.SkipQueueSetup())
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Manager.Teardown(cmd.Context())
		},
	})
	return cmd
}

func newSubmitCommand(open Opener) *cobra.Command {
	var (
		kwargs string
		delay  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit TASK [ARG...]",
		Short: "Submit a task; each ARG is parsed as JSON, falling back to a string",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, argv []string) error {
			args := make([]any, 0, len(argv)-1)
			for _, s := range argv[1:] {
				var v any
				if err := json.Unmarshal([]byte(s), &v); err != nil {
					v = s
				}
				args = append(args, v)
			}
			var kw map[string]any
			if kwargs != "" {
				if err := json.Unmarshal([]byte(kwargs), &kw); err != nil {
					return errors.Wrap(err, "--kwargs must be a JSON object")
				}
			}

			a, err := existing(cmd.Context(), open)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := a.Submitter.Submit(cmd.Context(), argv[0], args, kw, tasks.WithDelay(delay))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{"task_id": id, "status": string(domain.Pending)})
		},
	}
	cmd.Flags().StringVar(&kwargs, "kwargs", "", "keyword arguments as a JSON object")
	cmd.Flags().DurationVar(&delay, "delay", 0, "delivery delay, at most 15m")
	return cmd
}

func newDLQCommand(open Opener) *cobra.Command {
	cmd := &cobra.Command{Use: "dlq", Short: "Inspect and reprocess dead-lettered tasks"}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "Show dead-lettered messages without consuming them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := existing(cmd.Context(), open)
			if err != nil {
				return err
			}
			defer a.Close()
			entries, err := a.Inspector.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"messages": entries, "count": len(entries)})
		},
	}
	list.Flags().IntVar(&limit, "limit", 10, "maximum messages to show (1-10)")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "reprocess",
		Short: "Move every dead-lettered task back onto the main queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := existing(cmd.Context(), open)
			if err != nil {
				return err
			}
			defer a.Close()
			n, err := a.Reprocessor.ReprocessAll(cmd.Context())
			if perr := printJSON(cmd.OutOrStdout(), map[string]int{"reprocessed": n}); perr != nil {
				return perr
			}
			return err
		},
	})
	return cmd
}

func newStatusCommand(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "status TASK_ID",
		Short: "Show the recorded result of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, argv []string) error {
			a, err := open(cmd.Context(), app.SkipQueueSetup())
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.Results.Get(cmd.Context(), argv[0])
			if errors.Is(err, storage.ErrNotFound) {
				res, err = &domain.JobResult{TaskID: argv[0], Status: domain.Pending}, nil
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}
