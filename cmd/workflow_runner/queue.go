package main

import (
	"fmt"
	"strings"

	"github.com/jonathan/workflow-runner/internal/queue"
	"github.com/spf13/cobra"
)

var clearStates []string

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and administer the job queues",
	Long:  "Inspect and administer the job queues: " + strings.Join(queue.Names, ", ") + ".",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats [queue]",
	Short: "Print job counts per state",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		names := queue.Names
		if len(args) == 1 {
			if err := checkQueue(args[0]); err != nil {
				return err
			}
			names = args
		}
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		for _, name := range names {
			counts, err := a.queue.Counts(cmd.Context(), name)
			if err != nil {
				return err
			}
			paused, err := a.queue.IsPaused(cmd.Context(), name)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s", name)
			if paused {
				fmt.Fprint(out, " (paused)")
			}
			for _, state := range queue.AllStates {
				fmt.Fprintf(out, " %s=%d", state, counts[state])
			}
			fmt.Fprintln(out)
		}
		return nil
	},
}

var queuePauseCmd = &cobra.Command{
	Use:   "pause <queue>",
	Short: "Stop workers from taking new jobs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(cmd, args[0], func(a *app) error {
			if err := a.queue.Pause(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s paused\n", args[0])
			return nil
		})
	},
}

var queueResumeCmd = &cobra.Command{
	Use:   "resume <queue>",
	Short: "Let workers take jobs again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(cmd, args[0], func(a *app) error {
			if err := a.queue.Resume(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s resumed\n", args[0])
			return nil
		})
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear <queue>",
	Short: "Remove jobs that are not active",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var states []queue.State
		for _, s := range clearStates {
			state, err := queue.ParseState(strings.ToLower(strings.TrimSpace(s)))
			if err != nil {
				return err
			}
			states = append(states, state)
		}
		return withQueue(cmd, args[0], func(a *app) error {
			n, err := a.queue.Clear(cmd.Context(), args[0], states...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d jobs from %s\n", n, args[0])
			return nil
		})
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <queue> <job-id>",
	Short: "Move a completed or failed job back to waiting",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(cmd, args[0], func(a *app) error {
			job, err := a.queue.RetryJob(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s is %s\n", job.ID, job.State)
			return nil
		})
	},
}

func init() {
	queueClearCmd.Flags().StringSliceVar(&clearStates, "state", nil, "Only remove jobs in these states (default: all but active)")
	queueCmd.AddCommand(queueStatsCmd, queuePauseCmd, queueResumeCmd, queueClearCmd, queueRetryCmd)
	rootCmd.AddCommand(queueCmd)
}

func checkQueue(name string) error {
	if !queue.Known(name) {
		return fmt.Errorf("unknown queue %q (known: %s)", name, strings.Join(queue.Names, ", "))
	}
	return nil
}

// withQueue validates the queue name, connects and runs fn.
func withQueue(cmd *cobra.Command, name string, fn func(a *app) error) error {
	if err := checkQueue(name); err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
