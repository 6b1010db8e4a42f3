package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/jonathan/workflow-runner/internal/observability"
	"github.com/spf13/cobra"
)

var triggeredBy string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Trigger and manage workflow runs",
	Long: `Trigger and manage workflow runs. Commands only queue jobs and update state;
a running "serve" process executes them.`,
}

var runTriggerCmd = &cobra.Command{
	Use:   "trigger <workflow-id>",
	Short: "Queue a manual run of a workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		workflowID, err := parseID("workflow id", args[0])
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		by := triggeredBy
		job, err := a.engine.TriggerRun(cmd.Context(), workflowID, &by)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "queued job %s for workflow %s\n", job.ID, workflowID)
		return nil
	},
}

var runShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Print a run with its plugin runs and items",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID, err := parseID("run id", args[0])
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		detail, err := a.repo.GetWorkflowRunDetail(cmd.Context(), runID)
		if err != nil {
			return err
		}
		observability.NewPrinter(cmd.OutOrStdout()).PrintRunDetail(detail)
		return nil
	},
}

var runCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID, err := parseID("run id", args[0])
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		run, err := a.engine.CancelRun(cmd.Context(), runID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "run %s is %s\n", run.ID, run.Status)
		return nil
	},
}

var runRetryCmd = &cobra.Command{
	Use:   "retry <run-id> <item-id> <step-id>",
	Short: "Re-run one item's pipeline from a step",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID, itemID, err := parseRunItem(args)
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		job, err := a.engine.RetryFromStep(cmd.Context(), runID, itemID, args[2])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "queued job %s retrying step %s\n", job.ID, args[2])
		return nil
	},
}

var runSkipCmd = &cobra.Command{
	Use:   "skip <run-id> <item-id> <step-id>",
	Short: "Mark one item's step as skipped",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID, itemID, err := parseRunItem(args)
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		pr, err := a.engine.SkipStep(cmd.Context(), runID, itemID, args[2])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "step %s of item %s is %s\n", pr.StepID, itemID, pr.Status)
		return nil
	},
}

func init() {
	runTriggerCmd.Flags().StringVar(&triggeredBy, "by", "cli", "Recorded as the run's trigger")
	runCmd.AddCommand(runTriggerCmd, runShowCmd, runCancelCmd, runRetryCmd, runSkipCmd)
	rootCmd.AddCommand(runCmd)
}

func parseID(what, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s %q: %w", what, s, err)
	}
	return id, nil
}

func parseRunItem(args []string) (uuid.UUID, uuid.UUID, error) {
	runID, err := parseID("run id", args[0])
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	itemID, err := parseID("item id", args[1])
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return runID, itemID, nil
}
