package main

import (
	"fmt"
	"strings"

	"github.com/jonathan/workflow-runner/internal/definition"
	"github.com/jonathan/workflow-runner/internal/repository"
	"github.com/jonathan/workflow-runner/internal/types"
	"github.com/spf13/cobra"
)

var (
	applyPath  string
	listOwner  string
	listStatus string
	listLimit  int
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Manage workflow definitions",
}

var workflowApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Create or update workflows from YAML definitions",
	Long: `Apply a YAML definition file, or every *.yaml and *.yml file in a directory.
A workflow with the same name and owner is updated in place.`,
	Args: cobra.NoArgs,
	RunE: runWorkflowApply,
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflows",
	Args:  cobra.NoArgs,
	RunE:  runWorkflowList,
}

func init() {
	workflowApplyCmd.Flags().StringVarP(&applyPath, "file", "f", "", "Definition file or directory (required)")
	_ = workflowApplyCmd.MarkFlagRequired("file")

	workflowListCmd.Flags().StringVar(&listOwner, "owner", "", "Only workflows of this owner")
	workflowListCmd.Flags().StringVar(&listStatus, "status", "", "Only workflows in this status (ACTIVE, INACTIVE, ARCHIVED)")
	workflowListCmd.Flags().IntVar(&listLimit, "limit", 0, "Maximum number of workflows")

	workflowCmd.AddCommand(workflowApplyCmd, workflowListCmd)
	rootCmd.AddCommand(workflowCmd)
}

func runWorkflowApply(cmd *cobra.Command, _ []string) error {
	// Parse before connecting so definition errors surface without a database.
	files, err := definition.Load(applyPath)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no workflow definitions found in %s", applyPath)
	}

	a, err := newApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	for _, f := range files {
		wf, created, err := definition.Apply(cmd.Context(), a.repo, &f.Workflow)
		if err != nil {
			return fmt.Errorf("%s: %w", f.Path, err)
		}
		action := "updated"
		if created {
			action = "created"
		}
		fmt.Fprintf(out, "%s %s (%s/%s) from %s\n", action, wf.ID, wf.Owner, wf.Name, f.Path)
	}
	return nil
}

func runWorkflowList(cmd *cobra.Command, _ []string) error {
	filter := repository.WorkflowFilter{Owner: listOwner, Limit: listLimit}
	if listStatus != "" {
		status := types.WorkflowStatus(strings.ToUpper(listStatus))
		if !status.Valid() {
			return fmt.Errorf("unknown workflow status: %s", listStatus)
		}
		filter.Status = &status
	}

	a, err := newApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	workflows, err := a.repo.ListWorkflows(cmd.Context(), filter)
	if err != nil {
		return fmt.Errorf("failed to list workflows: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-36s  %-8s  %-16s  %-24s  %-14s  %s\n", "ID", "STATUS", "OWNER", "NAME", "SCHEDULE", "STEPS")
	for _, wf := range workflows {
		schedule := "-"
		if wf.Schedule != nil {
			schedule = *wf.Schedule
		}
		fmt.Fprintf(out, "%-36s  %-8s  %-16s  %-24s  %-14s  %d\n", wf.ID, wf.Status, wf.Owner, wf.Name, schedule, wf.Steps)
	}
	return nil
}
