// Package observability provides formatted output of runs and items for the CLI.
package observability

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jonathan/workflow-runner/internal/types"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 72
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 10
)

// Printer handles formatted output of run and item views
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	lines := strings.Split(content, "\n")
	for _, line := range lines {
		// Truncate long lines
		if len(line) > boxWidth-4 {
			line = line[:boxWidth-7] + "..."
		}
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, line)
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// PrintRunDetail outputs the run header, its source polls and the pipeline
// progress of each item.
func (p *Printer) PrintRunDetail(detail *types.WorkflowRunDetail) {
	if detail == nil {
		return
	}
	run := detail.Run

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Workflow:  %s (%s/%s)\n", detail.Workflow.ID, detail.Workflow.Owner, detail.Workflow.Name))
	sb.WriteString(fmt.Sprintf("Status:    %s\n", run.Status))
	if run.TriggeredBy != nil {
		sb.WriteString(fmt.Sprintf("Trigger:   %s\n", *run.TriggeredBy))
	} else {
		sb.WriteString("Trigger:   schedule\n")
	}
	sb.WriteString(fmt.Sprintf("Items:     %d/%d processed\n", run.ItemsProcessed, run.ItemsTotal))
	sb.WriteString(fmt.Sprintf("Started:   %s\n", formatTime(run.StartedAt)))
	sb.WriteString(fmt.Sprintf("Completed: %s", formatTime(run.CompletedAt)))
	if run.StartedAt != nil && run.CompletedAt != nil {
		sb.WriteString(fmt.Sprintf(" (%s)", run.CompletedAt.Sub(*run.StartedAt).Round(time.Millisecond)))
	}
	if run.FailureReason != nil {
		sb.WriteString(fmt.Sprintf("\nFailure:   %s", *run.FailureReason))
	}
	p.printBox("WORKFLOW RUN "+run.ID.String(), sb.String())

	var sources, pipeline []types.PluginRun
	for _, pr := range detail.PluginRuns {
		if pr.Type == types.PluginRunTypeSource {
			sources = append(sources, pr)
		} else {
			pipeline = append(pipeline, pr)
		}
	}
	p.PrintSourceRuns(sources)
	p.printItems(detail.Items, pipeline)
}

// PrintSourceRuns outputs one line per source poll.
func (p *Printer) PrintSourceRuns(runs []types.PluginRun) {
	if len(runs) == 0 {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Source polls: %d\n\n", len(runs)))
	count := min(len(runs), maxItemsToShow)
	for i := 0; i < count; i++ {
		sb.WriteString(pluginRunLine(runs[i], runs[i].PluginID))
		if i < count-1 {
			sb.WriteString("\n")
		}
	}
	if len(runs) > maxItemsToShow {
		sb.WriteString(fmt.Sprintf("\n... and %d more polls", len(runs)-maxItemsToShow))
	}
	p.printBox("SOURCE", sb.String())
}

func (p *Printer) printItems(items []types.RunItemDetail, pipeline []types.PluginRun) {
	if len(items) == 0 {
		return
	}

	steps := make(map[string][]types.PluginRun)
	for _, pr := range pipeline {
		if pr.SourceItemID != nil {
			key := pr.SourceItemID.String()
			steps[key] = append(steps[key], pr)
		}
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Items in run: %d\n\n", len(items)))
	count := min(len(items), maxItemsToShow)
	for i := 0; i < count; i++ {
		item := items[i]
		mark := " "
		if item.ProcessedAt != nil {
			mark = "✓"
		}
		sb.WriteString(fmt.Sprintf("%s %s  %s\n", mark, item.Item.ID, item.Item.ExternalID))
		for _, pr := range steps[item.Item.ID.String()] {
			sb.WriteString("    " + pluginRunLine(pr, pr.StepID) + "\n")
		}
		if i < count-1 {
			sb.WriteString("\n")
		}
	}
	if len(items) > maxItemsToShow {
		sb.WriteString(fmt.Sprintf("\n... and %d more items", len(items)-maxItemsToShow))
	}
	p.printBox("ITEMS", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintItemDetail outputs an item with the workflows that discovered it and
// the runs it took part in.
func (p *Printer) PrintItemDetail(detail *types.SourceItemDetail) {
	if detail == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("External ID: %s\n", detail.Item.ExternalID))
	sb.WriteString(fmt.Sprintf("Processed:   %s\n", formatTime(detail.Item.ProcessedAt)))
	sb.WriteString(fmt.Sprintf("Data:        %s\n", compact(detail.Item.Data)))

	if len(detail.Workflows) > 0 {
		sb.WriteString("\nWorkflows (first seen):\n")
		for _, wi := range detail.Workflows {
			sb.WriteString(fmt.Sprintf("  • %s %s\n", wi.WorkflowID, wi.FirstSeenAt.UTC().Format(time.RFC3339)))
		}
	}
	if len(detail.Runs) > 0 {
		sb.WriteString("\nRuns:\n")
		count := min(len(detail.Runs), maxItemsToShow)
		for i := 0; i < count; i++ {
			ri := detail.Runs[i]
			state := "pending"
			if ri.ProcessedAt != nil {
				state = "processed"
			}
			sb.WriteString(fmt.Sprintf("  • %s %s\n", ri.WorkflowRunID, state))
		}
		if len(detail.Runs) > maxItemsToShow {
			sb.WriteString(fmt.Sprintf("  ... and %d more\n", len(detail.Runs)-maxItemsToShow))
		}
	}

	p.printBox("SOURCE ITEM "+detail.Item.ID.String(), strings.TrimSuffix(sb.String(), "\n"))
}

func pluginRunLine(pr types.PluginRun, label string) string {
	line := fmt.Sprintf("%-20s %-10s", label, pr.Status)
	if pr.RetryCount > 0 {
		line += fmt.Sprintf(" retries=%d", pr.RetryCount)
	}
	if len(pr.Error) > 0 && !types.IsNullJSON(pr.Error) {
		line += " " + compact(pr.Error)
	}
	return line
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func compact(raw []byte) string {
	s := strings.Join(strings.Fields(string(raw)), " ")
	if s == "" {
		return "-"
	}
	return s
}
