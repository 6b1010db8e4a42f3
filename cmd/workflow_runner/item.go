package main

import (
	"github.com/jonathan/workflow-runner/internal/observability"
	"github.com/spf13/cobra"
)

var itemCmd = &cobra.Command{
	Use:   "item",
	Short: "Inspect source items",
}

var itemShowCmd = &cobra.Command{
	Use:   "show <item-id>",
	Short: "Print an item with its workflows and runs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		itemID, err := parseID("item id", args[0])
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		detail, err := a.repo.GetSourceItemDetail(cmd.Context(), itemID)
		if err != nil {
			return err
		}
		observability.NewPrinter(cmd.OutOrStdout()).PrintItemDetail(detail)
		return nil
	},
}

func init() {
	itemCmd.AddCommand(itemShowCmd)
	rootCmd.AddCommand(itemCmd)
}
