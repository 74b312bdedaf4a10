package cmd

import (
	"github.com/spf13/cobra"

	"testjobs/internal/app"
	"testjobs/internal/jobs"
)

var exportFormat string

var exportCmd = &cobra.Command{
	Use:   "export <test-run-id>",
	Short: "Export a test run directly against the configured store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := app.OpenOneshot(cmd.Context(), cfgFile)
		if err != nil {
			return err
		}
		defer func() { _ = o.Close() }()

		res, err := o.Processor.Export(cmd.Context(), jobs.Export{Format: exportFormat, TestRunID: args[0]})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "csv", "csv, jira or pdf")
	rootCmd.AddCommand(exportCmd)
}
