package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"testjobs/internal/app"
	"testjobs/internal/jobs"
)

var materializeCmd = &cobra.Command{
	Use:   "materialize <schedule-id>",
	Short: "Create the next test run of a schedule now",
	Long: `materialize runs the scheduled-run job for one schedule immediately. The
template is taken from the schedule record.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		o, err := app.OpenOneshot(ctx, cfgFile)
		if err != nil {
			return err
		}
		defer func() { _ = o.Close() }()

		sr, err := o.Store.GetScheduledRun(ctx, args[0])
		if err != nil {
			return fmt.Errorf("schedule %s: %w", args[0], err)
		}
		res, err := o.Processor.MaterializeScheduledRun(ctx, jobs.ScheduledRun{
			ScheduleID: sr.ID,
			TemplateID: sr.TemplateID,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

func init() {
	rootCmd.AddCommand(materializeCmd)
}
