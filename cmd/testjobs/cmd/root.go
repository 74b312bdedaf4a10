package cmd

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "testjobs",
	Short: "testjobs runs the background job workers of the test management platform",
	Long: `testjobs processes bulk result updates, exports and scheduled test runs.

Common workflows:

  Run the workers, trigger and ops API:
    testjobs serve --config ./testjobs.yaml

  Preview when a recurring schedule fires next:
    testjobs next weekly --schedule '{"dayOfWeek":5,"hour":18}'

  Export a run without going through the queue:
    testjobs export <test-run-id> --format csv

  Materialize a scheduled run immediately:
    testjobs materialize <schedule-id>`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "./testjobs.yaml", "config file (yaml or json)")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
