package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"testjobs/internal/recurrence"
)

var (
	nextSchedule string
	nextNow      string
)

type nextOutput struct {
	Frequency string    `json:"frequency"`
	Now       time.Time `json:"now"`
	Next      time.Time `json:"next"`
	Fallback  bool      `json:"fallback,omitempty"`
	Error     string    `json:"error,omitempty"`
}

var nextCmd = &cobra.Command{
	Use:   "next <frequency>",
	Short: "Print when a recurring schedule fires next",
	Long: `next evaluates a schedule the way the materializer does. frequency is one of
daily, weekly, monthly or custom; --schedule carries the JSON schedule config.
An invalid config falls back to one day after now, exactly like a real run.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		now := time.Now().UTC()
		if nextNow != "" {
			t, err := time.Parse(time.RFC3339, nextNow)
			if err != nil {
				return fmt.Errorf("--now: %w", err)
			}
			now = t
		}
		res := recurrence.Next(args[0], json.RawMessage(nextSchedule), now)
		out := nextOutput{Frequency: args[0], Now: now, Next: res.At, Fallback: res.Fallback}
		if res.Err != nil {
			out.Error = res.Err.Error()
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

func init() {
	nextCmd.Flags().StringVar(&nextSchedule, "schedule", "{}", "schedule config JSON, e.g. {\"hour\":9,\"minute\":30}")
	nextCmd.Flags().StringVar(&nextNow, "now", "", "evaluate at this RFC3339 time instead of the current time")
	rootCmd.AddCommand(nextCmd)
}
