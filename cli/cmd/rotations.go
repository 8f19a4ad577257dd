package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dan-fein/sandbox-bootstrap-next/cli/style"
)

var rotationsCmd = &cobra.Command{
	Use:     "rotations",
	Short:   "Show recent watchdog events",
	Aliases: []string{"log"},
	RunE: func(cmd *cobra.Command, args []string) error {
		events, err := client.Rotations()
		if err != nil {
			return fmt.Errorf("failed to fetch rotations: %w", err)
		}
		if len(events) == 0 {
			fmt.Println(style.DimText.Render("no watchdog events recorded yet"))
			return nil
		}
		for _, evt := range events {
			line := fmt.Sprintf("%s  %-18s %s",
				evt.Timestamp.Format("2006-01-02 15:04:05"), evt.Action, evt.Message)
			switch evt.Action {
			case "step.failed", "tick.failed":
				fmt.Println(style.Unhealthy.Render(line))
			case "rotation.promoted":
				fmt.Println(style.Healthy.Render(line))
			default:
				fmt.Println(line)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rotationsCmd)
}
