package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dan-fein/sandbox-bootstrap-next/cli/style"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show the active and draining sandboxes",
	Aliases: []string{"s"},
	RunE:    runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	state, err := client.State()
	if err != nil {
		return fmt.Errorf("failed to fetch state: %w", err)
	}

	fmt.Println(style.Banner.Render("⏣ SANDBOX ROUTER"))
	fmt.Println()

	if state.Active == nil {
		fmt.Println(style.Unhealthy.Render("  no active sandbox"))
	} else {
		fmt.Printf("  %s  %s\n", style.Healthy.Render("●"), state.Active.ID)
		fmt.Println(style.DimText.Render("     " + state.Active.URL))
		fmt.Println(style.DimText.Render("     created " + state.Active.CreatedAt.Format(time.RFC3339)))
	}

	if len(state.Draining) > 0 {
		fmt.Println()
		fmt.Println(style.Subtitle.Render(fmt.Sprintf("  draining (%d):", len(state.Draining))))
		for _, d := range state.Draining {
			fmt.Printf("  %s  %s %s\n", style.Draining.Render("◌"), d.ID,
				style.DimText.Render("since "+d.DrainStartedAt.Format(time.RFC3339)))
		}
	}

	fmt.Println()
	fmt.Println(style.DimText.Render("  last check:    " + formatTime(state.LastCheckAt)))
	fmt.Println(style.DimText.Render("  last rotation: " + formatTime(state.LastRotationAt)))
	if state.LastFailure != nil {
		fmt.Println(style.Unhealthy.Render("  last failure:  " + state.LastFailure.Reason))
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format(time.RFC3339)
}
