package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dan-fein/sandbox-bootstrap-next/cli/style"
)

var tickForce bool

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Trigger a watchdog tick",
	Long:  "Trigger one watchdog pass. With --force a replacement sandbox is provisioned even if the active one is healthy.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if tickForce {
			fmt.Println(style.Subtitle.Render("forcing a sandbox rotation — this can take a few minutes..."))
		}
		msg, err := client.Tick(tickForce)
		if err != nil {
			return err
		}
		fmt.Println(style.Healthy.Render(msg))
		return nil
	},
}

func init() {
	tickCmd.Flags().BoolVar(&tickForce, "force", false, "provision a replacement even if healthy")
	rootCmd.AddCommand(tickCmd)
}
