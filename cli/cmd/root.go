package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/dan-fein/sandbox-bootstrap-next/cli/api"
)

var (
	routerURL string
	client    *api.Client
)

var rootCmd = &cobra.Command{
	Use:   "sandboxctl",
	Short: "Operate the sandbox router and its watchdog",
	Long: `sandboxctl — operator CLI for the sandbox preview router.

Inspect the active/draining sandbox set, review recent rotations, and
trigger a watchdog tick by hand.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		client = api.New(routerURL)
	},
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	defaultURL := os.Getenv("SANDBOX_ROUTER_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().StringVar(&routerURL, "api", defaultURL, "sandbox router URL")
}
