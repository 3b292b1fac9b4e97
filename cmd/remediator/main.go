package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:          "remediator",
	Short:        "Run Kubernetes Jobs in response to alerts",
	Long:         "remediator matches incoming alerts against playbooks and launches remediation Jobs with the alert exposed as environment variables.",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Consume alerts and serve the admin API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate <playbooks.yaml>",
	Short: "Validate a playbook file and print the first error",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return validate(cmd.OutOrStdout(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "f", "", "Path to configuration file")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		log.Error().Err(err).Msg("remediator exited with error")
		os.Exit(1)
	}
}
