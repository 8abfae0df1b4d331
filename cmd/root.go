package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

// rootCmd represents the base command for the devplane application.
var rootCmd = &cobra.Command{
	Use:   "devplane",
	Short: "Provision ephemeral development environments on a cluster",
	Long: `devplane provisions and tears down per-user development environments
on a Kubernetes cluster and keeps external DNS records synchronized with
the live location of those environments.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors
	// that are handled by the application.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command. Called from main to
// inject the build version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "devplane version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "/etc/devplane/config.yaml", "Path to the controller configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides the config file")
}
