package commands

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "brixsport",
	Short: "Brixsport platform security backend",
	Long: `Brixsport backend: session management, authentication, MFA,
risk scoring, traffic protection and security auditing for the
campus live score platform.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(rotateKeysCmd)
}

// Execute runs the CLI
func Execute() error {
	return rootCmd.Execute()
}
