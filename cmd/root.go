// Package cmd implements the epona command line using cobra.
package cmd

import (
	"github.com/spf13/cobra"

	"epona/config"
	"epona/logging"
)

var (
	// Global flags
	configFile string
	logLevel   string

	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "epona",
	Short: "Epona - link-layer simulator with address resolution and learning bridges",
	Long: `Epona simulates a small link-layer network.

Switches run one or more isolated learning bridges whose ports are TCP
listeners. Hosts attach to a switch port, resolve link addresses with
broadcast resolution requests and exchange checksummed frames.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (YAML); EPONA_* environment variables override it")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"override log.level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(switchCmd)
	rootCmd.AddCommand(hostCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() error {
	c, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		c.Log.Level = logLevel
		if err := c.ValidateAndApplyDefaults(); err != nil {
			return err
		}
	}
	if err := logging.Setup(c.Log); err != nil {
		return err
	}
	cfg = c
	return nil
}
