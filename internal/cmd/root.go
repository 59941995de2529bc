package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/X2k16/tracking-firmware/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "touchbridge",
	Short: "Card reader to tracking API bridge",
	Long: `touchbridge reads card touches from a FeliCa reader on a serial port and
forwards them to the tracking API, retrying until each touch is accepted.

Run "touchbridge run" on the kiosk; the other commands help set it up.`,
	Version:       "0.3.0",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or /etc/touchbridge/config.yaml)")
}

// loadConfig reads and validates the configuration for a command.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
