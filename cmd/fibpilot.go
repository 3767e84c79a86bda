package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/whoiscaerus/fibpilot/pkg/app"
	"github.com/whoiscaerus/fibpilot/utilities"
)

const banner = `
   ___________._____.  __________.__.__          __
   \_   _____/|__\_ |__\______   \__|  |   _____/  |_
    |    __)  |  || __ \|     ___/  |  |  /  _ \   __\
    |     \   |  || \_\ \    |   |  |  |_(  <_> )  |
    \___  /   |__||___  /____|   |__|____/\____/|__|
        \/            \/

	Fibonacci/RSI limit-order pilot for MT5
[]=========================================================================[]
`

var (
	cfgFile    string
	resetGuard bool
	cfg        utilities.AppConfig
	logger     *utilities.Logger
)

// rootCmd represents the base command for the FibPilot CLI.
var rootCmd = &cobra.Command{
	Use:   "fibpilot",
	Short: "FibPilot automated signal and execution pipeline",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Load config
		viper.SetConfigFile(cfgFile)
		viper.SetConfigType("json")
		viper.AutomaticEnv()
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
		if err := viper.Unmarshal(&cfg); err != nil {
			return fmt.Errorf("failed to unmarshal config: %w", err)
		}

		// Initialize logger
		level, err := utilities.ParseLogLevel(cfg.Logging.Level)
		if err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
		logger = utilities.NewLogger(level)
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Print(banner)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigChan
			logger.LogWarn("Received signal: %v, initiating graceful shutdown.", sig)
			cancel()
		}()

		if resetGuard {
			if err := app.ResetGuard(ctx, &cfg, logger); err != nil {
				return err
			}
			logger.LogInfo("Risk guard reset to active.")
			return nil
		}

		if err := app.Run(ctx, &cfg, logger); err != nil {
			return err
		}
		logger.LogInfo("FibPilot shutdown complete at %s", time.Now().Format(time.RFC1123))
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config/config.json", "config file (default is config/config.json)")
	rootCmd.PersistentFlags().BoolVar(&resetGuard, "reset-guard", false, "reset a halted risk guard to active and exit")
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
