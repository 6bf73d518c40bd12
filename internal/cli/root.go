// Package cli implements the timebank command line.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/timebank-network/timebank/internal/daemon"
	"github.com/timebank-network/timebank/internal/infra/logging"
)

var homeFlag string

var rootCmd = &cobra.Command{
	Use:   "timebank",
	Short: "Time-credit marketplace",
	Long: `timebank runs a community marketplace where members trade services
for time credits. Posting an offer reserves its cost, completing it settles
the credits to the performer, and the performer claims them when ready.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&homeFlag, "home", "", "Data directory (default $TIMEBANK_HOME or ~/.timebank)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func homeDir() string {
	if homeFlag != "" {
		return homeFlag
	}
	return daemon.Home()
}

// loadConfig reads the configuration and builds the logger it names.
func loadConfig() (daemon.Config, *zap.Logger, error) {
	cfg, err := daemon.LoadConfig(homeDir())
	if err != nil {
		return cfg, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, logger, nil
}

// openDaemon wires the store and engine for one-shot admin commands. The
// live feed is off since nothing in this process subscribes to it.
func openDaemon() (*daemon.Daemon, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	cfg.Notify.LiveFeed = false
	return daemon.New(homeDir(), cfg, zap.NewNop())
}
