// Command kcx serves the multi-tenant cost analytics API and runs the
// analytics primitives offline.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kcx-hq/kcx-01-sub007/internal/analytics"
	"github.com/kcx-hq/kcx-01-sub007/internal/config"
	"github.com/kcx-hq/kcx-01-sub007/internal/logging"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kcx",
		Short: "Multi-tenant FinOps cost analytics and anomaly engine",
		Long: `kcx computes tenant-scoped cost analytics over normalized billing data:
KPIs, period-over-period cost drivers, unit economics, price drift,
anomalies, resource lifecycle and tag compliance.

Examples:
  kcx serve
  kcx report --sample --client acme
  kcx drivers --current may.json --previous april.json
  kcx anomalies 10 10 10 10 10 10 100 --sigma 2
  kcx drift --baseline 1.0 --current 1.2 --threshold 15`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCmd(),
		newReportCmd(),
		newSeedCmd(),
		newDriversCmd(),
		newAnomaliesCmd(),
		newDriftCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), "kcx version", version)
			},
		},
	)
	return root
}

// bootstrap loads configuration and builds the logger shared by commands
// that talk to backing services.
func bootstrap() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// engineSettings maps the configured analytics thresholds onto the engine.
func engineSettings(a config.Analytics) analytics.Settings {
	s := analytics.DefaultSettings()
	s.Sigma = a.AnomalySigma
	s.SpikeMultiplier = a.SpikeMultiplier
	s.DriftThresholdPct = a.DriftThresholdPct
	s.DriftBaselineWindow = a.DriftBaselineWindow
	s.ZombieMinZeroDays = a.ZombieMinZeroDays
	if len(a.MandatoryTags) > 0 {
		s.MandatoryTags = a.MandatoryTags
	}
	return s
}
