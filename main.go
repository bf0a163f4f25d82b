package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fermpi/fermpi/controller/config"
	"github.com/fermpi/fermpi/controller/daemon"
)

var (
	configPath string
	devMode    bool
)

var rootCmd = &cobra.Command{
	Use:   "fermpi",
	Short: "Temperature controller for fermentation vessels sharing a chilled bath.",
	Long: `fermpi runs the control loop for a set of fermentation vessels, each ` +
		`with its own heater and cooling valve, fed from one glycol bath. ` +
		`It serves a REST API, Prometheus metrics and optional MQTT telemetry.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath, "path to the YAML config file")
	rootCmd.Flags().BoolVar(&devMode, "dev", false, "run against the simulated board")
}

func run(cmd *cobra.Command, _ []string) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if devMode {
		cfg.DevMode = true
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warnf("unknown log level %q, using info", cfg.LogLevel)
	}
	logger.Infof("starting fermpi with %d vessels in %s mode", len(cfg.Vessels), cfg.ControlMode)

	d, err := daemon.New(cfg, logger)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return d.Run(ctx)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
