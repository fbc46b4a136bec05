package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/blwfish/test-and-calibration-track/internal/app"
	"github.com/blwfish/test-and-calibration-track/internal/config"
	"github.com/blwfish/test-and-calibration-track/internal/sim"
	"github.com/blwfish/test-and-calibration-track/internal/transport"
)

var (
	logLevel   = "info"
	configPath = config.DefaultPath
)

func main() {
	if err := NewCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// NewCommand returns a command that answers throttle, sensor and JMRI
// bridge requests on the broker as a simulated rig would, so the other
// tools can be exercised without track hardware.
func NewCommand() *cobra.Command {
	var (
		flags app.TransportFlags
		loco  = sim.DefaultLoco(3)
	)
	cmd := &cobra.Command{
		Use:          "sim_rig",
		Short:        "Simulate the throttle bridge, sensor array and JMRI bridge on the broker",
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return app.SetupLogger(logLevel)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.InitGlobal(configPath); err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			cfg := config.Get()
			log := logrus.StandardLogger()
			if !cmd.Flags().Changed("roster-id") {
				loco.RosterID = fmt.Sprintf("SIM %d", loco.Address)
			}

			tr := app.ResolveTransport(flags, cfg, log)
			bus, err := transport.DialMQTT(transport.MQTTOptions{
				Broker:   tr.Broker,
				Port:     tr.Port,
				ClientID: cfg.MQTTClientID + "-sim",
				Logger:   log,
			})
			if err != nil {
				return err
			}
			defer bus.Close()

			if _, err := sim.New(bus, transport.NewTopics(tr.Prefix), loco, log); err != nil {
				return err
			}
			log.WithFields(logrus.Fields{
				"address":   loco.Address,
				"roster_id": loco.RosterID,
				"prefix":    tr.Prefix,
			}).Info("simulated rig ready")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			log.Info("simulated rig shutting down")
			return nil
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&logLevel, "log-level", "l", logLevel, "log level (trace, debug, info, warn, error, fatal, panic)")
	fl.StringVar(&configPath, "config", configPath, "config file path")
	fl.StringVar(&flags.Broker, "broker", "", "MQTT broker address (auto-detected from JMRI config)")
	fl.IntVar(&flags.Port, "port", 0, "MQTT broker port (auto-detected from JMRI config)")
	fl.StringVar(&flags.Prefix, "prefix", "", "MQTT topic prefix (auto-detected from JMRI config)")
	fl.IntVar(&loco.Address, "address", loco.Address, "DCC address the rig accepts")
	fl.StringVar(&loco.RosterID, "roster-id", "", "roster id the JMRI bridge reports (default: SIM ADDRESS)")
	fl.StringVar(&loco.DecoderModel, "decoder", loco.DecoderModel, "decoder model the JMRI bridge reports")
	fl.IntVar(&loco.ThresholdForward, "threshold-forward", loco.ThresholdForward, "lowest moving step forward")
	fl.IntVar(&loco.ThresholdReverse, "threshold-reverse", loco.ThresholdReverse, "lowest moving step in reverse")
	fl.Float64Var(&loco.MPHPerStep, "mph-per-step", loco.MPHPerStep, "scale speed gained per speed step")
	fl.Float64Var(&loco.AudioBaseDB, "audio-base-db", loco.AudioBaseDB, "RMS level at idle with default volume")
	return cmd
}
