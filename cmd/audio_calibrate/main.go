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

func NewCommand() *cobra.Command {
	var (
		opts      app.AudioOptions
		member    int
		transport app.TransportFlags
		db        string
	)
	cmd := &cobra.Command{
		Use:   "audio_calibrate",
		Short: "Match locomotive sound volume to a fleet reference",
		Long: `Compares the audio curve of a locomotive's latest calibration run with
the reference locomotive and works out the master volume CV that brings the
two within 1 dB. Nothing is written to the decoder without --apply.`,
		Example: `  audio_calibrate --set-reference "SP 4449"
  audio_calibrate --list
  audio_calibrate --roster-id "UP 844"
  audio_calibrate --roster-id "UP 844" --apply
  audio_calibrate --roster-id "ATSF 3751" --members`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return app.SetupLogger(logLevel)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.InitGlobal(configPath); err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			cfg := config.Get()
			if cmd.Flags().Changed("member") {
				opts.Member = &member
			}
			if db == "" {
				db = cfg.DBPath
			}
			env := app.AudioEnv{
				Transport: app.ResolveTransport(transport, cfg, logrus.StandardLogger()),
				ClientID:  cfg.MQTTClientID + "-audio",
				DBPath:    db,
				CVTimeout: cfg.CVTimeout(),
				Out:       cmd.OutOrStdout(),
				Log:       logrus.StandardLogger(),
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.RunAudioCalibrate(ctx, env, opts)
		},
	}

	cmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", logLevel, "log level (trace, debug, info, warn, error, fatal, panic)")
	cmd.PersistentFlags().StringVar(&configPath, "config", configPath, "config file path")

	fl := cmd.Flags()
	fl.StringVar(&opts.RosterID, "roster-id", "", "locomotive to adjust")
	fl.StringVar(&opts.ReferenceID, "reference-id", "", "compare against this locomotive instead of the fleet reference")
	fl.StringVar(&opts.SetReference, "set-reference", "", "make this locomotive the fleet audio reference")
	fl.BoolVar(&opts.List, "list", false, "list the fleet with volume grades")
	fl.BoolVar(&opts.Members, "members", false, "list the decoders of the consist given by --roster-id")
	fl.IntVar(&member, "member", 0, "consist member address whose volume to adjust")
	fl.BoolVar(&opts.Apply, "apply", false, "write the new volume CV to the decoder")
	fl.BoolVar(&opts.DryRun, "dry-run", false, "do not contact the programming track")
	fl.StringVar(&transport.Broker, "broker", "", "MQTT broker address (auto-detected from JMRI config)")
	fl.IntVar(&transport.Port, "port", 0, "MQTT broker port (auto-detected from JMRI config)")
	fl.StringVar(&transport.Prefix, "prefix", "", "MQTT topic prefix (auto-detected from JMRI config)")
	fl.StringVar(&db, "db", "", "SQLite database path (default from config)")
	cmd.MarkFlagsMutuallyExclusive("set-reference", "list", "members")
	return cmd
}
