// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

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

func NewCommand() *cobra.Command {
	var (
		addr    string
		db      string
		noRelay bool
		flags   app.TransportFlags
	)
	cmd := &cobra.Command{
		Use:   "web",
		Short: "Serve the calibration dashboard",
		Long: `Serves the stored runs, audio curves and fleet grades as JSON. Unless
--no-relay is given, live progress of a calibration running elsewhere is
relayed from the broker to /ws/progress.`,
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
			opts := app.WebOptions{Addr: cfg.DashboardAddr, DBPath: cfg.DBPath, Log: log}
			if addr != "" {
				opts.Addr = addr
			}
			if db != "" {
				opts.DBPath = db
			}

			if !noRelay {
				tr := app.ResolveTransport(flags, cfg, log)
				bus, err := transport.DialMQTT(transport.MQTTOptions{
					Broker:   tr.Broker,
					Port:     tr.Port,
					ClientID: cfg.MQTTClientID + "-web",
					Logger:   log,
				})
				if err != nil {
					return err
				}
				defer bus.Close()
				opts.Bus = bus
				opts.Topics = transport.NewTopics(tr.Prefix)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.RunWeb(ctx, opts)
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&logLevel, "log-level", "l", logLevel, "log level (trace, debug, info, warn, error, fatal, panic)")
	fl.StringVar(&configPath, "config", configPath, "config file path")
	fl.StringVar(&addr, "addr", "", "listen address (default from config)")
	fl.StringVar(&db, "db", "", "SQLite database path (default from config)")
	fl.BoolVar(&noRelay, "no-relay", false, "do not connect to the broker for live progress")
	fl.StringVar(&flags.Broker, "broker", "", "MQTT broker address (auto-detected from JMRI config)")
	fl.IntVar(&flags.Port, "port", 0, "MQTT broker port (auto-detected from JMRI config)")
	fl.StringVar(&flags.Prefix, "prefix", "", "MQTT topic prefix (auto-detected from JMRI config)")
	return cmd
}
