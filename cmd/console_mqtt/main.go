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
	var flags app.TransportFlags
	cmd := &cobra.Command{
		Use:          "console_mqtt",
		Short:        "Print throttle, sensor and JMRI bridge traffic",
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return app.SetupLogger(logLevel)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.InitGlobal(configPath); err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			cfg := config.Get()
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.RunConsoleMQTT(ctx, app.ConsoleEnv{
				Transport: app.ResolveTransport(flags, cfg, logrus.StandardLogger()),
				ClientID:  cfg.MQTTClientID + "-console",
				Out:       cmd.OutOrStdout(),
				Log:       logrus.StandardLogger(),
			})
		},
	}
	cmd.Flags().StringVarP(&logLevel, "log-level", "l", logLevel, "log level (trace, debug, info, warn, error, fatal, panic)")
	cmd.Flags().StringVar(&configPath, "config", configPath, "config file path")
	cmd.Flags().StringVar(&flags.Broker, "broker", "", "MQTT broker address (auto-detected from JMRI config)")
	cmd.Flags().IntVar(&flags.Port, "port", 0, "MQTT broker port (auto-detected from JMRI config)")
	cmd.Flags().StringVar(&flags.Prefix, "prefix", "", "MQTT topic prefix (auto-detected from JMRI config)")
	return cmd
}
