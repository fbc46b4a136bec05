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
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/blwfish/test-and-calibration-track/internal/app"
	"github.com/blwfish/test-and-calibration-track/internal/calibration"
	"github.com/blwfish/test-and-calibration-track/internal/config"
	"github.com/blwfish/test-and-calibration-track/internal/storage"
)

var (
	logLevel   = "info"
	configPath = config.DefaultPath
)

type calibrateFlags struct {
	address  int
	rosterID string
	broker   string
	port     int
	prefix   string

	minStep   int
	maxStep   int
	stepInc   int
	settle    float64
	passes    int
	lowPasses int
	lowRange  int
	timeout   float64

	output            string
	db                string
	skipStartOfMotion bool
	dryRun            bool
	noImportProfile   bool
	noValidateRoster  bool
	audio             bool
	compareAudio      bool
	pull              bool
	vibration         bool
	dashboard         string
}

func main() {
	if err := NewCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func NewCommand() *cobra.Command {
	var f calibrateFlags
	cmd := &cobra.Command{
		Use:   "calibrate --address N",
		Short: "Automated locomotive speed calibration",
		Long: `Finds the start-of-motion step in each direction, sweeps the speed steps
over the sensor array and writes the speed table to a JSON file and the
calibration database. With --roster-id the profile is imported into JMRI.

Press Ctrl+C to stop early; the steps measured so far are kept.`,
		Example: `  calibrate --address 3
  calibrate --address 1234 --broker 10.0.0.5 --passes 2
  calibrate --address 3 --dry-run
  calibrate --address 3 --skip-start-of-motion --min-step 10 --max-step 50`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return app.SetupLogger(logLevel)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCalibrate(cmd, &f)
		},
	}

	global := cmd.PersistentFlags()
	global.StringVarP(&logLevel, "log-level", "l", logLevel, "log level (trace, debug, info, warn, error, fatal, panic)")
	global.StringVar(&configPath, "config", configPath, "config file path")
	global.StringVar(&f.db, "db", "", "SQLite database path (default from config)")

	fl := cmd.Flags()
	fl.IntVar(&f.address, "address", 0, "DCC address of the locomotive to calibrate")
	fl.StringVar(&f.rosterID, "roster-id", "", "JMRI roster id (default: addr:ADDRESS)")
	fl.StringVar(&f.broker, "broker", "", "MQTT broker address (auto-detected from JMRI config)")
	fl.IntVar(&f.port, "port", 0, "MQTT broker port (auto-detected from JMRI config)")
	fl.StringVar(&f.prefix, "prefix", "", "MQTT topic prefix (auto-detected from JMRI config)")
	fl.IntVar(&f.minStep, "min-step", 1, "starting speed step when start of motion is skipped")
	fl.IntVar(&f.maxStep, "max-step", calibration.MaxSpeedStep, "ending speed step")
	fl.IntVar(&f.stepInc, "step-inc", 1, "speed step increment")
	fl.Float64Var(&f.settle, "settle", 5, "seconds to wait after a speed change")
	fl.IntVar(&f.passes, "passes", 1, "passes per speed step")
	fl.IntVar(&f.lowPasses, "low-passes", 3, "passes for steps near start of motion")
	fl.IntVar(&f.lowRange, "low-range", 5, "steps above start of motion that use --low-passes")
	fl.Float64Var(&f.timeout, "timeout", 90, "max seconds to wait for a sensor result")
	fl.StringVar(&f.output, "output", "", "output file (default: OUTPUT_DIR/speed_table_ADDR.json)")
	fl.BoolVar(&f.skipStartOfMotion, "skip-start-of-motion", false, "skip the threshold search and start at --min-step")
	fl.BoolVar(&f.dryRun, "dry-run", false, "run against a simulated rig without touching the broker")
	fl.BoolVar(&f.noImportProfile, "no-import-profile", false, "skip the JMRI speed profile import")
	fl.BoolVar(&f.noValidateRoster, "no-validate-roster", false, "skip the pre-run roster check")
	fl.BoolVar(&f.audio, "audio", false, "capture audio levels at each speed step")
	fl.BoolVar(&f.compareAudio, "compare-audio", false, "compare audio to the fleet reference after the run (implies --audio)")
	fl.BoolVar(&f.pull, "pull", false, "read the load cell at each speed step")
	fl.BoolVar(&f.vibration, "vibration", false, "capture vibration at each speed step")
	fl.StringVar(&f.dashboard, "dashboard", "", "serve the live dashboard on this address")
	fl.Lookup("dashboard").NoOptDefVal = ":8080"
	_ = cmd.MarkFlagRequired("address")

	cmd.AddCommand(newImportCommand(&f))
	return cmd
}

func pickInt(changed bool, flag, fromConfig int) int {
	if changed {
		return flag
	}
	return fromConfig
}

func runCalibrate(cmd *cobra.Command, f *calibrateFlags) error {
	if err := config.InitGlobal(configPath); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg := config.Get()
	fl := cmd.Flags()
	if f.address < 1 || f.address > 10239 {
		return fmt.Errorf("address must be 1-10239, got %d", f.address)
	}

	sweep := calibration.SweepConfig{
		MinStep:       pickInt(fl.Changed("min-step"), f.minStep, cfg.MinStep),
		MaxStep:       pickInt(fl.Changed("max-step"), f.maxStep, cfg.MaxStep),
		StepInc:       pickInt(fl.Changed("step-inc"), f.stepInc, cfg.StepInc),
		Passes:        pickInt(fl.Changed("passes"), f.passes, cfg.Passes),
		LowPasses:     pickInt(fl.Changed("low-passes"), f.lowPasses, cfg.LowPasses),
		LowRange:      pickInt(fl.Changed("low-range"), f.lowRange, cfg.LowRange),
		SkipThreshold: f.skipStartOfMotion,
		Audio:         f.audio || f.compareAudio,
		Pull:          f.pull,
		Vibration:     f.vibration,
	}

	timing := calibration.DefaultTiming()
	timing.Settle = cfg.Settle()
	if fl.Changed("settle") {
		timing.Settle = time.Duration(f.settle * float64(time.Second))
	}
	timing.MeasureTimeout = cfg.MeasureTimeout()
	if fl.Changed("timeout") {
		timing.MeasureTimeout = time.Duration(f.timeout * float64(time.Second))
	}
	timing.CaptureTimeout = cfg.AudioTimeout()
	if f.dryRun {
		timing = app.DryRunTiming()
	}

	opts := app.CalibrateOptions{
		Address:         f.address,
		RosterID:        f.rosterID,
		Sweep:           sweep,
		Timing:          timing,
		ScaleFactor:     cfg.ScaleFactor,
		SensorSpacingMM: cfg.SensorSpacingMM,
		AcquireTimeout:  cfg.AcquireTimeout(),
		Output:          f.output,
		OutputDir:       cfg.OutputDir,
		DryRun:          f.dryRun,
		ValidateRoster:  !f.noValidateRoster,
		ImportProfile:   !f.noImportProfile,
		CompareAudio:    f.compareAudio,
	}
	if err := opts.Sweep.Validate(); err != nil {
		return err
	}

	env := app.CalibrateEnv{
		Transport: app.ResolveTransport(app.TransportFlags{Broker: f.broker, Port: f.port, Prefix: f.prefix}, cfg, logrus.StandardLogger()),
		ClientID:  cfg.MQTTClientID,
		DBPath:    dbPath(f.db, cfg),
		Dashboard: f.dashboard,
		Out:       cmd.OutOrStdout(),
		Log:       logrus.StandardLogger(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return app.RunCalibrate(ctx, env, opts)
}

func dbPath(flag string, cfg *config.Config) string {
	if flag != "" {
		return flag
	}
	return cfg.DBPath
}

func newImportCommand(f *calibrateFlags) *cobra.Command {
	var stepInc int
	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Store previously saved speed table files in the calibration database",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.InitGlobal(configPath); err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			cfg := config.Get()
			ctx := cmd.Context()
			store, err := storage.Open(ctx, dbPath(f.db, cfg))
			if err != nil {
				return err
			}
			defer store.Close()

			for _, path := range args {
				run, err := calibration.LoadArtifact(path)
				if err != nil {
					return err
				}
				id, err := store.SaveRun(ctx, run, storage.RunParams{StepIncrement: stepInc, Settle: cfg.Settle()})
				if err != nil {
					return fmt.Errorf("store %s: %w", path, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> run #%d for %q (%d steps)\n", path, id, storage.RosterKey(run), len(run.SpeedTable))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&stepInc, "step-inc", 1, "speed step increment the files were recorded with")
	return cmd
}
