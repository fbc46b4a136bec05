// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/blwfish/test-and-calibration-track/internal/audio"
	"github.com/blwfish/test-and-calibration-track/internal/calibration"
	"github.com/blwfish/test-and-calibration-track/internal/rpc"
	"github.com/blwfish/test-and-calibration-track/internal/sensor"
	"github.com/blwfish/test-and-calibration-track/internal/storage"
	"github.com/blwfish/test-and-calibration-track/internal/throttle"
	"github.com/blwfish/test-and-calibration-track/internal/transport"
)

// CalibrateOptions are the settings of one speed calibration.
type CalibrateOptions struct {
	Address  int
	RosterID string

	Sweep  calibration.SweepConfig
	Timing calibration.Timing

	ScaleFactor     float64
	SensorSpacingMM float64
	AcquireTimeout  time.Duration

	// Output is the artifact path; empty means OutputDir/speed_table_<addr>.json.
	Output    string
	OutputDir string

	DryRun         bool
	ValidateRoster bool
	ImportProfile  bool
	CompareAudio   bool
}

// Report is everything one calibration produced.
type Report struct {
	Run          *calibration.Run
	ArtifactPath string
	RunID        int64
	DecoderModel string

	Imported    int
	ImportError string

	Comparison  *audio.Comparison
	CompareNote string
}

// Calibrator runs calibrations over a bus and records them in a store.
type Calibrator struct {
	Bus    transport.Bus
	Topics transport.Topics
	Store  *storage.Store // optional
	Events calibration.EventSink
	Log    logrus.FieldLogger

	now func() time.Time
}

// Run validates the roster entry, acquires the throttle, sweeps, and then
// saves the artifact, stores the run and imports the speed profile. Saving
// happens even when the sweep was interrupted or failed part way. Only a
// failed acquire returns a nil report.
func (c *Calibrator) Run(ctx context.Context, opts CalibrateOptions) (*Report, error) {
	log := c.logger().WithField("address", opts.Address)

	th, err := throttle.New(c.Bus, c.Topics, c.Log)
	if err != nil {
		return nil, err
	}
	arr, err := sensor.New(c.Bus, c.Topics, c.Log)
	if err != nil {
		return nil, err
	}
	bridge, err := rpc.New(c.Bus, c.Topics, c.Log)
	if err != nil {
		return nil, err
	}

	rep := &Report{}
	if opts.RosterID != "" && opts.ValidateRoster {
		rep.DecoderModel = c.validateRoster(ctx, bridge, opts, log)
	}

	log.Infof("acquiring throttle for address %d", opts.Address)
	if err := th.Acquire(ctx, opts.Address, opts.AcquireTimeout); err != nil {
		return nil, fmt.Errorf("acquire address %d: %w", opts.Address, err)
	}
	defer func() {
		if err := th.Release(); err != nil {
			log.WithError(err).Warn("release throttle")
		}
	}()

	run := calibration.NewRun(opts.Address, c.clock())
	run.RosterID = opts.RosterID
	if opts.ScaleFactor > 0 {
		run.ScaleFactor = opts.ScaleFactor
	}
	if opts.SensorSpacingMM > 0 {
		run.SensorSpacingMM = opts.SensorSpacingMM
	}
	rep.Run = run

	ctl := &calibration.Controller{
		Motor:   th,
		Sensors: arr,
		Config:  opts.Sweep,
		Timing:  opts.Timing,
		Log:     c.Log,
		Events:  c.Events,
	}
	sweepErr := ctl.Run(ctx, run)
	if !run.Finalized() {
		return rep, sweepErr
	}

	// The run is kept even when ctx was cancelled.
	pctx := context.WithoutCancel(ctx)
	saveErr := c.save(pctx, run, opts, rep)

	switch {
	case !opts.ImportProfile || sweepErr != nil || run.Aborted:
	case opts.RosterID == "":
		log.Info("skipping speed profile import: no roster id")
	case opts.DryRun:
		log.Infof("dry run: would import speed profile to roster %q", opts.RosterID)
	default:
		c.importProfile(pctx, bridge, run, rep, log)
	}

	if opts.CompareAudio && opts.RosterID != "" && c.Store != nil && rep.RunID != 0 {
		c.compareAudio(pctx, opts.RosterID, rep)
	}
	return rep, errors.Join(sweepErr, saveErr)
}

func (c *Calibrator) save(ctx context.Context, run *calibration.Run, opts CalibrateOptions, rep *Report) error {
	path := opts.Output
	if path == "" {
		path = calibration.ArtifactPath(opts.OutputDir, opts.Address)
	}
	written, artifactErr := calibration.SaveArtifact(run, path, c.clock())
	if artifactErr == nil {
		rep.ArtifactPath = written
	}
	if c.Store == nil {
		return artifactErr
	}

	id, err := c.Store.SaveRun(ctx, run, storage.RunParams{
		StepIncrement: opts.Sweep.StepInc,
		Settle:        opts.Timing.Settle,
		DecoderType:   rep.DecoderModel,
	})
	if err == nil {
		rep.RunID = id
		c.logger().Infof("stored run #%d for %q", id, storage.RosterKey(run))
	}
	return errors.Join(artifactErr, err)
}

// validateRoster only warns; a missing entry means the later import will
// fail, not that the run cannot proceed.
func (c *Calibrator) validateRoster(ctx context.Context, bridge *rpc.Correlator, opts CalibrateOptions, log logrus.FieldLogger) string {
	log = log.WithField("roster_id", opts.RosterID)
	info, err := bridge.QueryRoster(ctx, opts.RosterID, opts.Address)
	switch {
	case errors.Is(err, rpc.ErrTimeout):
		log.Warn("no response from the JMRI bridge; is it running?")
		return ""
	case err != nil:
		log.WithError(err).Warn("roster query failed")
		return ""
	case !info.Found || len(info.Entries) == 0:
		msg := info.Error
		if msg == "" {
			msg = "roster entry not found"
		}
		log.Warnf("%s; profile import will fail after calibration", msg)
		return ""
	}

	e := info.Entries[0]
	log.Infof("roster: %s addr=%d decoder=%s", e.RosterID, e.Address, e.DecoderModel)
	if e.Address != opts.Address {
		log.Warnf("roster address %d differs from calibrated address %d", e.Address, opts.Address)
	}
	if e.DecoderModel != "" && c.Store != nil {
		if _, err := c.Store.UpsertLoco(ctx, opts.RosterID, opts.Address, e.DecoderModel); err != nil {
			log.WithError(err).Warn("recording decoder type")
		}
	}
	return e.DecoderModel
}

// ProfileEntries turns a speed table into roster profile points, one per
// direction for every step with a speed.
func ProfileEntries(run *calibration.Run) []rpc.ProfileEntry {
	var entries []rpc.ProfileEntry
	for _, m := range run.SpeedTable {
		if !m.HasSpeed() {
			continue
		}
		for _, dir := range []calibration.Direction{calibration.Forward, calibration.Reverse} {
			entries = append(entries, rpc.ProfileEntry{
				SpeedStep: m.Step,
				SpeedMPH:  *m.AvgScaleMPH,
				Direction: string(dir),
			})
		}
	}
	return entries
}

func (c *Calibrator) importProfile(ctx context.Context, bridge *rpc.Correlator, run *calibration.Run, rep *Report, log logrus.FieldLogger) {
	entries := ProfileEntries(run)
	if len(entries) == 0 {
		log.Info("skipping speed profile import: no speed data")
		return
	}
	log.Infof("importing %d speed entries to roster %q", len(entries), run.RosterID)
	st, err := bridge.ImportSpeedProfile(ctx, rpc.ProfileImport{
		RosterID:      run.RosterID,
		ScaleFactor:   run.ScaleFactor,
		ClearExisting: true,
		Entries:       entries,
	})
	switch {
	case err != nil:
		rep.ImportError = "no response: " + err.Error()
	case !st.Success:
		rep.ImportError = st.Error
		if rep.ImportError == "" {
			rep.ImportError = "unknown"
		}
	default:
		rep.Imported = st.EntriesImported
		log.Infof("speed profile import OK: %d entries", st.EntriesImported)
		return
	}
	log.Warnf("speed profile import failed: %s", rep.ImportError)
}

func (c *Calibrator) compareAudio(ctx context.Context, rosterID string, rep *Report) {
	cmp, err := audio.CompareLatest(ctx, c.Store, rosterID)
	switch {
	case err == nil:
		rep.Comparison = &cmp
	case errors.Is(err, audio.ErrNoReference):
		rep.CompareNote = "no audio reference loco set; set one with audio_calibrate --set-reference"
	case errors.Is(err, storage.ErrNotFound):
		rep.CompareNote = "audio comparison skipped: missing run data"
	case errors.Is(err, audio.ErrNoOverlap):
		rep.CompareNote = "audio comparison skipped: no overlapping audio data"
	default:
		c.logger().WithError(err).Warn("audio comparison failed")
	}
}

func (c *Calibrator) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

func (c *Calibrator) logger() logrus.FieldLogger {
	if c.Log == nil {
		return logrus.StandardLogger()
	}
	return c.Log
}

// CalibrateEnv is where a calibration runs.
type CalibrateEnv struct {
	Transport Transport
	ClientID  string
	DBPath    string
	// Dashboard is the listen address of the live dashboard; empty
	// disables it.
	Dashboard string
	Out       io.Writer
	Log       logrus.FieldLogger
}

// RunCalibrate connects to the broker, or to a simulated rig for a dry run,
// performs one calibration and prints its summary. Cancelling ctx, or a
// cancel from the dashboard, ends the sweep early with the partial results
// kept.
func RunCalibrate(ctx context.Context, env CalibrateEnv, opts CalibrateOptions) error {
	log := env.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	if env.Out == nil {
		env.Out = os.Stdout
	}
	topics := transport.NewTopics(env.Transport.Prefix)

	var bus transport.Bus
	if opts.DryRun {
		log.Warn("DRY RUN: using a simulated rig, nothing is sent to the broker")
		mem, _, err := newDryRunBus(topics, opts.Address, opts.RosterID, log)
		if err != nil {
			return err
		}
		bus = mem
	} else {
		log.Infof("broker %s:%d (%s), prefix %s (%s)",
			env.Transport.Broker, env.Transport.Port, env.Transport.BrokerSource,
			topics.Prefix, env.Transport.PrefixSource)
		m, err := transport.DialMQTT(transport.MQTTOptions{
			Broker:   env.Transport.Broker,
			Port:     env.Transport.Port,
			ClientID: env.ClientID,
			Logger:   log,
		})
		if err != nil {
			return err
		}
		bus = m
	}
	defer bus.Close()

	store, err := storage.Open(ctx, env.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	err = OnRemoteCancel(bus, topics, func() {
		log.Warn("cancel requested over the bus")
		cancel()
	})
	if err != nil {
		return err
	}
	sinks := Sinks{BusSink{Bus: bus, Topics: topics, Log: log}}
	cal := &Calibrator{Bus: bus, Topics: topics, Store: store, Log: log}
	g, gctx := errgroup.WithContext(ctx)
	stopDashboard := func() {}

	if env.Dashboard != "" {
		hub := NewProgressHub(cancel, log)
		sinks = append(sinks, hub)
		ln, err := net.Listen("tcp", env.Dashboard)
		if err != nil {
			return fmt.Errorf("dashboard: %w", err)
		}
		srv := &http.Server{Handler: NewDashboard(store, hub, log), ReadHeaderTimeout: 10 * time.Second}
		log.Infof("dashboard listening on %s", ln.Addr())
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("dashboard: %w", err)
			}
			return nil
		})
		stopDashboard = func() {
			hub.Close()
			shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}
	}

	cal.Events = sinks

	var rep *Report
	g.Go(func() error {
		defer stopDashboard()
		var err error
		rep, err = cal.Run(gctx, opts)
		return err
	})
	err = g.Wait()

	if rep != nil && rep.Run != nil && rep.Run.Finalized() {
		PrintReport(env.Out, rep, opts.DryRun)
	}
	return err
}
