package audio

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/blwfish/test-and-calibration-track/internal/decoder"
	"github.com/blwfish/test-and-calibration-track/internal/rpc"
	"github.com/blwfish/test-and-calibration-track/internal/storage"
)

var (
	ErrNoReference = errors.New("audio: no reference loco set")
	ErrNoAudio     = errors.New("audio: run has no audio data")
	ErrCVRead      = errors.New("audio: CV read failed")
	ErrCVWrite     = errors.New("audio: CV write failed")
)

// Store is the storage the advisor reads runs from and records
// adjustments in.
type Store interface {
	FleetStore
	Loco(ctx context.Context, rosterID string) (storage.Loco, error)
	SetAudioReference(ctx context.Context, rosterID string) error
	AddAdjustment(ctx context.Context, a storage.Adjustment) (int64, error)
	MarkApplied(ctx context.Context, adjustmentID int64) error
}

// CVClient reads and writes decoder CVs on the programming track.
type CVClient interface {
	ReadCV(ctx context.Context, cv int) (*rpc.CVResult, error)
	WriteCV(ctx context.Context, cv, value int) (*rpc.CVResult, error)
}

// Advisor recommends, and optionally writes, a master volume value that
// brings a loco in line with the reference.
type Advisor struct {
	Store    Store
	CV       CVClient // unused in dry-run
	Decoders decoder.Table
	// DryRun assumes the family default instead of reading the CV and
	// never writes.
	DryRun bool
	Log    logrus.FieldLogger
}

// Request selects the loco to adjust. An empty Reference uses the fleet
// reference.
type Request struct {
	Target        string
	Reference     string
	MemberAddress *int
	Apply         bool
}

// Result describes what the advisor found and did.
type Result struct {
	Target       storage.Loco
	Reference    storage.Loco
	TargetRun    storage.Run
	ReferenceRun storage.Run
	TargetMean   float64
	RefMean      float64
	DeltaDB      float64

	// Volume is nil when the decoder family is unknown.
	Volume       *decoder.Volume
	CurrentValue int
	NewValue     int
	AdjustmentID int64
	Applied      bool
}

// Changed reports whether a recommendation differs from the current value.
func (r *Result) Changed() bool {
	return r.Volume != nil && r.NewValue != r.CurrentValue
}

func (a *Advisor) log() logrus.FieldLogger {
	if a.Log == nil {
		return logrus.StandardLogger()
	}
	return a.Log
}

func (a *Advisor) decoders() decoder.Table {
	if a.Decoders == nil {
		return decoder.Default()
	}
	return a.Decoders
}

// Advise compares the target's latest completed run with the reference's
// and stores an adjustment. An unknown decoder still stores the delta.
// On a failed write the stored adjustment is returned with the error.
func (a *Advisor) Advise(ctx context.Context, req Request) (*Result, error) {
	res := &Result{}
	var err error

	if res.Target, err = a.Store.Loco(ctx, req.Target); err != nil {
		return nil, err
	}
	if req.Reference == "" {
		res.Reference, err = a.Store.AudioReference(ctx)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNoReference
		}
	} else {
		res.Reference, err = a.Store.Loco(ctx, req.Reference)
	}
	if err != nil {
		return nil, err
	}

	if res.TargetRun, err = a.Store.LatestRun(ctx, res.Target.RosterID, true); err != nil {
		return nil, err
	}
	if res.ReferenceRun, err = a.Store.LatestRun(ctx, res.Reference.RosterID, true); err != nil {
		return nil, err
	}
	target, err := a.curve(ctx, res.TargetRun)
	if err != nil {
		return nil, err
	}
	ref, err := a.curve(ctx, res.ReferenceRun)
	if err != nil {
		return nil, err
	}
	if res.DeltaDB, err = Delta(target, ref); err != nil {
		return nil, err
	}
	res.TargetMean, _ = Mean(target)
	res.RefMean, _ = Mean(ref)

	log := a.log().WithFields(logrus.Fields{
		"target":    res.Target.RosterID,
		"reference": res.Reference.RosterID,
		"delta_db":  fmt.Sprintf("%+.1f", res.DeltaDB),
	})

	adj := storage.Adjustment{
		RunID:          res.TargetRun.ID,
		ReferenceRunID: res.ReferenceRun.ID,
		MemberAddress:  req.MemberAddress,
		DeltaDB:        res.DeltaDB,
	}

	vol, err := a.decoders().Lookup(res.Target.DecoderType)
	if err != nil {
		log.WithField("decoder", res.Target.DecoderType).Warn("No volume CV known for decoder; storing delta only")
		res.AdjustmentID, err = a.Store.AddAdjustment(ctx, adj)
		return res, err
	}
	res.Volume = &vol

	if a.DryRun {
		res.CurrentValue = vol.Default
	} else {
		r, err := a.CV.ReadCV(ctx, vol.CV)
		if err != nil {
			return res, fmt.Errorf("%w: CV %d: %v", ErrCVRead, vol.CV, err)
		}
		if !r.OK() {
			return res, fmt.Errorf("%w: CV %d: status %s", ErrCVRead, vol.CV, r.Status)
		}
		res.CurrentValue = r.Value
	}

	res.NewValue = ComputeNewCV(res.CurrentValue, res.DeltaDB, vol.Min, vol.Max)
	adj.RecommendedCV = &vol.CV
	adj.RecommendedValue = &res.NewValue
	if res.AdjustmentID, err = a.Store.AddAdjustment(ctx, adj); err != nil {
		return res, err
	}
	log.WithFields(logrus.Fields{
		"cv":      vol.CV,
		"current": res.CurrentValue,
		"new":     res.NewValue,
	}).Info("Volume recommendation stored")

	if !req.Apply || a.DryRun || !res.Changed() {
		return res, nil
	}
	r, err := a.CV.WriteCV(ctx, vol.CV, res.NewValue)
	if err != nil {
		return res, fmt.Errorf("%w: CV %d: %v", ErrCVWrite, vol.CV, err)
	}
	if !r.OK() {
		return res, fmt.Errorf("%w: CV %d: status %s", ErrCVWrite, vol.CV, r.Status)
	}
	if err := a.Store.MarkApplied(ctx, res.AdjustmentID); err != nil {
		return res, err
	}
	res.Applied = true
	log.WithField("cv", vol.CV).Info("Volume CV written")
	return res, nil
}

func (a *Advisor) curve(ctx context.Context, run storage.Run) ([]storage.CurvePoint, error) {
	c, err := a.Store.AudioCurve(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	if len(c) == 0 {
		return nil, fmt.Errorf("%w: run %d (%s)", ErrNoAudio, run.ID, run.RosterID)
	}
	return c, nil
}

// SetReference marks rosterID as the fleet reference. The returned warning
// is non-empty when the loco has no audio to compare against yet.
func (a *Advisor) SetReference(ctx context.Context, rosterID string) (warning string, err error) {
	if _, err := a.Store.Loco(ctx, rosterID); err != nil {
		return "", err
	}
	run, err := a.Store.LatestRun(ctx, rosterID, true)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		warning = fmt.Sprintf("no completed runs for %q", rosterID)
	case err != nil:
		return "", err
	default:
		c, err := a.Store.AudioCurve(ctx, run.ID)
		if err != nil {
			return "", err
		}
		if len(c) == 0 {
			warning = fmt.Sprintf("no audio data for %q; calibrate with audio capture enabled", rosterID)
		}
	}
	return warning, a.Store.SetAudioReference(ctx, rosterID)
}
