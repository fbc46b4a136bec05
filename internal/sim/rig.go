// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package sim stands in for the throttle bridge and the sensor array on a
// bus, so calibrations can be rehearsed without a track.
package sim

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/blwfish/test-and-calibration-track/internal/rpc"
	"github.com/blwfish/test-and-calibration-track/internal/transport"
)

// Loco models one locomotive on the rig.
type Loco struct {
	RosterID     string
	Address      int
	DecoderModel string

	// ThresholdForward and ThresholdReverse are the lowest moving steps.
	ThresholdForward int
	ThresholdReverse int
	// MPHPerStep is the scale speed gained per step above zero.
	MPHPerStep float64
	// ReverseFactor scales reverse speed.
	ReverseFactor float64

	// AudioBaseDB is the RMS level at step 0 with the volume CV at VolumeDefault.
	AudioBaseDB   float64
	VolumeCV      int
	VolumeDefault int
}

// DefaultLoco is a well-behaved HO diesel with a Tsunami2.
func DefaultLoco(address int) Loco {
	return Loco{
		RosterID:         fmt.Sprintf("SIM %d", address),
		Address:          address,
		DecoderModel:     "SoundTraxx Tsunami2",
		ThresholdForward: 4,
		ThresholdReverse: 5,
		MPHPerStep:       0.55,
		ReverseFactor:    0.97,
		AudioBaseDB:      -48,
		VolumeCV:         128,
		VolumeDefault:    255,
	}
}

// Rig answers every command the control host sends.
type Rig struct {
	bus    transport.Bus
	topics transport.Topics
	log    logrus.FieldLogger

	mu       sync.Mutex
	loco     Loco
	refuse   bool
	acquired bool
	reverse  bool
	speed    float64
	cvs      map[int]int
	profiles map[string][]rpc.ProfileEntry
	counts   map[string]int
}

// New subscribes the rig to every request topic and announces READY.
func New(bus transport.Bus, topics transport.Topics, loco Loco, log logrus.FieldLogger) (*Rig, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &Rig{
		bus:      bus,
		topics:   topics,
		log:      log.WithField("component", "sim"),
		loco:     loco,
		cvs:      map[int]int{},
		profiles: map[string][]rpc.ProfileEntry{},
		counts:   map[string]int{},
	}
	if loco.VolumeCV > 0 {
		r.cvs[loco.VolumeCV] = loco.VolumeDefault
	}

	subs := map[string]transport.Handler{
		topics.Throttle("acquire"):      r.onAcquire,
		topics.Throttle("speed"):        r.onSpeed,
		topics.Throttle("direction"):    r.onDirection,
		topics.Throttle("stop"):         r.onStop,
		topics.Throttle("estop"):        r.onStop,
		topics.Throttle("function"):     r.onFunction,
		topics.Throttle("release"):      r.onRelease,
		topics.Sensor("arm"):            r.onArm,
		topics.Sensor("audio"):          r.onAudio,
		topics.Sensor("load"):           r.onLoad,
		topics.Sensor("vibration"):      r.onVibration,
		topics.Roster("query"):          r.onRosterQuery,
		topics.Roster("import_profile"): r.onImport,
		topics.CV("read"):               r.onCVRead,
		topics.CV("write"):              r.onCVWrite,
	}
	for topic, h := range subs {
		if err := bus.Subscribe(topic, r.counted(topic, h)); err != nil {
			return nil, fmt.Errorf("sim: subscribe %s: %w", topic, err)
		}
	}
	if err := r.status("READY"); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Rig) counted(topic string, h transport.Handler) transport.Handler {
	return func(t string, p []byte) {
		r.mu.Lock()
		r.counts[topic]++
		r.mu.Unlock()
		h(t, p)
	}
}

// RefuseAcquire makes later acquires fail.
func (r *Rig) RefuseAcquire(refuse bool) {
	r.mu.Lock()
	r.refuse = refuse
	r.mu.Unlock()
}

// CV returns a decoder CV as the rig holds it.
func (r *Rig) CV(cv int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cvs[cv]
}

// Profile returns the last imported speed profile for rosterID.
func (r *Rig) Profile(rosterID string) []rpc.ProfileEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.profiles[rosterID]
}

// Count returns how many messages arrived on a request topic.
func (r *Rig) Count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[topic]
}

func (r *Rig) status(s string) error {
	return r.bus.Publish(r.topics.Throttle("status"), []byte(s))
}

func (r *Rig) reply(topic string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		r.log.WithError(err).Error("marshal reply")
		return
	}
	if err := r.bus.Publish(topic, b); err != nil {
		r.log.WithError(err).WithField("topic", topic).Debug("reply dropped")
	}
}

func (r *Rig) onAcquire(_ string, p []byte) {
	fields := strings.Fields(string(p))
	if len(fields) == 0 {
		_ = r.status("ERROR empty acquire")
		return
	}
	addr, err := strconv.Atoi(fields[0])
	r.mu.Lock()
	ok := err == nil && !r.refuse && addr == r.loco.Address
	r.acquired = ok
	r.mu.Unlock()
	if !ok {
		_ = r.status("FAILED " + fields[0])
		return
	}
	_ = r.status("ACQUIRED " + fields[0])
}

func (r *Rig) onSpeed(_ string, p []byte) {
	v, err := strconv.ParseFloat(strings.TrimSpace(string(p)), 64)
	if err != nil {
		_ = r.status("ERROR bad speed " + string(p))
		return
	}
	r.mu.Lock()
	r.speed = v
	r.mu.Unlock()
	_ = r.status("SPEED " + strconv.FormatFloat(v, 'f', 3, 64))
}

func (r *Rig) onDirection(_ string, p []byte) {
	dir := strings.TrimSpace(string(p))
	r.mu.Lock()
	r.reverse = dir == "REVERSE"
	r.mu.Unlock()
	_ = r.status(dir)
}

func (r *Rig) onStop(topic string, _ []byte) {
	r.mu.Lock()
	r.speed = 0
	r.mu.Unlock()
	if strings.HasSuffix(topic, "/estop") {
		_ = r.status("ESTOPPED")
		return
	}
	_ = r.status("STOPPED")
}

func (r *Rig) onFunction(_ string, p []byte) {
	_ = r.status("FUNCTION " + strings.TrimSpace(string(p)))
}

func (r *Rig) onRelease(string, []byte) {
	r.mu.Lock()
	r.acquired = false
	r.speed = 0
	r.mu.Unlock()
	_ = r.status("RELEASED")
}

// step is the current commanded speed step.
func (r *Rig) step() int {
	return int(math.Round(r.speed * 126))
}

func (r *Rig) onArm(string, []byte) {
	r.mu.Lock()
	step, rev, loco := r.step(), r.reverse, r.loco
	r.mu.Unlock()

	threshold, label, factor := loco.ThresholdForward, "A-B", 1.0
	if rev {
		threshold, label, factor = loco.ThresholdReverse, "B-A", loco.ReverseFactor
	}
	if step == 0 || step < threshold {
		r.reply(r.topics.Sensor("result"), map[string]any{"sensors_triggered": 0, "duration_ms": 0})
		return
	}
	mph := float64(step) * loco.MPHPerStep * factor
	r.reply(r.topics.Sensor("result"), map[string]any{
		"sensors_triggered": 4,
		"avg_speed_mph":     strconv.FormatFloat(mph, 'f', 1, 64),
		"direction":         label,
		"duration_ms":       math.Round(passMillis(mph)),
		"speeds_mph": []string{
			strconv.FormatFloat(mph*0.99, 'f', 1, 64),
			strconv.FormatFloat(mph, 'f', 1, 64),
			strconv.FormatFloat(mph*1.01, 'f', 1, 64),
		},
	})
}

// Replies on audio, load and vibration share the request topic; only
// empty payloads are requests.
func (r *Rig) onAudio(_ string, p []byte) {
	if len(p) > 0 {
		return
	}
	r.mu.Lock()
	step, loco, volume := r.step(), r.loco, r.cvs[r.loco.VolumeCV]
	r.mu.Unlock()

	rms := loco.AudioBaseDB + float64(step)*0.1
	if loco.VolumeDefault > 0 {
		if volume <= 0 {
			rms = -90
		} else {
			rms += 20 * math.Log10(float64(volume)/float64(loco.VolumeDefault))
		}
	}
	r.reply(r.topics.Sensor("audio"), map[string]any{
		"rms_db":      math.Round(rms*10) / 10,
		"peak_db":     math.Round((rms+7)*10) / 10,
		"samples":     22050,
		"duration_ms": 500,
	})
}

func (r *Rig) onLoad(_ string, p []byte) {
	if len(p) > 0 {
		return
	}
	r.mu.Lock()
	step := r.step()
	r.mu.Unlock()
	r.reply(r.topics.Sensor("load"), map[string]any{"grams": 30 + float64(step)*0.2, "tared": true})
}

func (r *Rig) onVibration(_ string, p []byte) {
	if len(p) > 0 {
		return
	}
	r.mu.Lock()
	step := r.step()
	r.mu.Unlock()
	r.reply(r.topics.Sensor("vibration"), map[string]any{
		"peak_to_peak": 0.02 + float64(step)*0.001,
		"rms":          0.005 + float64(step)*0.0002,
		"samples":      1000,
		"duration_ms":  1000,
	})
}

func (r *Rig) onRosterQuery(_ string, p []byte) {
	var q rpc.RosterQuery
	if err := json.Unmarshal(p, &q); err != nil {
		return
	}
	r.mu.Lock()
	loco := r.loco
	_, hasProfile := r.profiles[loco.RosterID]
	r.mu.Unlock()

	info := rpc.RosterInfo{RequestID: q.RequestID}
	match := (q.RosterID != "" && q.RosterID == loco.RosterID) ||
		(q.RosterID == "" && q.Address != nil && *q.Address == loco.Address)
	if match {
		info.Found = true
		info.Entries = []rpc.RosterEntry{{
			RosterID:        loco.RosterID,
			Address:         loco.Address,
			DecoderModel:    loco.DecoderModel,
			HasSpeedProfile: hasProfile,
		}}
	} else {
		info.Error = "not found"
	}
	r.reply(r.topics.Roster("info"), info)
}

func (r *Rig) onImport(_ string, p []byte) {
	var imp rpc.ProfileImport
	if err := json.Unmarshal(p, &imp); err != nil {
		return
	}
	st := rpc.ImportStatus{RequestID: imp.RequestID, RosterID: imp.RosterID}
	r.mu.Lock()
	if imp.RosterID != r.loco.RosterID {
		st.Error = "roster entry not found"
	} else {
		if imp.ClearExisting {
			r.profiles[imp.RosterID] = nil
		}
		r.profiles[imp.RosterID] = append(r.profiles[imp.RosterID], imp.Entries...)
		st.Success = true
		st.EntriesImported = len(imp.Entries)
	}
	r.mu.Unlock()
	r.reply(r.topics.Roster("import_status"), st)
}

type cvRequest struct {
	RequestID string        `json:"request_id"`
	CV        int           `json:"cv"`
	Value     int           `json:"value"`
	CVs       []int         `json:"cvs"`
	Writes    []rpc.CVValue `json:"writes"`
}

func (r *Rig) onCVRead(_ string, p []byte) {
	var req cvRequest
	if err := json.Unmarshal(p, &req); err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if req.CVs != nil {
		res := rpc.CVResult{RequestID: req.RequestID, Operation: "read_batch_complete", Status: rpc.StatusOK}
		for _, cv := range req.CVs {
			res.Results = append(res.Results, rpc.CVResult{Operation: "read", CV: cv, Value: r.cvs[cv], Status: rpc.StatusOK})
		}
		r.reply(r.topics.CV("result"), res)
		return
	}
	r.reply(r.topics.CV("result"), rpc.CVResult{
		RequestID: req.RequestID, Operation: "read", CV: req.CV, Value: r.cvs[req.CV], Status: rpc.StatusOK,
	})
}

func (r *Rig) onCVWrite(_ string, p []byte) {
	var req cvRequest
	if err := json.Unmarshal(p, &req); err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if req.Writes != nil {
		res := rpc.CVResult{RequestID: req.RequestID, Operation: "write_batch_complete", Status: rpc.StatusOK}
		for _, w := range req.Writes {
			r.cvs[w.CV] = w.Value
			res.Results = append(res.Results, rpc.CVResult{Operation: "write", CV: w.CV, Value: w.Value, Status: rpc.StatusOK})
		}
		r.reply(r.topics.CV("result"), res)
		return
	}
	r.cvs[req.CV] = req.Value
	r.reply(r.topics.CV("result"), rpc.CVResult{
		RequestID: req.RequestID, Operation: "write", CV: req.CV, Value: req.Value, Status: rpc.StatusOK,
	})
}

// passMillis is the time to cross three 100 mm intervals at a scale speed
// on an HO layout.
func passMillis(scaleMPH float64) float64 {
	metresPerSec := scaleMPH * 0.44704 / 87.1
	return 3 * 0.1 / metresPerSec * 1000
}
