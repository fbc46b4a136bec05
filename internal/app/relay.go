package app

import (
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/blwfish/test-and-calibration-track/internal/calibration"
	"github.com/blwfish/test-and-calibration-track/internal/transport"
)

// Sinks fans an event out to several sinks in order.
type Sinks []calibration.EventSink

func (s Sinks) Event(e calibration.Event) {
	for _, sink := range s {
		if sink != nil {
			sink.Event(e)
		}
	}
}

// BusSink publishes sweep events as JSON on the calibration progress topic.
type BusSink struct {
	Bus    transport.Bus
	Topics transport.Topics
	Log    logrus.FieldLogger
}

func (s BusSink) Event(e calibration.Event) {
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := s.Bus.Publish(s.Topics.Calibration("progress"), b); err != nil && s.Log != nil {
		s.Log.WithError(err).Debug("progress publish failed")
	}
}

// RelayProgress feeds events published by a calibration elsewhere on the
// bus into hub.
func RelayProgress(bus transport.Bus, topics transport.Topics, hub *ProgressHub) error {
	return bus.Subscribe(topics.Calibration("progress"), func(_ string, p []byte) {
		var e calibration.Event
		if err := json.Unmarshal(p, &e); err != nil {
			hub.log.Debugf("progress unmarshal error: %v", err)
			return
		}
		hub.Event(e)
	})
}

// RemoteCancel returns a cancel function that asks the calibration on the
// bus to stop.
func RemoteCancel(bus transport.Bus, topics transport.Topics, log logrus.FieldLogger) func() {
	return func() {
		if err := bus.Publish(topics.Calibration("cancel"), []byte("{}")); err != nil {
			log.WithError(err).Warn("publishing cancel")
		}
	}
}

// OnRemoteCancel calls cancel when a dashboard elsewhere on the bus asks
// the running calibration to stop.
func OnRemoteCancel(bus transport.Bus, topics transport.Topics, cancel func()) error {
	return bus.Subscribe(topics.Calibration("cancel"), func(string, []byte) { cancel() })
}
