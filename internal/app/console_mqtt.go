package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/blwfish/test-and-calibration-track/internal/calibration"
	"github.com/blwfish/test-and-calibration-track/internal/rpc"
	"github.com/blwfish/test-and-calibration-track/internal/sensor"
	"github.com/blwfish/test-and-calibration-track/internal/transport"
)

// Monitor prints one line for every message on the rig's reply topics.
type Monitor struct {
	Bus    transport.Bus
	Topics transport.Topics
	Out    io.Writer
	Log    logrus.FieldLogger

	mu sync.Mutex
}

type formatter func(payload []byte) (string, error)

// Start subscribes to every topic the monitor knows how to print.
func (m *Monitor) Start() error {
	t := m.Topics
	subs := []struct {
		topic  string
		format formatter
	}{
		{t.Throttle("status"), formatStatus},
		{t.Sensor("status"), formatStatus},
		{t.Sensor("result"), formatResult},
		{t.Sensor("audio"), formatAudio},
		{t.Sensor("load"), formatLoad},
		{t.Sensor("vibration"), formatVibration},
		{t.Roster("info"), formatRoster},
		{t.Roster("import_status"), formatImport},
		{t.CV("result"), formatCV},
		{t.Calibration("progress"), formatProgress},
	}
	for _, s := range subs {
		tag := tagFor(t, s.topic)
		format := s.format
		if err := m.Bus.Subscribe(s.topic, func(_ string, p []byte) { m.print(tag, format, p) }); err != nil {
			return fmt.Errorf("console: subscribe %s: %w", s.topic, err)
		}
		m.logger().Debugf("console: subscribed to %s", s.topic)
	}
	return nil
}

func (m *Monitor) print(tag string, format formatter, payload []byte) {
	// Requests on shared topics carry no payload.
	if len(payload) == 0 {
		return
	}
	line, err := format(payload)
	if err != nil {
		m.logger().Debugf("console: %s unmarshal error: %v", tag, err)
		line = string(payload)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	fmt.Fprintf(m.Out, "[%-4s] %s\n", tag, line)
}

func (m *Monitor) logger() logrus.FieldLogger {
	if m.Log == nil {
		return logrus.StandardLogger()
	}
	return m.Log
}

func tagFor(t transport.Topics, topic string) string {
	switch topic {
	case t.Throttle("status"):
		return "THR"
	case t.Sensor("status"):
		return "SENS"
	case t.Sensor("result"):
		return "RES"
	case t.Sensor("audio"):
		return "AUD"
	case t.Sensor("load"):
		return "LOAD"
	case t.Sensor("vibration"):
		return "VIB"
	case t.Roster("info"), t.Roster("import_status"):
		return "RSTR"
	case t.CV("result"):
		return "CV"
	default:
		return "CAL"
	}
}

func formatStatus(p []byte) (string, error) {
	return strings.TrimSpace(string(p)), nil
}

func formatResult(p []byte) (string, error) {
	var r sensor.Result
	if err := json.Unmarshal(p, &r); err != nil {
		return "", err
	}
	if !r.HasSpeed() {
		return fmt.Sprintf("sensors=%d no speed", r.SensorsTriggered), nil
	}
	return fmt.Sprintf("sensors=%d speed=%6.2f mph dir=%s duration=%.0fms",
		r.SensorsTriggered, r.AvgSpeedMPH.Float(), r.Direction, r.DurationMS.Float()), nil
}

func formatAudio(p []byte) (string, error) {
	var a sensor.Audio
	if err := json.Unmarshal(p, &a); err != nil {
		return "", err
	}
	return fmt.Sprintf("rms=%6.1f dB peak=%6.1f dB samples=%d", a.RMSdB.Float(), a.PeakdB.Float(), a.Samples), nil
}

func formatLoad(p []byte) (string, error) {
	var l sensor.Load
	if err := json.Unmarshal(p, &l); err != nil {
		return "", err
	}
	return fmt.Sprintf("pull=%7.1f g tared=%v", l.Grams.Float(), l.Tared), nil
}

func formatVibration(p []byte) (string, error) {
	var v sensor.Vibration
	if err := json.Unmarshal(p, &v); err != nil {
		return "", err
	}
	return fmt.Sprintf("p2p=%.4f rms=%.4f samples=%d", v.PeakToPeak.Float(), v.RMS.Float(), v.Samples), nil
}

func formatRoster(p []byte) (string, error) {
	var info rpc.RosterInfo
	if err := json.Unmarshal(p, &info); err != nil {
		return "", err
	}
	if !info.Found || len(info.Entries) == 0 {
		return fmt.Sprintf("%s not found: %s", info.RequestID, info.Error), nil
	}
	e := info.Entries[0]
	return fmt.Sprintf("%s %q addr=%d decoder=%s profile=%v",
		info.RequestID, e.RosterID, e.Address, e.DecoderModel, e.HasSpeedProfile), nil
}

func formatImport(p []byte) (string, error) {
	var st rpc.ImportStatus
	if err := json.Unmarshal(p, &st); err != nil {
		return "", err
	}
	if !st.Success {
		return fmt.Sprintf("%s import failed: %s", st.RequestID, st.Error), nil
	}
	return fmt.Sprintf("%s imported %d entries into %q", st.RequestID, st.EntriesImported, st.RosterID), nil
}

func formatCV(p []byte) (string, error) {
	var r rpc.CVResult
	if err := json.Unmarshal(p, &r); err != nil {
		return "", err
	}
	if len(r.Results) > 0 {
		return fmt.Sprintf("%s %s %d CVs status=%s", r.RequestID, r.Operation, len(r.Results), r.Status), nil
	}
	return fmt.Sprintf("%s %s CV%d=%d status=%s", r.RequestID, r.Operation, r.CV, r.Value, r.Status), nil
}

func formatProgress(p []byte) (string, error) {
	var e calibration.Event
	if err := json.Unmarshal(p, &e); err != nil {
		return "", err
	}
	switch e.Type {
	case calibration.EventStep:
		speed := "-"
		if e.SpeedMPH != nil {
			speed = fmt.Sprintf("%.1f mph", *e.SpeedMPH)
		}
		return fmt.Sprintf("step %d done (%d/%d) %s eta=%s", e.Step, e.Done, e.Total, speed, e.ETA.Round(time.Second)), nil
	case calibration.EventPass:
		return fmt.Sprintf("step %d pass %d/%d %s moved=%v", e.Step, e.Pass, e.Passes, e.Direction, e.Moved), nil
	case calibration.EventProbe:
		return fmt.Sprintf("probe %s step %d moved=%v", e.Direction, e.Step, e.Moved), nil
	default:
		return strings.TrimSpace(fmt.Sprintf("%s %s", e.Type, e.Message)), nil
	}
}

// ConsoleEnv configures the console monitor.
type ConsoleEnv struct {
	Transport Transport
	ClientID  string
	Out       io.Writer
	Log       logrus.FieldLogger
}

// RunConsoleMQTT prints rig traffic until ctx is done.
func RunConsoleMQTT(ctx context.Context, env ConsoleEnv) error {
	log := env.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	if env.Out == nil {
		env.Out = os.Stdout
	}
	bus, err := transport.DialMQTT(transport.MQTTOptions{
		Broker:   env.Transport.Broker,
		Port:     env.Transport.Port,
		ClientID: env.ClientID,
		Logger:   log,
	})
	if err != nil {
		return err
	}
	defer bus.Close()

	m := &Monitor{Bus: bus, Topics: transport.NewTopics(env.Transport.Prefix), Out: env.Out, Log: log}
	if err := m.Start(); err != nil {
		return err
	}
	log.Infof("console: watching %s", m.Topics.Prefix)

	<-ctx.Done()
	log.Info("console: shutting down")
	return nil
}
