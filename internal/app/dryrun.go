package app

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/blwfish/test-and-calibration-track/internal/calibration"
	"github.com/blwfish/test-and-calibration-track/internal/sim"
	"github.com/blwfish/test-and-calibration-track/internal/transport"
)

// DryRunTiming shrinks every wait so a rehearsal takes seconds.
func DryRunTiming() calibration.Timing {
	return calibration.Timing{
		DirectionSettle: time.Millisecond,
		ProbeSettle:     time.Millisecond,
		ProbeTimeout:    time.Second,
		ProbeStopSettle: time.Millisecond,
		Settle:          time.Millisecond,
		MeasureTimeout:  time.Second,
		PassStopSettle:  time.Millisecond,
		ReverseSettle:   time.Millisecond,
		CaptureTimeout:  time.Second,
	}
}

// newDryRunBus starts an in-memory bus with a simulated rig carrying the
// locomotive at address.
func newDryRunBus(topics transport.Topics, address int, rosterID string, log logrus.FieldLogger) (*transport.Memory, *sim.Rig, error) {
	bus := transport.NewMemory()
	loco := sim.DefaultLoco(address)
	if rosterID != "" {
		loco.RosterID = rosterID
	}
	rig, err := sim.New(bus, topics, loco, log)
	if err != nil {
		bus.Close()
		return nil, nil, err
	}
	return bus, rig, nil
}
