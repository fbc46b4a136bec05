package calibration

import "time"

// EventType names a progress event.
type EventType string

const (
	EventPhase    EventType = "phase"
	EventProbe    EventType = "probe"
	EventPass     EventType = "pass"
	EventStep     EventType = "step"
	EventComplete EventType = "complete"
	EventAborted  EventType = "aborted"
	EventError    EventType = "error"
)

// Event reports sweep progress to observers such as the dashboard.
type Event struct {
	Type      EventType     `json:"type"`
	Message   string        `json:"message,omitempty"`
	Direction Direction     `json:"direction,omitempty"`
	Step      int           `json:"step,omitempty"`
	Pass      int           `json:"pass,omitempty"`
	Passes    int           `json:"passes,omitempty"`
	Moved     bool          `json:"moved,omitempty"`
	SpeedMPH  *float64      `json:"speed_mph,omitempty"`
	Done      int           `json:"done,omitempty"`
	Total     int           `json:"total,omitempty"`
	ETA       time.Duration `json:"eta_ns,omitempty"`
	Summary   *Summary      `json:"summary,omitempty"`
}

// EventSink receives events synchronously from the sweep goroutine and
// must not block.
type EventSink interface {
	Event(Event)
}

// EventFunc adapts a function to EventSink.
type EventFunc func(Event)

func (f EventFunc) Event(e Event) { f(e) }
