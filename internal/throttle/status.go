package throttle

import (
	"strconv"
	"strings"
)

// State is the leading keyword of a bridge status message.
type State string

const (
	StateReady     State = "READY"
	StateAcquiring State = "ACQUIRING"
	StateAcquired  State = "ACQUIRED"
	StateFailed    State = "FAILED"
	StateSpeed     State = "SPEED"
	StateForward   State = "FORWARD"
	StateReverse   State = "REVERSE"
	StateStopped   State = "STOPPED"
	StateEStopped  State = "ESTOPPED"
	StateFunction  State = "FUNCTION"
	StateReleased  State = "RELEASED"
	StateError     State = "ERROR"
)

// Status is a parsed status line such as "ACQUIRED 3" or "FUNCTION 2 ON".
type Status struct {
	Raw   string
	State State
	Args  []string
}

func ParseStatus(raw string) Status {
	raw = strings.TrimSpace(raw)
	fields := strings.Fields(raw)
	s := Status{Raw: raw}
	if len(fields) == 0 {
		return s
	}
	s.State = State(fields[0])
	s.Args = fields[1:]
	return s
}

// Address returns the first argument as a DCC address, if present.
func (s Status) Address() (int, bool) {
	if len(s.Args) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(s.Args[0])
	return n, err == nil
}

func (s Status) String() string { return s.Raw }
