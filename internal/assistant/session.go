package assistant

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

type State int

const (
	Idle State = iota
	Listening
	Processing
	Speaking
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Processing:
		return "processing"
	case Speaking:
		return "speaking"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "listening":
		*s = Listening
	case "processing":
		*s = Processing
	case "speaking":
		*s = Speaking
	default:
		*s = Idle
	}
	return nil
}

type Purpose int

const (
	SessionTimeout Purpose = iota
	EchoGuard
	Settle
)

func (p Purpose) String() string {
	switch p {
	case SessionTimeout:
		return "session-timeout"
	case EchoGuard:
		return "echo-guard"
	case Settle:
		return "settle"
	default:
		return "unknown"
	}
}

type armed struct {
	timer *clock.Timer
	seq   uint64
}

// Session is the one conversation the machine owns.
type Session struct {
	ID          string
	State       State
	ActivatedAt time.Time
	Transcript  string

	// where speech after activation starts in the rolling transcript
	run    uint64
	offset int

	response string
	failed   bool

	timers map[Purpose]armed
}

func newSession(state State) Session {
	return Session{
		ID:     uuid.NewString(),
		State:  state,
		timers: make(map[Purpose]armed),
	}
}
