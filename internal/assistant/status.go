package assistant

import "time"

// Status is what the dashboard shows for the assistant.
type Status struct {
	Session    string    `json:"session,omitempty"`
	State      State     `json:"state"`
	Guarding   bool      `json:"guarding,omitempty"`
	Transcript string    `json:"transcript,omitempty"`
	Response   string    `json:"response,omitempty"`
	Error      string    `json:"error,omitempty"`
	Fatal      bool      `json:"fatal,omitempty"`
	At         time.Time `json:"at"`
}

// Line renders the status as one line of dashboard text.
func (s Status) Line() string {
	switch {
	case s.Error != "" && (s.Fatal || s.State == Speaking):
		return s.Error
	case s.State == Listening && s.Guarding:
		return "Yes, I'm listening..."
	case s.State == Listening && s.Transcript != "":
		return s.Transcript + "…"
	case s.State == Listening:
		return "Listening..."
	case s.State == Processing:
		return "Thinking: " + s.Transcript
	case s.State == Speaking:
		return s.Response
	default:
		return ""
	}
}

type nopDisplay struct{}

func (nopDisplay) ShowStatus(Status) {}

func (m *Machine) publish() {
	st := Status{
		Session:    m.sess.ID,
		State:      m.sess.State,
		Transcript: m.sess.Transcript,
		At:         m.clock.Now(),
	}
	if m.sess.State == Listening {
		_, st.Guarding = m.sess.timers[EchoGuard]
	}
	if m.sess.State == Speaking {
		if m.sess.failed {
			st.Error = m.sess.response
		} else {
			st.Response = m.sess.response
		}
	}
	m.display.ShowStatus(st)
}
