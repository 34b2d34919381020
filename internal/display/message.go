package display

import (
	"sync"
	"time"

	"voxboard/internal/assistant"
)

type Kind string

const (
	KindStatus   Kind = "status"
	KindSpectrum Kind = "spectrum"
)

// Message is what the daemon pushes to dashboards.
type Message struct {
	Kind     Kind              `json:"kind"`
	Status   *assistant.Status `json:"status,omitempty"`
	Spectrum []byte            `json:"spectrum,omitempty"`
	At       time.Time         `json:"at"`
}

// SpectrumFeed holds the last spectrum received by a viewer. A frame older
// than MaxAge counts as no data.
type SpectrumFeed struct {
	MaxAge time.Duration

	mu    sync.Mutex
	frame []byte
	at    time.Time
	now   func() time.Time
}

func NewSpectrumFeed(maxAge time.Duration) *SpectrumFeed {
	if maxAge <= 0 {
		maxAge = 250 * time.Millisecond
	}
	return &SpectrumFeed{MaxAge: maxAge, now: time.Now}
}

func (f *SpectrumFeed) Update(frame []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frame = append(f.frame[:0], frame...)
	f.at = f.now()
}

func (f *SpectrumFeed) Snapshot() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frame) == 0 || f.now().Sub(f.at) > f.MaxAge {
		return nil
	}
	return append([]byte(nil), f.frame...)
}
