package audio

import "time"

// SegmentEvent tells the caller what the latest frame did to the current
// speech segment.
type SegmentEvent int

const (
	SegmentNone    SegmentEvent = iota
	SegmentStarted              // first voiced frame
	SegmentGrew                 // enough new audio for an interim decode
	SegmentEnded                // trailing silence or max length reached
)

type SegmenterConfig struct {
	SilenceThreshRMS float64
	SilenceDuration  time.Duration
	InterimEvery     time.Duration
	MaxLength        time.Duration
}

func DefaultSegmenterConfig() SegmenterConfig {
	return SegmenterConfig{
		SilenceThreshRMS: 0.015, // tune if needed
		SilenceDuration:  600 * time.Millisecond,
		InterimEvery:     800 * time.Millisecond,
		MaxLength:        10 * time.Second,
	}
}

// Segmenter cuts a continuous 20ms frame stream into speech segments using
// an RMS gate.
type Segmenter struct {
	cfg SegmenterConfig

	speaking      bool
	silenceFrames int
	sinceInterim  int
	buf           []float32
}

func NewSegmenter(cfg SegmenterConfig) *Segmenter {
	return &Segmenter{cfg: cfg}
}

func (s *Segmenter) frames(d time.Duration) int {
	n := int(d / (time.Second * FrameSize / CaptureRate))
	if n < 1 {
		n = 1
	}
	return n
}

// Push consumes one frame.
func (s *Segmenter) Push(frame []float32) SegmentEvent {
	voiced := frameRMS(frame) > s.cfg.SilenceThreshRMS

	if !s.speaking {
		if !voiced {
			return SegmentNone
		}
		s.speaking = true
		s.silenceFrames = 0
		s.sinceInterim = 0
		s.buf = append(s.buf[:0], frame...)
		return SegmentStarted
	}

	s.buf = append(s.buf, frame...)

	if voiced {
		s.silenceFrames = 0
	} else {
		s.silenceFrames++
		if s.silenceFrames >= s.frames(s.cfg.SilenceDuration) {
			s.speaking = false
			return SegmentEnded
		}
	}

	if len(s.buf) >= s.frames(s.cfg.MaxLength)*FrameSize {
		s.speaking = false
		return SegmentEnded
	}

	s.sinceInterim++
	if s.sinceInterim >= s.frames(s.cfg.InterimEvery) {
		s.sinceInterim = 0
		return SegmentGrew
	}
	return SegmentNone
}

// Samples returns a copy of the current segment audio.
func (s *Segmenter) Samples() []float32 {
	return append([]float32(nil), s.buf...)
}

func (s *Segmenter) Speaking() bool { return s.speaking }

func (s *Segmenter) Reset() {
	s.speaking = false
	s.silenceFrames = 0
	s.sinceInterim = 0
	s.buf = s.buf[:0]
}
