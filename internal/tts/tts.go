package tts

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"strings"
	"sync"
	"time"
)

var (
	ErrCanceled  = errors.New("speech canceled")
	ErrSynthesis = errors.New("speech synthesis failed")
)

type Gender int

const (
	GenderUnknown Gender = iota
	GenderMale
	GenderFemale
)

type Voice struct {
	Name    string
	Lang    string
	Gender  Gender
	Local   bool
	Default bool
}

type Utterance struct {
	Text  string
	Voice *Voice // nil means the engine default
	Rate  float64
	Pitch float64
}

// Engine is a text-to-speech backend. Speak blocks until the utterance has
// been played, ctx is done, or Cancel is called.
type Engine interface {
	Voices() []Voice
	VoicesChanged() <-chan struct{}
	Speak(ctx context.Context, u Utterance) error
	Cancel()
}

type Options struct {
	Rate  float64
	Pitch float64
	// CatalogWait bounds how long the first Speak waits for the voice list.
	CatalogWait time.Duration
}

// Synthesizer is an exclusive speech channel: a new Speak cancels the one
// in flight instead of queueing behind it.
type Synthesizer struct {
	engine Engine
	opt    Options

	mu     sync.Mutex
	cancel context.CancelCauseFunc

	// held while the engine is speaking
	speakMu sync.Mutex

	voiceMu sync.Mutex
	voice   *Voice
	chosen  bool
}

func NewSynthesizer(engine Engine, opt Options) *Synthesizer {
	if opt.Rate <= 0 {
		opt.Rate = 0.95
	}
	if opt.Pitch <= 0 {
		opt.Pitch = 1.05
	}
	if opt.CatalogWait <= 0 {
		opt.CatalogWait = 3 * time.Second
	}
	return &Synthesizer{engine: engine, opt: opt}
}

// Speak says text and returns once it has been played. A call superseded
// by a newer Speak or by Cancel returns ErrCanceled.
func (s *Synthesizer) Speak(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel(ErrCanceled)
		s.engine.Cancel()
	}
	s.cancel = cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		// a newer call may already own the slot
		if s.cancel != nil && context.Cause(ctx) == nil {
			s.cancel = nil
		}
		s.mu.Unlock()
	}()

	voice := s.chooseVoice(ctx)

	s.speakMu.Lock()
	defer s.speakMu.Unlock()

	if err := context.Cause(ctx); err != nil {
		return s.canceled(ctx)
	}

	err := s.engine.Speak(ctx, Utterance{
		Text:  text,
		Voice: voice,
		Rate:  s.opt.Rate,
		Pitch: s.opt.Pitch,
	})

	if ctx.Err() != nil {
		return s.canceled(ctx)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	return nil
}

func (s *Synthesizer) canceled(ctx context.Context) error {
	if errors.Is(context.Cause(ctx), ErrCanceled) {
		return ErrCanceled
	}
	return context.Cause(ctx)
}

// Cancel stops whatever is being spoken.
func (s *Synthesizer) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel(ErrCanceled)
		s.cancel = nil
	}
	s.engine.Cancel()
}

// chooseVoice picks a voice once the catalog is available and caches it.
func (s *Synthesizer) chooseVoice(ctx context.Context) *Voice {
	s.voiceMu.Lock()
	defer s.voiceMu.Unlock()

	if s.chosen {
		return s.voice
	}

	voices := s.engine.Voices()
	if len(voices) == 0 {
		t := time.NewTimer(s.opt.CatalogWait)
		defer t.Stop()

		select {
		case <-s.engine.VoicesChanged():
			voices = s.engine.Voices()
		case <-t.C:
			log.Warn("Voice catalog not loaded, using default voice")
			return nil
		case <-ctx.Done():
			return nil
		}
	}

	if v, ok := Choose(voices); ok {
		s.voice = &v
		log.Info("Selected voice", "name", v.Name, "lang", v.Lang)
	}
	s.chosen = true
	return s.voice
}
