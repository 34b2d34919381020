package capture

import (
	"context"
	"errors"
	log "log/slog"
	"strings"
	"sync"
	"time"
)

var (
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrUnsupported      = errors.New("speech recognition unsupported")
)

// Utterance is one transcript event. Text is the rolling transcript of the
// capture run: every result since the run started.
type Utterance struct {
	Text  string
	Final bool
	// CapturedAt is when the audio behind the newest result began.
	CapturedAt time.Time
	Run        uint64
	// Settled is the byte length of the prefix of Text made of final
	// results. Later utterances of the same run keep that prefix unchanged.
	Settled int
}

// Result is a single recognizer output.
type Result struct {
	Text  string
	Final bool
	// StartedAt is when the recognized audio began; zero if the engine
	// cannot tell.
	StartedAt time.Time
}

// Engine is a continuous recognizer. Run emits results until ctx is done
// or the recognizer stops on its own; the Stream restarts it.
type Engine interface {
	Check() error
	Run(ctx context.Context, emit func(Result)) error
}

type Options struct {
	RestartDelay time.Duration
	Buffer       int
}

// Stream keeps an Engine running and turns its results into Utterances.
// A run that ends is restarted after RestartDelay unless the stream is
// suspended.
type Stream struct {
	engine Engine
	opt    Options
	out    chan Utterance
	now    func() time.Time

	mu        sync.Mutex
	suspended bool
	active    bool
	cancel    context.CancelFunc
	run       uint64
	resumed   chan struct{}
}

func NewStream(engine Engine, opt Options) *Stream {
	if opt.RestartDelay <= 0 {
		opt.RestartDelay = 100 * time.Millisecond
	}
	if opt.Buffer <= 0 {
		opt.Buffer = 32
	}
	return &Stream{
		engine:  engine,
		opt:     opt,
		out:     make(chan Utterance, opt.Buffer),
		now:     time.Now,
		resumed: make(chan struct{}, 1),
	}
}

func (s *Stream) Utterances() <-chan Utterance { return s.out }

// Check runs the engine's permission and capability probe.
func (s *Stream) Check(context.Context) error { return s.engine.Check() }

// Run drives the engine until ctx is done or it fails with a terminal error.
func (s *Stream) Run(ctx context.Context) error {
	for {
		if err := s.waitResumed(ctx); err != nil {
			return nil
		}

		runCtx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		if s.suspended {
			s.mu.Unlock()
			cancel()
			continue
		}
		s.run++
		run := s.run
		s.cancel = cancel
		s.active = true
		s.mu.Unlock()

		log.Debug("Capture run started", "run", run)
		err := s.engine.Run(runCtx, s.emitter(runCtx, run))

		s.mu.Lock()
		s.active = false
		s.cancel = nil
		suspended := s.suspended
		s.mu.Unlock()
		cancel()

		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrUnsupported) {
			return err
		}
		if err != nil {
			log.Warn("Capture run failed", "run", run, "err", err)
		}
		if suspended {
			continue
		}

		t := time.NewTimer(s.opt.RestartDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (s *Stream) waitResumed(ctx context.Context) error {
	for {
		s.mu.Lock()
		suspended := s.suspended
		s.mu.Unlock()
		if !suspended {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.resumed:
		}
	}
}

func (s *Stream) emitter(ctx context.Context, run uint64) func(Result) {
	var finals []string
	return func(r Result) {
		text := strings.ToLower(strings.TrimSpace(r.Text))
		if text == "" || ctx.Err() != nil {
			return
		}

		parts := append(append([]string(nil), finals...), text)
		if r.Final {
			finals = append(finals, text)
		}

		at := r.StartedAt
		if at.IsZero() {
			at = s.now()
		}

		u := Utterance{
			Text:       strings.Join(parts, " "),
			Final:      r.Final,
			CapturedAt: at,
			Run:        run,
			Settled:    len(strings.Join(finals, " ")),
		}
		select {
		case s.out <- u:
		case <-ctx.Done():
		}
	}
}

// Suspend stops the current run and keeps the engine down until Resume.
func (s *Stream) Suspend() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.suspended = true
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Stream) Resume() {
	s.mu.Lock()
	s.suspended = false
	s.mu.Unlock()

	select {
	case s.resumed <- struct{}{}:
	default:
	}
}

// Active reports whether an engine run is in progress.
func (s *Stream) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Suspended reports whether the stream has been told to stay down.
func (s *Stream) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}
