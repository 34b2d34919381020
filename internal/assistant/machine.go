package assistant

import (
	"context"
	"errors"
	log "log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/benbjohnson/clock"

	"voxboard/internal/capture"
	"voxboard/internal/router"
	"voxboard/internal/tts"
)

// EchoGuardWindow is how long after activation transcript activity is
// discarded: the acknowledgement is still coming out of the speakers.
const EchoGuardWindow = 2 * time.Second

type Capture interface {
	Utterances() <-chan capture.Utterance
	Suspend()
	Resume()
	Active() bool
}

type Synthesizer interface {
	Speak(ctx context.Context, text string) error
	Cancel()
}

type Router interface {
	Route(ctx context.Context, text string) router.SpokenResponse
}

type Display interface {
	ShowStatus(Status)
}

type Ducker interface {
	Duck(ctx context.Context) error
	Unduck(ctx context.Context) error
}

// Gate is the one-time microphone check run before anything else.
type Gate interface {
	Check(ctx context.Context) error
}

type Config struct {
	WakeWord        string
	Acknowledgement string
	SessionTimeout  time.Duration
	AnswerSettle    time.Duration
	ErrorSettle     time.Duration
	QueryTimeout    time.Duration
	MinCommandLen   int
}

func DefaultConfig() Config {
	return Config{
		WakeWord:        "hey",
		Acknowledgement: "Yes, I'm listening",
		SessionTimeout:  20 * time.Second,
		AnswerSettle:    2 * time.Second,
		ErrorSettle:     3 * time.Second,
		QueryTimeout:    30 * time.Second,
		MinCommandLen:   3,
	}
}

type Deps struct {
	Capture     Capture
	Synthesizer Synthesizer
	Router      Router
	Display     Display
	Duckers     []Ducker
	Gate        Gate
	Clock       clock.Clock
}

type eventKind int

const (
	evTimer eventKind = iota
	evResponse
	evSpoken
)

type event struct {
	kind    eventKind
	session string

	purpose Purpose
	seq     uint64

	resp router.SpokenResponse
	err  error
	ack  bool
}

// Machine owns the conversation session. All session state is touched
// only from the Run goroutine; slow work runs elsewhere and reports back
// through events.
type Machine struct {
	cfg      Config
	capture  Capture
	synth    Synthesizer
	router   Router
	display  Display
	duckers  []Ducker
	gate     Gate
	clock    clock.Clock
	detector *Detector

	// runs slow work; tests swap it for a synchronous call
	async func(func())

	events   chan event
	activate chan struct{}
	done     <-chan struct{}
	ctx      context.Context

	sess        Session
	seq         uint64
	lastSettled int
	lastRun     uint64

	stateMu sync.Mutex
	state   State
}

func New(cfg Config, deps Deps) *Machine {
	def := DefaultConfig()
	if cfg.WakeWord == "" {
		cfg.WakeWord = def.WakeWord
	}
	if cfg.Acknowledgement == "" {
		cfg.Acknowledgement = def.Acknowledgement
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = def.SessionTimeout
	}
	if cfg.AnswerSettle <= 0 {
		cfg.AnswerSettle = def.AnswerSettle
	}
	if cfg.ErrorSettle <= 0 {
		cfg.ErrorSettle = def.ErrorSettle
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = def.QueryTimeout
	}
	if cfg.MinCommandLen <= 0 {
		cfg.MinCommandLen = def.MinCommandLen
	}

	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Display == nil {
		deps.Display = nopDisplay{}
	}

	return &Machine{
		cfg:      cfg,
		capture:  deps.Capture,
		synth:    deps.Synthesizer,
		router:   deps.Router,
		display:  deps.Display,
		duckers:  deps.Duckers,
		gate:     deps.Gate,
		clock:    deps.Clock,
		detector: NewDetector(cfg.WakeWord),
		async:    func(f func()) { go f() },
		events:   make(chan event, 64),
		activate: make(chan struct{}, 1),
		sess:     newSession(Idle),
	}
}

// Run checks the microphone gate and then drives the session until ctx is
// done. A gate failure is terminal: it is shown once and returned.
func (m *Machine) Run(ctx context.Context) error {
	if err := m.start(ctx); err != nil {
		return err
	}

	utterances := m.capture.Utterances()
	for {
		select {
		case <-ctx.Done():
			m.teardown()
			return nil
		case u, ok := <-utterances:
			if !ok {
				utterances = nil
				continue
			}
			m.onUtterance(u)
		case ev := <-m.events:
			m.onEvent(ev)
		case <-m.activate:
			m.onActivate()
		}
	}
}

func (m *Machine) start(ctx context.Context) error {
	m.ctx = ctx
	m.done = ctx.Done()

	if m.gate != nil {
		if err := m.gate.Check(ctx); err != nil {
			log.Error("Voice assistant disabled", "err", err)
			m.display.ShowStatus(Status{
				State: Idle,
				Error: gateMessage(err),
				Fatal: true,
				At:    m.clock.Now(),
			})
			return err
		}
	}

	log.Info("Voice assistant ready", "wake", m.cfg.WakeWord)
	m.publish()
	return nil
}

func gateMessage(err error) string {
	switch {
	case errors.Is(err, capture.ErrPermissionDenied):
		return "Microphone access denied. Voice assistant is disabled."
	case errors.Is(err, capture.ErrUnsupported):
		return "Speech recognition is not supported here. Voice assistant is disabled."
	default:
		return "Voice assistant is unavailable."
	}
}

// Activate requests a session as if the wake word had been heard. It is
// ignored unless the machine is idle.
func (m *Machine) Activate() {
	select {
	case m.activate <- struct{}{}:
	default:
	}
}

func (m *Machine) State() State {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state
}

func (m *Machine) setState(s State) {
	m.sess.State = s
	m.stateMu.Lock()
	m.state = s
	m.stateMu.Unlock()
}

func (m *Machine) post(ev event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

func (m *Machine) onUtterance(u capture.Utterance) {
	m.lastSettled, m.lastRun = u.Settled, u.Run
	fresh := m.detector.Observe(u.Run, u.Text)

	switch m.sess.State {
	case Idle:
		if fresh {
			log.Info("Wake word detected", "text", u.Text)
			// an interim may still be rewritten; its final falls in the
			// echo guard and moves the offset then
			offset := u.Settled
			if u.Final {
				offset = m.detector.After(u.Text)
			}
			m.begin(u.Run, offset)
		}
	case Listening:
		m.listen(u)
	default:
		log.Debug("Utterance dropped", "state", m.sess.State, "text", u.Text)
	}
}

func (m *Machine) onActivate() {
	if m.sess.State != Idle {
		log.Debug("Activation ignored", "state", m.sess.State)
		return
	}
	log.Info("Manual activation")
	m.begin(m.lastRun, m.lastSettled)
}

// begin moves Idle to Listening. offset marks where the user's request
// starts in the current run's transcript; it only ever points into the
// settled prefix.
func (m *Machine) begin(run uint64, offset int) {
	m.stopTimers()
	m.sess = newSession(Listening)
	m.setState(Listening)
	m.sess.ActivatedAt = m.clock.Now()
	m.sess.run = run
	m.sess.offset = max(offset, 0)

	ack := m.cfg.Acknowledgement
	m.async(func() {
		err := m.synth.Speak(m.ctx, ack)
		m.post(event{kind: evSpoken, ack: true, err: err})
	})

	m.arm(SessionTimeout, m.cfg.SessionTimeout)
	m.arm(EchoGuard, EchoGuardWindow)
	m.publish()
}

func (m *Machine) listen(u capture.Utterance) {
	if u.Run != m.sess.run {
		m.sess.run = u.Run
		m.sess.offset = 0
	}

	// audio that began before the window closed may carry the acknowledgement
	if u.CapturedAt.Sub(m.sess.ActivatedAt) < EchoGuardWindow {
		m.sess.offset = max(m.sess.offset, u.Settled)
		log.Debug("Echo guard discarded", "text", u.Text)
		return
	}

	cleaned := m.clean(u.Text)
	m.sess.Transcript = cleaned

	if !u.Final || utf8.RuneCountInString(cleaned) <= m.cfg.MinCommandLen {
		m.publish()
		return
	}

	m.process(cleaned)
}

func (m *Machine) clean(text string) string {
	off := min(m.sess.offset, len(text))
	return Strip(text[off:], m.cfg.WakeWord)
}

// process moves Listening to Processing and routes text off the loop.
func (m *Machine) process(text string) {
	m.cancelTimer(SessionTimeout)
	m.setState(Processing)
	m.capture.Suspend()
	m.publish()

	log.Info("Processing", "session", m.sess.ID, "text", text)

	sid := m.sess.ID
	m.async(func() {
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.QueryTimeout)
		defer cancel()
		resp := m.router.Route(ctx, text)
		m.post(event{kind: evResponse, session: sid, resp: resp})
	})
}

func (m *Machine) onEvent(ev event) {
	switch ev.kind {
	case evTimer:
		m.onTimer(ev)
	case evResponse:
		m.onResponse(ev)
	case evSpoken:
		m.onSpoken(ev)
	}
}

func (m *Machine) onTimer(ev event) {
	a, ok := m.sess.timers[ev.purpose]
	if !ok || a.seq != ev.seq || ev.session != m.sess.ID {
		log.Debug("Stale timer dropped", "purpose", ev.purpose)
		return
	}
	delete(m.sess.timers, ev.purpose)

	switch ev.purpose {
	case SessionTimeout:
		if m.sess.State != Listening {
			return
		}
		log.Info("Session timed out", "session", m.sess.ID)
		m.reset()
	case EchoGuard:
		m.publish()
	case Settle:
		m.reset()
		m.capture.Resume()
		log.Info("Listening for wake word")
	}
}

// onResponse moves Processing to Speaking.
func (m *Machine) onResponse(ev event) {
	if ev.session != m.sess.ID || m.sess.State != Processing {
		log.Debug("Stale response dropped", "session", ev.session)
		return
	}

	m.setState(Speaking)
	m.sess.response = ev.resp.Text
	m.sess.failed = ev.resp.Kind == router.ErrorMessage
	m.publish()

	log.Info("Speaking", "session", m.sess.ID, "text", ev.resp.Text, "error", m.sess.failed)

	sid, text := m.sess.ID, ev.resp.Text
	m.async(func() {
		m.duck()
		err := m.synth.Speak(m.ctx, text)
		m.unduck()
		m.post(event{kind: evSpoken, session: sid, err: err})
	})
}

// onSpoken schedules the return to Idle once the answer has been spoken.
func (m *Machine) onSpoken(ev event) {
	if ev.ack {
		if ev.err != nil && !errors.Is(ev.err, tts.ErrCanceled) {
			log.Warn("Acknowledgement failed", "err", ev.err)
		}
		return
	}
	if ev.session != m.sess.ID || m.sess.State != Speaking {
		return
	}

	delay := m.cfg.AnswerSettle
	if m.sess.failed {
		delay = m.cfg.ErrorSettle
	}
	if ev.err != nil {
		log.Warn("Synthesis failed", "session", m.sess.ID, "err", ev.err)
		delay = m.cfg.ErrorSettle
	}

	m.arm(Settle, delay)
}

func (m *Machine) duck() {
	for _, d := range m.duckers {
		if err := d.Duck(m.ctx); err != nil {
			log.Warn("Duck failed", "err", err)
		}
	}
}

func (m *Machine) unduck() {
	// restore even after teardown
	ctx := context.WithoutCancel(m.ctx)
	for _, d := range m.duckers {
		if err := d.Unduck(ctx); err != nil {
			log.Warn("Unduck failed", "err", err)
		}
	}
}

// reset returns to a fresh Idle session.
func (m *Machine) reset() {
	m.stopTimers()
	m.sess = newSession(Idle)
	m.setState(Idle)
	m.publish()
}

// arm starts the single timer for p, stopping any predecessor.
func (m *Machine) arm(p Purpose, d time.Duration) {
	m.cancelTimer(p)

	m.seq++
	seq, sid := m.seq, m.sess.ID
	t := m.clock.AfterFunc(d, func() {
		m.post(event{kind: evTimer, session: sid, purpose: p, seq: seq})
	})
	m.sess.timers[p] = armed{timer: t, seq: seq}
}

func (m *Machine) cancelTimer(p Purpose) {
	if a, ok := m.sess.timers[p]; ok {
		a.timer.Stop()
		delete(m.sess.timers, p)
	}
}

func (m *Machine) stopTimers() {
	for p := range m.sess.timers {
		m.cancelTimer(p)
	}
}

func (m *Machine) teardown() {
	m.stopTimers()
	m.capture.Suspend()
	m.synth.Cancel()
	log.Info("Voice assistant stopped")
}
