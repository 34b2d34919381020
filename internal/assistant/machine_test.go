package assistant

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"voxboard/internal/capture"
	"voxboard/internal/router"
	"voxboard/internal/tts"
)

type fakeCapture struct {
	mu        sync.Mutex
	ch        chan capture.Utterance
	suspended bool
	suspends  int
	resumes   int
}

func (f *fakeCapture) Utterances() <-chan capture.Utterance { return f.ch }

func (f *fakeCapture) Suspend() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suspended = true
	f.suspends++
}

func (f *fakeCapture) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suspended = false
	f.resumes++
}

func (f *fakeCapture) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.suspended
}

type fakeSynth struct {
	mu      sync.Mutex
	spoken  []string
	err     error
	cancels int
}

func (f *fakeSynth) Speak(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spoken = append(f.spoken, text)
	if text == DefaultConfig().Acknowledgement {
		return nil
	}
	return f.err
}

func (f *fakeSynth) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
}

type fakeRouter struct {
	texts []string
	resp  router.SpokenResponse
}

func (f *fakeRouter) Route(_ context.Context, text string) router.SpokenResponse {
	f.texts = append(f.texts, text)
	return f.resp
}

type fakeDisplay struct {
	mu       sync.Mutex
	statuses []Status
}

func (f *fakeDisplay) ShowStatus(s Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, s)
}

func (f *fakeDisplay) last() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return Status{}
	}
	return f.statuses[len(f.statuses)-1]
}

type fakeDucker struct {
	calls *[]string
}

func (f fakeDucker) Duck(context.Context) error {
	*f.calls = append(*f.calls, "duck")
	return nil
}

func (f fakeDucker) Unduck(context.Context) error {
	*f.calls = append(*f.calls, "unduck")
	return nil
}

type gateFunc func(ctx context.Context) error

func (g gateFunc) Check(ctx context.Context) error { return g(ctx) }

type harness struct {
	t       *testing.T
	m       *Machine
	clk     *clock.Mock
	capture *fakeCapture
	synth   *fakeSynth
	router  *fakeRouter
	display *fakeDisplay
	ducks   []string
	run     uint64

	// settled prefix of the current run, as the capture stream reports it
	settled    int
	settledRun uint64
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		t:       t,
		clk:     clock.NewMock(),
		capture: &fakeCapture{ch: make(chan capture.Utterance)},
		synth:   &fakeSynth{},
		router:  &fakeRouter{resp: router.SpokenResponse{Text: "It is sunny.", Kind: router.Answer}},
		display: &fakeDisplay{},
		run:     1,
	}

	h.m = New(DefaultConfig(), Deps{
		Capture:     h.capture,
		Synthesizer: h.synth,
		Router:      h.router,
		Display:     h.display,
		Duckers:     []Ducker{fakeDucker{calls: &h.ducks}},
		Clock:       h.clk,
	})
	h.m.async = func(f func()) { f() }

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := h.m.start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	return h
}

// drain handles queued events until the machine has been quiet for a bit;
// mock timer callbacks may post from their own goroutine.
func (h *harness) drain() {
	for {
		select {
		case ev := <-h.m.events:
			h.m.onEvent(ev)
		case <-time.After(20 * time.Millisecond):
			return
		}
	}
}

func (h *harness) say(text string, final bool) {
	h.sayFrom(h.clk.Now(), text, final)
}

// sayFrom delivers a result whose audio began at started.
func (h *harness) sayFrom(started time.Time, text string, final bool) {
	if h.settledRun != h.run {
		h.settled, h.settledRun = 0, h.run
	}
	if final {
		h.settled = len(text)
	}
	h.m.onUtterance(capture.Utterance{
		Text:       text,
		Final:      final,
		CapturedAt: started,
		Run:        h.run,
		Settled:    h.settled,
	})
	h.drain()
}

func (h *harness) advance(d time.Duration) {
	h.clk.Add(d)
	h.drain()
}

func (h *harness) wantState(s State) {
	h.t.Helper()
	if got := h.m.State(); got != s {
		h.t.Fatalf("state = %v, want %v", got, s)
	}
	if h.m.sess.State != s {
		h.t.Fatalf("session state = %v, want %v", h.m.sess.State, s)
	}
}

func (h *harness) acks() int {
	n := 0
	for _, s := range h.synth.spoken {
		if s == DefaultConfig().Acknowledgement {
			n++
		}
	}
	return n
}

func TestWakeWordActivatesOncePerOccurrence(t *testing.T) {
	h := newHarness(t)

	h.say("so i told him", false)
	h.wantState(Idle)

	h.say("so i told him hey", false)
	h.wantState(Listening)
	if h.acks() != 1 {
		t.Fatalf("acknowledgements = %d, want 1", h.acks())
	}
	if st := h.display.last(); !st.Guarding || st.State != Listening {
		t.Errorf("status = %+v, want guarded listening", st)
	}

	// the same occurrence keeps showing up in later results
	h.say("so i told him hey you", false)
	h.say("so i told him hey you", true)
	if h.acks() != 1 {
		t.Fatalf("acknowledgements = %d, want still 1", h.acks())
	}

	h.advance(20 * time.Second)
	h.wantState(Idle)

	h.say("so i told him hey you", true)
	h.wantState(Idle)

	h.say("so i told him hey you hey", false)
	h.wantState(Listening)
	if h.acks() != 2 {
		t.Fatalf("acknowledgements = %d, want 2", h.acks())
	}
}

func TestTokenHeardDuringSessionDoesNotFireLater(t *testing.T) {
	h := newHarness(t)
	h.router.resp = router.SpokenResponse{Text: "ok", Kind: router.Answer}

	h.say("hey", false)
	h.advance(3 * time.Second)
	h.say("hey tell me hey what is up", true)
	h.wantState(Speaking)

	h.advance(2 * time.Second)
	h.wantState(Idle)

	h.say("hey tell me hey what is up", true)
	h.wantState(Idle)
}

func TestEchoGuardDiscards(t *testing.T) {
	h := newHarness(t)

	h.say("hey", false)
	h.advance(time.Second)
	h.say("hey yes i'm listening", true)
	h.wantState(Listening)

	h.advance(999 * time.Millisecond)
	h.say("hey yes i'm listening what", true)
	h.wantState(Listening)
	if len(h.router.texts) != 0 {
		t.Fatalf("router reached inside the guard window: %q", h.router.texts)
	}

	h.advance(time.Millisecond)
	if st := h.display.last(); st.Guarding {
		t.Errorf("status still guarded after the window: %+v", st)
	}
	h.say("hey yes i'm listening what time is it", true)
	h.wantState(Speaking)
	if len(h.router.texts) != 1 || h.router.texts[0] != "time is it" {
		t.Fatalf("routed = %q, want [time is it]", h.router.texts)
	}
}

func TestEchoSegmentEmittedAfterGuardIsDropped(t *testing.T) {
	h := newHarness(t)
	h.say("hey", true)
	activated := h.clk.Now()
	h.wantState(Listening)

	// the acknowledgement starts a segment right away; whisper only
	// finishes it once the trailing silence has passed
	echoStart := activated.Add(100 * time.Millisecond)
	h.advance(time.Second)
	h.sayFrom(echoStart, "hey yes i'm", false)
	h.advance(1300 * time.Millisecond)
	h.sayFrom(echoStart, "hey yes, i'm listening.", true)

	h.wantState(Listening)
	if len(h.router.texts) != 0 {
		t.Fatalf("acknowledgement echo was routed: %q", h.router.texts)
	}

	h.advance(time.Second)
	h.sayFrom(h.clk.Now().Add(-500*time.Millisecond), "hey yes, i'm listening. what time is it", true)
	h.wantState(Speaking)
	if len(h.router.texts) != 1 || h.router.texts[0] != "what time is it" {
		t.Fatalf("routed = %q, want [what time is it]", h.router.texts)
	}
}

func TestGuardOffsetIgnoresInterimText(t *testing.T) {
	h := newHarness(t)
	h.say("hey", true)
	start := h.clk.Now()

	// the interim hypothesis is longer than the final that replaces it
	h.advance(500 * time.Millisecond)
	h.sayFrom(start, "hey yes i'm listening to you", false)
	h.advance(time.Second)
	h.sayFrom(start, "hey yes i'm listening", true)

	h.advance(2 * time.Second)
	h.say("hey yes i'm listening what is the capital of france", true)
	h.wantState(Speaking)
	if len(h.router.texts) != 1 || h.router.texts[0] != "what is the capital of france" {
		t.Fatalf("routed = %q, want [what is the capital of france]", h.router.texts)
	}
}

func TestSessionTimeout(t *testing.T) {
	h := newHarness(t)

	h.say("hey", false)
	h.advance(3 * time.Second)
	h.say("hey turn the", false)
	if st := h.display.last(); st.Transcript != "turn the" {
		t.Fatalf("partial transcript = %q, want %q", st.Transcript, "turn the")
	}
	h.say("hey ok", true)
	h.wantState(Listening)

	h.advance(16999 * time.Millisecond)
	h.wantState(Listening)

	h.advance(time.Millisecond)
	h.wantState(Idle)
	if h.m.sess.Transcript != "" {
		t.Errorf("transcript = %q, want empty", h.m.sess.Transcript)
	}
	if st := h.display.last(); st.State != Idle || st.Transcript != "" {
		t.Errorf("status = %+v, want empty idle", st)
	}
	if len(h.router.texts) != 0 {
		t.Errorf("router called: %q", h.router.texts)
	}
	if !h.capture.Active() {
		t.Error("capture should stay active through a timeout")
	}
}

func TestFullCycleResumesCapture(t *testing.T) {
	h := newHarness(t)

	h.say("hey", false)
	h.advance(2500 * time.Millisecond)
	h.say("hey what's the weather", true)

	h.wantState(Speaking)
	if h.capture.suspends != 1 || h.capture.Active() {
		t.Fatalf("capture suspended %d times, active=%v", h.capture.suspends, h.capture.Active())
	}
	if got := h.synth.spoken[len(h.synth.spoken)-1]; got != "It is sunny." {
		t.Fatalf("spoken = %q", got)
	}
	if strings.Join(h.ducks, ",") != "duck,unduck" {
		t.Errorf("ducking = %v, want [duck unduck]", h.ducks)
	}
	if st := h.display.last(); st.Response != "It is sunny." || st.State != Speaking {
		t.Errorf("status = %+v", st)
	}
	if _, ok := h.m.sess.timers[SessionTimeout]; ok {
		t.Error("session timeout still armed after processing began")
	}

	h.advance(1999 * time.Millisecond)
	h.wantState(Speaking)
	if h.capture.Active() {
		t.Fatal("capture resumed before the settle delay")
	}

	h.advance(time.Millisecond)
	h.wantState(Idle)
	if !h.capture.Active() || h.capture.resumes != 1 {
		t.Fatalf("capture active=%v resumes=%d after settle", h.capture.Active(), h.capture.resumes)
	}
	if len(h.m.sess.timers) != 0 {
		t.Errorf("timers left armed: %v", h.m.sess.timers)
	}
}

func TestErrorResponseSettlesLonger(t *testing.T) {
	tests := []struct {
		name     string
		resp     router.SpokenResponse
		synthErr error
	}{
		{"error message", router.SpokenResponse{Text: "Network error.", Kind: router.ErrorMessage}, nil},
		{"synthesis error", router.SpokenResponse{Text: "Fine.", Kind: router.Answer}, tts.ErrSynthesis},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.router.resp = tt.resp
			h.synth.err = tt.synthErr

			h.say("hey", false)
			h.advance(2 * time.Second)
			h.say("hey tell me a joke", true)
			h.wantState(Speaking)

			h.advance(2 * time.Second)
			h.wantState(Speaking)

			h.advance(time.Second)
			h.wantState(Idle)
			if !h.capture.Active() {
				t.Error("capture not resumed")
			}
		})
	}
}

func TestErrorShownOnDisplay(t *testing.T) {
	h := newHarness(t)
	h.router.resp = router.SpokenResponse{Text: "API quota exceeded. Please try again later.", Kind: router.ErrorMessage}

	h.say("hey", false)
	h.advance(2 * time.Second)
	h.say("hey what is love", true)

	st := h.display.last()
	if st.Error != h.router.resp.Text || st.Response != "" {
		t.Errorf("status = %+v", st)
	}
	if st.Line() != h.router.resp.Text {
		t.Errorf("line = %q", st.Line())
	}
}

func TestShortFinalKeepsListening(t *testing.T) {
	h := newHarness(t)

	h.say("hey", false)
	h.advance(2 * time.Second)
	h.say("hey uh", true)
	h.say("hey uh.", true)
	h.wantState(Listening)
	if len(h.router.texts) != 0 {
		t.Fatalf("router called for short text: %q", h.router.texts)
	}

	h.say("hey uh. skip", true)
	h.wantState(Speaking)
	if h.router.texts[0] != "uh. skip" {
		t.Errorf("routed = %q", h.router.texts[0])
	}
}

func TestManualActivation(t *testing.T) {
	h := newHarness(t)

	h.say("background chatter", true)
	h.m.Activate()
	h.m.Activate()
	<-h.m.activate
	h.m.onActivate()
	h.drain()
	h.wantState(Listening)

	select {
	case <-h.m.activate:
		t.Fatal("second activation should have been coalesced")
	default:
	}

	h.m.onActivate()
	if h.acks() != 1 {
		t.Fatalf("activation while listening spoke again: %d", h.acks())
	}

	h.advance(2 * time.Second)
	h.say("background chatter play music", true)
	if len(h.router.texts) != 1 || h.router.texts[0] != "play music" {
		t.Fatalf("routed = %q, want [play music]", h.router.texts)
	}
}

func TestNewRunResetsOffset(t *testing.T) {
	h := newHarness(t)

	h.say("hey", false)
	h.advance(2 * time.Second)
	h.run = 2
	h.say("next track", true)
	if len(h.router.texts) != 1 || h.router.texts[0] != "next track" {
		t.Fatalf("routed = %q", h.router.texts)
	}
}

func TestStaleEventsDropped(t *testing.T) {
	h := newHarness(t)

	h.say("hey", false)
	old := h.m.sess.timers[SessionTimeout]
	h.m.arm(SessionTimeout, time.Minute)
	if h.m.sess.timers[SessionTimeout].seq == old.seq {
		t.Fatal("re-arming kept the old sequence")
	}

	h.m.onEvent(event{kind: evTimer, session: h.m.sess.ID, purpose: SessionTimeout, seq: old.seq})
	h.wantState(Listening)

	h.m.onEvent(event{kind: evResponse, session: "old-session", resp: router.SpokenResponse{Text: "late"}})
	h.wantState(Listening)

	// the first timeout was stopped: only the minute-long one is left
	h.advance(20 * time.Second)
	h.wantState(Listening)
	h.advance(40 * time.Second)
	h.wantState(Idle)
}

func TestUtterancesIgnoredWhileBusy(t *testing.T) {
	h := newHarness(t)
	// hold the route so the machine stays in Processing
	var pending []func()
	h.m.async = func(f func()) { pending = append(pending, f) }

	h.say("hey", false)
	for _, f := range pending {
		f()
	}
	pending = nil
	h.drain()

	h.advance(2 * time.Second)
	h.say("hey what is up", true)
	h.wantState(Processing)

	h.say("hey what is up and more", true)
	h.wantState(Processing)
	if len(pending) != 1 {
		t.Fatalf("pending work = %d, want 1 route", len(pending))
	}

	pending[0]()
	h.drain()
	h.wantState(Speaking)
}

func TestGateIsTerminal(t *testing.T) {
	tests := []struct {
		err  error
		line string
	}{
		{capture.ErrPermissionDenied, "Microphone access denied. Voice assistant is disabled."},
		{capture.ErrUnsupported, "Speech recognition is not supported here. Voice assistant is disabled."},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			disp := &fakeDisplay{}
			m := New(Config{}, Deps{
				Capture:     &fakeCapture{ch: make(chan capture.Utterance)},
				Synthesizer: &fakeSynth{},
				Router:      &fakeRouter{},
				Display:     disp,
				Gate:        gateFunc(func(context.Context) error { return tt.err }),
				Clock:       clock.NewMock(),
			})

			err := m.Run(context.Background())
			if !errors.Is(err, tt.err) {
				t.Fatalf("Run = %v, want %v", err, tt.err)
			}
			st := disp.last()
			if !st.Fatal || st.Line() != tt.line {
				t.Errorf("status = %+v", st)
			}
		})
	}
}

func TestRunTeardown(t *testing.T) {
	capt := &fakeCapture{ch: make(chan capture.Utterance)}
	synth := &fakeSynth{}
	clk := clock.NewMock()
	m := New(Config{}, Deps{
		Capture:     capt,
		Synthesizer: synth,
		Router:      &fakeRouter{},
		Clock:       clk,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	capt.ch <- capture.Utterance{Text: "hey", Run: 1, CapturedAt: clk.Now()}
	deadline := time.Now().Add(time.Second)
	for m.State() != Listening && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if m.State() != Listening {
		t.Fatal("machine did not activate")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run = %v", err)
	}
	if capt.Active() {
		t.Error("capture still active after teardown")
	}
	synth.mu.Lock()
	defer synth.mu.Unlock()
	if synth.cancels != 1 {
		t.Errorf("synth cancels = %d, want 1", synth.cancels)
	}
}
