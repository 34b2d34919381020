package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"voxboard/internal/audio"
	"voxboard/pkg/stt"
)

// scriptEngine emits one script per run. A script with hold set keeps the
// run open until it is canceled.
type scriptEngine struct {
	mu       sync.Mutex
	scripts  []script
	runs     int
	started  chan int
	checkErr error
}

type script struct {
	results []Result
	hold    bool
	err     error
}

func (e *scriptEngine) Check() error { return e.checkErr }

func (e *scriptEngine) Run(ctx context.Context, emit func(Result)) error {
	e.mu.Lock()
	e.runs++
	n := e.runs
	sc := script{hold: true}
	if len(e.scripts) > 0 {
		sc = e.scripts[0]
		e.scripts = e.scripts[1:]
	}
	e.mu.Unlock()

	if e.started != nil {
		e.started <- n
	}
	for _, r := range sc.results {
		emit(r)
	}
	if sc.hold {
		<-ctx.Done()
	}
	return sc.err
}

func next(t *testing.T, s *Stream) Utterance {
	t.Helper()
	select {
	case u := <-s.Utterances():
		return u
	case <-time.After(time.Second):
		t.Fatal("no utterance")
		return Utterance{}
	}
}

func TestStreamRollingTranscript(t *testing.T) {
	eng := &scriptEngine{scripts: []script{{
		results: []Result{
			{Text: "Hey", Final: false},
			{Text: "Hey there", Final: true},
			{Text: "  what", Final: false},
			{Text: "What time is it", Final: true},
		},
		hold: true,
	}}}
	s := NewStream(eng, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	want := []struct {
		text    string
		final   bool
		settled int
	}{
		{"hey", false, 0},
		{"hey there", true, 9},
		{"hey there what", false, 9},
		{"hey there what time is it", true, 25},
	}
	for i, w := range want {
		u := next(t, s)
		if u.Text != w.text || u.Final != w.final || u.Run != 1 || u.Settled != w.settled {
			t.Errorf("utterance %d = %+v, want %q final=%v settled=%d run=1", i, u, w.text, w.final, w.settled)
		}
	}
}

func TestStreamRestartsAfterEnd(t *testing.T) {
	eng := &scriptEngine{
		scripts: []script{
			{results: []Result{{Text: "one", Final: true}}},
			{results: []Result{{Text: "two", Final: true}}, err: errors.New("network hiccup")},
			{results: []Result{{Text: "three", Final: true}}, hold: true},
		},
	}
	s := NewStream(eng, Options{RestartDelay: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	for i, want := range []string{"one", "two", "three"} {
		u := next(t, s)
		if u.Text != want || u.Run != uint64(i+1) {
			t.Errorf("utterance = %q run %d, want %q run %d", u.Text, u.Run, want, i+1)
		}
	}
}

func TestStreamSuspendResume(t *testing.T) {
	eng := &scriptEngine{started: make(chan int, 8)}
	s := NewStream(eng, Options{RestartDelay: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	<-eng.started
	waitFor(t, s.Active, true)

	s.Suspend()
	waitFor(t, s.Active, false)

	select {
	case n := <-eng.started:
		t.Fatalf("run %d started while suspended", n)
	case <-time.After(30 * time.Millisecond):
	}

	s.Resume()
	if n := <-eng.started; n != 2 {
		t.Fatalf("run after resume = %d, want 2", n)
	}
	waitFor(t, s.Active, true)
}

func TestStreamTerminalError(t *testing.T) {
	eng := &scriptEngine{scripts: []script{{err: ErrPermissionDenied}}}
	s := NewStream(eng, Options{RestartDelay: time.Millisecond})

	err := s.Run(context.Background())
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Run = %v, want ErrPermissionDenied", err)
	}
}

func waitFor(t *testing.T, f func() bool, want bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if f() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition never became %v", want)
}

type fakeListener struct {
	probeErr error
	frames   [][]float32
}

func (f *fakeListener) Probe() error { return f.probeErr }

func (f *fakeListener) Listen(ctx context.Context, out chan<- []float32) error {
	for _, fr := range f.frames {
		select {
		case out <- fr:
		case <-ctx.Done():
			return nil
		}
	}
	<-ctx.Done()
	return nil
}

type fakeTranscriber struct {
	mu    sync.Mutex
	calls []int
}

func (f *fakeTranscriber) Transcribe(_ context.Context, pcm []float32) (stt.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, len(pcm))
	return stt.Result{Text: "turn it up"}, nil
}

func TestWhisperEngineCheck(t *testing.T) {
	e := (&WhisperEngine{rec: &fakeListener{}}).withDefaults()
	if err := e.Check(); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Check without model = %v, want ErrUnsupported", err)
	}

	e = (&WhisperEngine{rec: &fakeListener{probeErr: audio.ErrNoInputDevice}, tr: &fakeTranscriber{}}).withDefaults()
	if err := e.Check(); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Check without device = %v, want ErrPermissionDenied", err)
	}
}

func TestWhisperEngineSegments(t *testing.T) {
	loud := make([]float32, audio.FrameSize)
	for i := range loud {
		loud[i] = 0.5
	}
	quiet := make([]float32, audio.FrameSize)

	var frames [][]float32
	for i := 0; i < 3; i++ {
		frames = append(frames, loud)
	}
	for i := 0; i < 3; i++ {
		frames = append(frames, quiet)
	}

	tr := &fakeTranscriber{}
	e := (&WhisperEngine{
		rec: &fakeListener{frames: frames},
		tr:  tr,
		cfg: WhisperConfig{
			Segmenter: audio.SegmenterConfig{
				SilenceThreshRMS: 0.1,
				SilenceDuration:  60 * time.Millisecond,
				InterimEvery:     40 * time.Millisecond,
				MaxLength:        time.Second,
			},
			MaxSegments: 1,
		},
	}).withDefaults()

	var got []Result
	err := e.Run(context.Background(), func(r Result) { got = append(got, r) })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// grew after the third loud frame and again mid-silence, then the final
	if len(got) != 3 {
		t.Fatalf("results = %+v, want 3", got)
	}
	if got[0].Final || got[1].Final || !got[2].Final {
		t.Errorf("finality = %v %v %v, want false false true", got[0].Final, got[1].Final, got[2].Final)
	}
	if last := tr.calls[len(tr.calls)-1]; last != 6*audio.FrameSize {
		t.Errorf("final decode samples = %d, want %d", last, 6*audio.FrameSize)
	}
}

func TestWhisperStreamStampsSegmentStart(t *testing.T) {
	loud := make([]float32, audio.FrameSize)
	for i := range loud {
		loud[i] = 0.5
	}
	quiet := make([]float32, audio.FrameSize)

	// 100ms of silence, then the segment
	var frames [][]float32
	for i := 0; i < 5; i++ {
		frames = append(frames, quiet)
	}
	for i := 0; i < 3; i++ {
		frames = append(frames, loud)
	}
	for i := 0; i < 3; i++ {
		frames = append(frames, quiet)
	}

	runStart := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	e := (&WhisperEngine{
		rec: &fakeListener{frames: frames},
		tr:  &fakeTranscriber{},
		cfg: WhisperConfig{
			Segmenter: audio.SegmenterConfig{
				SilenceThreshRMS: 0.1,
				SilenceDuration:  60 * time.Millisecond,
				InterimEvery:     40 * time.Millisecond,
				MaxLength:        time.Second,
			},
			MaxSegments: 1,
		},
		now: func() time.Time { return runStart },
	}).withDefaults()

	s := NewStream(e, Options{RestartDelay: time.Hour})
	// emission time is much later than the audio
	s.now = func() time.Time { return runStart.Add(time.Minute) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	want := runStart.Add(100 * time.Millisecond)
	for i := 0; i < 3; i++ {
		u := next(t, s)
		if !u.CapturedAt.Equal(want) {
			t.Errorf("utterance %d captured at %v, want %v", i, u.CapturedAt, want)
		}
		if u.Final != (i == 2) {
			t.Errorf("utterance %d final = %v", i, u.Final)
		}
	}
}

func TestStreamFallsBackToEmitTime(t *testing.T) {
	at := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	eng := &scriptEngine{scripts: []script{{results: []Result{{Text: "hi", Final: true}}, hold: true}}}
	s := NewStream(eng, Options{})
	s.now = func() time.Time { return at }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	if u := next(t, s); !u.CapturedAt.Equal(at) {
		t.Errorf("captured at %v, want %v", u.CapturedAt, at)
	}
}
