package capture

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"time"

	"voxboard/internal/audio"
	"voxboard/pkg/stt"
)

type listener interface {
	Probe() error
	Listen(ctx context.Context, out chan<- []float32) error
}

type transcriber interface {
	Transcribe(ctx context.Context, pcm16k []float32) (stt.Result, error)
}

type WhisperConfig struct {
	Segmenter audio.SegmenterConfig
	// MaxSegments ends a run after this many finals so the rolling
	// transcript stays bounded.
	MaxSegments int
}

// WhisperEngine recognises microphone speech with whisper: interim
// decodes while a segment grows, a final decode when it ends.
type WhisperEngine struct {
	rec listener
	tr  transcriber
	cfg WhisperConfig
	now func() time.Time
}

// NewWhisperEngine accepts a nil transcriber; Check then reports
// ErrUnsupported.
func NewWhisperEngine(rec *audio.Recorder, tr *stt.Transcriber, cfg WhisperConfig) *WhisperEngine {
	e := &WhisperEngine{rec: rec, cfg: cfg}
	if tr != nil {
		e.tr = tr
	}
	return e.withDefaults()
}

func (e *WhisperEngine) withDefaults() *WhisperEngine {
	if e.cfg.Segmenter == (audio.SegmenterConfig{}) {
		e.cfg.Segmenter = audio.DefaultSegmenterConfig()
	}
	if e.cfg.MaxSegments <= 0 {
		e.cfg.MaxSegments = 16
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

func (e *WhisperEngine) Check() error {
	if e.tr == nil {
		return ErrUnsupported
	}
	if err := e.rec.Probe(); err != nil {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return nil
}

func (e *WhisperEngine) Run(ctx context.Context, emit func(Result)) error {
	if e.tr == nil {
		return ErrUnsupported
	}

	lctx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan []float32, 64)
	errc := make(chan error, 1)
	go func() { errc <- e.rec.Listen(lctx, frames) }()

	seg := audio.NewSegmenter(e.cfg.Segmenter)
	finals := 0

	// frames are stamped by position in the stream, so decode backlog
	// does not shift them
	const frameDur = time.Second * audio.FrameSize / audio.CaptureRate
	runStart := e.now()
	var pushed int
	var segStart time.Time

	for {
		select {
		case <-ctx.Done():
			cancel()
			<-errc
			return nil

		case err := <-errc:
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}
			return nil

		case f := <-frames:
			at := runStart.Add(time.Duration(pushed) * frameDur)
			pushed++

			ev := seg.Push(f)
			if ev == audio.SegmentStarted {
				segStart = at
			}
			if ev != audio.SegmentGrew && ev != audio.SegmentEnded {
				continue
			}

			text, err := e.decode(ctx, seg.Samples())
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				log.Warn("Decode failed", "err", err)
				continue
			}
			if text == "" {
				continue
			}

			final := ev == audio.SegmentEnded
			emit(Result{Text: text, Final: final, StartedAt: segStart})

			if final {
				finals++
				if finals >= e.cfg.MaxSegments {
					cancel()
					<-errc
					return nil
				}
			}
		}
	}
}

func (e *WhisperEngine) decode(ctx context.Context, pcm []float32) (string, error) {
	res, err := e.tr.Transcribe(ctx, pcm)
	if errors.Is(err, stt.ErrNoAudio) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return res.Text, nil
}
