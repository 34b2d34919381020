package visual

import (
	"context"
	log "log/slog"
	"math"
	"sync"
	"time"
)

// Viewport is the on-screen size in layout units and the device pixel
// ratio of the surface behind it.
type Viewport struct {
	Width, Height float64
	PixelRatio    float64
}

// Canvas is a drawing surface with a backing store in device pixels.
type Canvas interface {
	Resize(width, height int)
	Draw(f Frame) error
}

// FrameSource supplies the latest spectrum; nil or empty means nothing is
// playing.
type FrameSource interface {
	Snapshot() []byte
}

type Renderer struct {
	canvas Canvas
	src    FrameSource
	fps    int

	mu       sync.Mutex
	vp       Viewport
	backingW int
	backingH int
	start    time.Time
}

func NewRenderer(canvas Canvas, src FrameSource, fps int) *Renderer {
	if fps <= 0 {
		fps = 60
	}
	return &Renderer{
		canvas: canvas,
		src:    src,
		fps:    fps,
		vp:     Viewport{PixelRatio: 1},
		start:  time.Now(),
	}
}

// Resize recomputes the backing store as viewport size times pixel ratio.
func (r *Renderer) Resize(vp Viewport) {
	if vp.PixelRatio <= 0 {
		vp.PixelRatio = 1
	}

	r.mu.Lock()
	r.vp = vp
	r.backingW = int(math.Round(vp.Width * vp.PixelRatio))
	r.backingH = int(math.Round(vp.Height * vp.PixelRatio))
	w, h := r.backingW, r.backingH
	r.mu.Unlock()

	r.canvas.Resize(w, h)
}

func (r *Renderer) Backing() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backingW, r.backingH
}

// Tick composes and draws one frame for time now.
func (r *Renderer) Tick(now time.Time) (Frame, error) {
	r.mu.Lock()
	vp := r.vp
	phase := now.Sub(r.start).Seconds()
	r.mu.Unlock()

	var data []byte
	if r.src != nil {
		data = r.src.Snapshot()
	}

	f := Compose(data, phase, vp.Width, vp.Height)
	return f, r.canvas.Draw(f.Scale(vp.PixelRatio))
}

// Run paints at the configured rate until ctx is done, whether or not
// anything is playing.
func (r *Renderer) Run(ctx context.Context) error {
	t := time.NewTicker(time.Second / time.Duration(r.fps))
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			if _, err := r.Tick(now); err != nil {
				log.Debug("Draw failed", "err", err)
			}
		}
	}
}
