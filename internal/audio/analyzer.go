package audio

import (
	"math"
	"sync"
	"time"

	"github.com/faiface/beep"
)

const (
	FFTSize       = 256
	FrequencyBins = FFTSize / 2

	smoothing   = 0.8
	minDecibels = -100.0
	maxDecibels = -30.0
)

// Frame is one snapshot of byte frequency magnitudes, FrequencyBins long.
type Frame []byte

// graph holds the analysis buffers. It is built on the first Acquire:
// nothing is allocated for a player that never starts.
type graph struct {
	window   []float64
	re, im   []float64
	smoothed []float64
}

func newGraph() *graph {
	return &graph{
		window:   blackmanWindow(FFTSize),
		re:       make([]float64, FFTSize),
		im:       make([]float64, FFTSize),
		smoothed: make([]float64, FrequencyBins),
	}
}

// analyze turns FFTSize time-domain samples (oldest first) into byte
// magnitudes, updating the smoothing state.
func (g *graph) analyze(samples []float64, out []byte) {
	for i := range g.re {
		g.re[i] = samples[i] * g.window[i]
		g.im[i] = 0
	}

	fft(g.re, g.im)

	for k := 0; k < FrequencyBins; k++ {
		mag := math.Hypot(g.re[k], g.im[k]) / FFTSize
		g.smoothed[k] = smoothing*g.smoothed[k] + (1-smoothing)*mag

		db := 20 * math.Log10(g.smoothed[k])
		v := 255 * (db - minDecibels) / (maxDecibels - minDecibels)
		if math.IsNaN(v) || v < 0 {
			v = 0
		}
		if v > 255 {
			v = 255
		}
		out[k] = byte(v)
	}
}

// Analyzer taps the music stream and exposes its spectrum. Its sampling
// loop only runs between Acquire and Release.
type Analyzer struct {
	interval time.Duration

	ringMu sync.Mutex
	ring   [FFTSize]float64
	pos    int

	mu      sync.Mutex
	graph   *graph
	frame   Frame
	running bool
	gen     uint64
	timer   *time.Timer
	scratch []float64
}

// NewAnalyzer samples once per interval; 0 means ~60 fps.
func NewAnalyzer(interval time.Duration) *Analyzer {
	if interval <= 0 {
		interval = time.Second / 60
	}
	return &Analyzer{interval: interval}
}

// Tap returns s unchanged except that every sample pulled through it is
// also fed to the analyzer.
func (a *Analyzer) Tap(s beep.Streamer) beep.Streamer {
	return &tap{s: s, a: a}
}

type tap struct {
	s beep.Streamer
	a *Analyzer
}

func (t *tap) Stream(samples [][2]float64) (int, bool) {
	n, ok := t.s.Stream(samples)
	t.a.write(samples[:n])
	return n, ok
}

func (t *tap) Err() error { return t.s.Err() }

func (a *Analyzer) write(samples [][2]float64) {
	a.ringMu.Lock()
	defer a.ringMu.Unlock()

	for _, s := range samples {
		a.ring[a.pos] = (s[0] + s[1]) / 2
		a.pos = (a.pos + 1) % FFTSize
	}
}

func (a *Analyzer) window(dst []float64) {
	a.ringMu.Lock()
	defer a.ringMu.Unlock()

	n := copy(dst, a.ring[a.pos:])
	copy(dst[n:], a.ring[:a.pos])
}

// Acquire starts sampling. The graph is created on the first call.
func (a *Analyzer) Acquire() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.graph == nil {
		a.graph = newGraph()
		a.frame = make(Frame, FrequencyBins)
		a.scratch = make([]float64, FFTSize)
	}
	if a.running {
		return
	}
	a.running = true
	a.gen++
	a.schedule(a.gen)
}

// Release cancels the sampling loop; Snapshot reports no data afterwards.
func (a *Analyzer) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stop()
}

// Close releases and drops the graph.
func (a *Analyzer) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stop()
	a.graph = nil
	a.frame = nil
}

func (a *Analyzer) stop() {
	if !a.running {
		return
	}
	a.running = false
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *Analyzer) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// schedule arms the next tick; a.mu is held.
func (a *Analyzer) schedule(gen uint64) {
	a.timer = time.AfterFunc(a.interval, func() { a.tick(gen) })
}

func (a *Analyzer) tick(gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running || gen != a.gen {
		return
	}
	a.sample()
	a.schedule(gen)
}

// sample refreshes the frame from the ring; a.mu is held.
func (a *Analyzer) sample() {
	a.window(a.scratch)
	a.graph.analyze(a.scratch, a.frame)
}

// Snapshot returns a copy of the latest frame, or nil while nothing plays.
func (a *Analyzer) Snapshot() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running || a.frame == nil {
		return nil
	}
	return append([]byte(nil), a.frame...)
}
