package player

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"math"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/effects"
	"github.com/faiface/beep/speaker"

	"voxboard/pkg/audioconv"
)

const DefaultRate = beep.SampleRate(44100)

type Event int

const (
	Started Event = iota
	Paused
	Stopped
)

func (e Event) String() string {
	switch e {
	case Started:
		return "started"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Output is where the mixed stream goes. The real one is beep's speaker.
type Output interface {
	Play(s beep.Streamer)
	Lock()
	Unlock()
	Clear()
}

type speakerOutput struct{}

func (speakerOutput) Play(s beep.Streamer) { speaker.Play(s) }
func (speakerOutput) Lock()                { speaker.Lock() }
func (speakerOutput) Unlock()              { speaker.Unlock() }
func (speakerOutput) Clear()               { speaker.Clear() }

// SpeakerOutput initialises the system speaker once at rate.
func SpeakerOutput(rate beep.SampleRate) (Output, error) {
	if err := speaker.Init(rate, rate.N(time.Second/10)); err != nil {
		return nil, fmt.Errorf("speaker init: %w", err)
	}
	return speakerOutput{}, nil
}

// Tapper observes the stream that reaches the output and follows the
// player's start/stop lifecycle.
type Tapper interface {
	Tap(beep.Streamer) beep.Streamer
	Acquire()
	Release()
}

type Config struct {
	Rate      beep.SampleRate
	Volume    float64 // 0..1
	DuckLevel float64 // volume multiplier while ducked
}

var ErrNoSource = errors.New("track has no source")

type Player struct {
	mu sync.Mutex

	cfg    Config
	out    Output
	decode func(path string) (audioconv.Clip, error)

	tracks  []Track
	current int

	ctrl    *beep.Ctrl
	vol     *effects.Volume
	loaded  int // index of the track in ctrl, -1 when none
	playing bool
	gen     uint64

	volume float64
	ducked bool

	tappers   []Tapper
	observers []func(Event)
}

func New(out Output, tracks []Track, cfg Config) *Player {
	if cfg.Rate == 0 {
		cfg.Rate = DefaultRate
	}
	if cfg.Volume <= 0 || cfg.Volume > 1 {
		cfg.Volume = 0.7
	}
	if cfg.DuckLevel <= 0 || cfg.DuckLevel > 1 {
		cfg.DuckLevel = 0.2
	}

	return &Player{
		cfg:    cfg,
		out:    out,
		tracks: append([]Track(nil), tracks...),
		loaded: -1,
		volume: cfg.Volume,
		decode: func(path string) (audioconv.Clip, error) {
			return audioconv.Decode(path, audioconv.Options{})
		},
	}
}

// WithTapper inserts t into the stream chain and ties its lifecycle to
// playback: Acquire on start, Release on pause or stop.
func (p *Player) WithTapper(t Tapper) *Player {
	p.mu.Lock()
	p.tappers = append(p.tappers, t)
	p.mu.Unlock()

	p.Observe(func(ev Event) {
		if ev == Started {
			t.Acquire()
		} else {
			t.Release()
		}
	})
	return p
}

func (p *Player) Observe(f func(Event)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, f)
}

func (p *Player) notify(ev Event) {
	p.mu.Lock()
	obs := append([]func(Event)(nil), p.observers...)
	p.mu.Unlock()

	for _, f := range obs {
		f(ev)
	}
}

func (p *Player) Current() Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.tracks) == 0 {
		return Track{}
	}
	return p.tracks[p.current]
}

func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Play resumes or starts the current track. It reports false when the
// playlist has nothing playable at the current position.
func (p *Player) Play(context.Context) bool {
	p.mu.Lock()
	if p.playing {
		p.mu.Unlock()
		return true
	}

	if p.ctrl != nil && p.loaded == p.current {
		p.out.Lock()
		p.ctrl.Paused = false
		p.out.Unlock()
		p.playing = true
		p.mu.Unlock()

		p.notify(Started)
		return true
	}

	err := p.startLocked()
	p.mu.Unlock()

	if err != nil {
		log.Warn("Cannot play track", "track", p.Current().Title, "err", err)
		return false
	}

	p.notify(Started)
	return true
}

func (p *Player) Pause(context.Context) {
	p.mu.Lock()
	if !p.playing {
		p.mu.Unlock()
		return
	}
	p.out.Lock()
	p.ctrl.Paused = true
	p.out.Unlock()
	p.playing = false
	p.mu.Unlock()

	p.notify(Paused)
}

func (p *Player) Next(context.Context) {
	p.skip(1)
}

func (p *Player) Previous(context.Context) {
	p.skip(-1)
}

// skip moves by delta with wrap-around and plays the new track if it has a
// source.
func (p *Player) skip(delta int) {
	p.mu.Lock()
	if len(p.tracks) == 0 {
		p.mu.Unlock()
		return
	}

	wasPlaying := p.playing
	p.stopLocked()
	n := len(p.tracks)
	p.current = ((p.current+delta)%n + n) % n

	err := p.startLocked()
	title := p.tracks[p.current].Title
	p.mu.Unlock()

	if err != nil {
		log.Warn("Cannot play track", "track", title, "err", err)
		if wasPlaying {
			p.notify(Stopped)
		}
		return
	}
	p.notify(Started)
}

func (p *Player) ended(gen uint64) {
	p.mu.Lock()
	stale := gen != p.gen
	p.mu.Unlock()
	if stale {
		return
	}
	p.skip(1)
}

// startLocked decodes the current track and hands it to the output.
func (p *Player) startLocked() error {
	if len(p.tracks) == 0 {
		return ErrNoSource
	}
	tr := p.tracks[p.current]
	if tr.Path == "" {
		return ErrNoSource
	}

	clip, err := p.decode(tr.Path)
	if err != nil {
		return fmt.Errorf("decode %s: %w", tr.Path, err)
	}
	if len(clip.Frames) == 0 {
		return fmt.Errorf("decode %s: empty clip", tr.Path)
	}

	var s beep.Streamer = &clipStreamer{frames: clip.Frames}
	if sr := beep.SampleRate(clip.SampleRate); sr != p.cfg.Rate {
		s = beep.Resample(4, sr, p.cfg.Rate, s)
	}
	for _, t := range p.tappers {
		s = t.Tap(s)
	}

	p.gen++
	gen := p.gen
	p.ctrl = &beep.Ctrl{Streamer: s}
	p.vol = &effects.Volume{Streamer: p.ctrl, Base: 2}
	p.applyVolumeLocked()
	p.loaded = p.current
	p.playing = true

	// the callback runs inside the output's lock
	p.out.Play(beep.Seq(p.vol, beep.Callback(func() { go p.ended(gen) })))
	return nil
}

func (p *Player) stopLocked() {
	if p.ctrl == nil {
		return
	}
	p.gen++
	p.out.Lock()
	p.ctrl.Paused = true
	p.ctrl.Streamer = nil
	p.out.Unlock()
	p.out.Clear()
	p.ctrl = nil
	p.vol = nil
	p.loaded = -1
	p.playing = false
}

// SetVolume sets the linear output level in [0, 1].
func (p *Player) SetVolume(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volume = math.Max(0, math.Min(1, v))
	p.applyVolumeLocked()
}

func (p *Player) Duck(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ducked = true
	p.applyVolumeLocked()
	return nil
}

func (p *Player) Unduck(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ducked = false
	p.applyVolumeLocked()
	return nil
}

// Level is the effective linear gain.
func (p *Player) Level() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.levelLocked()
}

func (p *Player) levelLocked() float64 {
	l := p.volume
	if p.ducked {
		l *= p.cfg.DuckLevel
	}
	return l
}

func (p *Player) applyVolumeLocked() {
	if p.vol == nil {
		return
	}
	l := p.levelLocked()

	p.out.Lock()
	defer p.out.Unlock()
	if l <= 0 {
		p.vol.Silent = true
		return
	}
	p.vol.Silent = false
	p.vol.Volume = math.Log2(l)
}

func (p *Player) Close() {
	p.mu.Lock()
	wasPlaying := p.playing
	p.stopLocked()
	p.mu.Unlock()

	if wasPlaying {
		p.notify(Stopped)
	}
}

type clipStreamer struct {
	frames [][2]float64
	pos    int
}

func (c *clipStreamer) Stream(samples [][2]float64) (int, bool) {
	if c.pos >= len(c.frames) {
		return 0, false
	}
	n := copy(samples, c.frames[c.pos:])
	c.pos += n
	return n, true
}

func (c *clipStreamer) Err() error { return nil }
