package visual

import (
	"fmt"
	"math"
)

const (
	MaxBars     = 60
	GlowAt      = 200
	activeScale = 0.8
	idleBase    = 0.10
	idleSwing   = 0.05
	barGap      = 2
)

type Color struct {
	R, G, B uint8
	A       float64
}

var (
	Cyan  = Color{R: 0, G: 191, B: 255, A: 1}
	Green = Color{R: 57, G: 255, B: 20, A: 1}
)

func (c Color) Alpha(a float64) Color {
	c.A = a
	return c
}

func (c Color) Hex() string {
	return fmt.Sprintf("#%02X%02X%02X", c.R, c.G, c.B)
}

// Gradient runs from the bottom of a bar to its top.
type Gradient struct {
	Bottom, Mid, Top Color
}

type Bar struct {
	X, Y, Width, Height float64
	Value               byte // source magnitude, 0 in idle mode
	Fill                Gradient
	Glow                Color
}

type Mode int

const (
	ModeIdle Mode = iota
	ModeActive
)

func (m Mode) String() string {
	if m == ModeActive {
		return "active"
	}
	return "idle"
}

// Frame is one painted picture, in the units it was composed in.
type Frame struct {
	Mode          Mode
	Width, Height float64
	Bars          []Bar
}

// Scale returns f with every coordinate multiplied by k.
func (f Frame) Scale(k float64) Frame {
	out := Frame{Mode: f.Mode, Width: f.Width * k, Height: f.Height * k, Bars: make([]Bar, len(f.Bars))}
	for i, b := range f.Bars {
		b.X *= k
		b.Y *= k
		b.Width *= k
		b.Height *= k
		out.Bars[i] = b
	}
	return out
}

// Compose lays out the spectrum for a width x height canvas. With no data
// it draws the ambient wave at phase seconds; it never returns an empty
// frame.
func Compose(data []byte, phase, width, height float64) Frame {
	if len(data) == 0 {
		return composeIdle(phase, width, height)
	}
	return composeActive(data, width, height)
}

func composeIdle(phase, width, height float64) Frame {
	f := Frame{Mode: ModeIdle, Width: width, Height: height, Bars: make([]Bar, MaxBars)}
	w := width / MaxBars
	fill := Gradient{Bottom: Cyan.Alpha(0.3), Mid: Cyan.Alpha(0.3), Top: Green.Alpha(0.3)}

	for i := range f.Bars {
		h := height * (idleBase + idleSwing*math.Sin(phase*2+float64(i)*0.3))
		f.Bars[i] = Bar{
			X:      float64(i) * w,
			Y:      height - h,
			Width:  math.Max(w-barGap, 1),
			Height: h,
			Fill:   fill,
		}
	}
	return f
}

func composeActive(data []byte, width, height float64) Frame {
	count := min(MaxBars, len(data))
	step := len(data) / count
	w := width / float64(count)
	fill := Gradient{Bottom: Cyan.Alpha(0.8), Mid: Cyan.Alpha(0.5), Top: Green.Alpha(0.8)}

	f := Frame{Mode: ModeActive, Width: width, Height: height, Bars: make([]Bar, count)}
	for i := range f.Bars {
		v := data[i*step]
		h := float64(v) / 255 * height * activeScale
		glow := Cyan.Alpha(0.6)
		if v > GlowAt {
			glow = Green.Alpha(0.8)
		}
		f.Bars[i] = Bar{
			X:      float64(i)*w + 1,
			Y:      height - h,
			Width:  math.Max(w-barGap, 1),
			Height: h,
			Value:  v,
			Fill:   fill,
			Glow:   glow,
		}
	}
	return f
}
