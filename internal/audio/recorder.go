package audio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/gordonklaus/portaudio"
)

const (
	CaptureRate = 16000
	FrameSize   = 320 // 20ms at CaptureRate
)

var ErrNoInputDevice = errors.New("no usable input device")

// Recorder owns the portaudio runtime and the microphone stream.
type Recorder struct {
	mu     sync.Mutex
	inited bool
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Init() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inited {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return err
	}
	r.inited = true
	return nil
}

func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inited {
		portaudio.Terminate()
		r.inited = false
	}
}

// Probe opens and immediately releases the default input device. A
// failure here means the microphone is missing or access was refused.
func (r *Recorder) Probe() error {
	if err := r.Init(); err != nil {
		return fmt.Errorf("portaudio init: %w", err)
	}

	dev, err := portaudio.DefaultInputDevice()
	if err != nil || dev == nil || dev.MaxInputChannels < 1 {
		if err == nil {
			err = ErrNoInputDevice
		}
		return fmt.Errorf("default input: %w", err)
	}

	buf := make([]float32, FrameSize)
	stream, err := portaudio.OpenDefaultStream(1, 0, CaptureRate, len(buf), buf)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("start input: %w", err)
	}
	return stream.Stop()
}

// Listen streams 20ms mono frames into out until ctx is done or the device
// fails. Frames are fresh slices; the receiver may keep them.
func (r *Recorder) Listen(ctx context.Context, out chan<- []float32) error {
	if err := r.Init(); err != nil {
		return err
	}

	buf := make([]float32, FrameSize)
	stream, err := portaudio.OpenDefaultStream(1, 0, CaptureRate, len(buf), buf)
	if err != nil {
		return err
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return err
	}
	defer stream.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		if err := stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				continue
			}
			return err
		}

		frame := append([]float32(nil), buf...)
		select {
		case out <- frame:
		case <-ctx.Done():
			return nil
		}
	}
}

func frameRMS(f []float32) float64 {
	if len(f) == 0 {
		return 0
	}
	var s float64
	for _, x := range f {
		s += float64(x * x)
	}
	return math.Sqrt(s / float64(len(f)))
}
