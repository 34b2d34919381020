package audioconv

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"
	popus "github.com/pekim/opus"
)

// Clip is a fully decoded track: stereo frames at the file's native rate.
type Clip struct {
	Frames     [][2]float64
	SampleRate int
}

type Options struct {
	MaxFrames int // 0 = whole file
}

var ErrUnsupported = errors.New("unsupported audio format")

// Decode reads a wav/mp3/ogg(vorbis|opus) file into a Clip.
func Decode(path string, opt Options) (Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return Clip{}, err
	}
	defer f.Close()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".wav":
		return decodeWAV(f, opt)
	case ".mp3":
		return decodeMP3(f, opt)
	case ".ogg", ".oga", ".opus":
		return decodeOgg(f, opt)
	}

	br := bufio.NewReader(f)
	magic, _ := br.Peek(4)
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return Clip{}, err
	}
	switch string(magic) {
	case "RIFF":
		return decodeWAV(f, opt)
	case "OggS":
		return decodeOgg(f, opt)
	}
	if len(magic) >= 3 && (string(magic[:3]) == "ID3" || (magic[0] == 0xFF && magic[1]&0xE0 == 0xE0)) {
		return decodeMP3(f, opt)
	}

	return Clip{}, fmt.Errorf("%w: %s", ErrUnsupported, ext)
}

func decodeOgg(f *os.File, opt Options) (Clip, error) {
	c, err := decodeOggVorbis(f, opt)
	if err == nil {
		return c, nil
	}
	if _, e2 := f.Seek(0, io.SeekStart); e2 != nil {
		return Clip{}, fmt.Errorf("rewind ogg: %w", e2)
	}
	c, e3 := decodeOggOpus(f, opt)
	if e3 != nil {
		return Clip{}, fmt.Errorf("cannot decode ogg as vorbis (%v) or opus: %w", err, e3)
	}
	return c, nil
}

func decodeWAV(r io.ReadSeeker, opt Options) (Clip, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Clip{}, errors.New("invalid wav")
	}
	pb, err := dec.FullPCMBuffer()
	if err != nil || pb == nil || pb.Data == nil {
		if err == nil {
			err = errors.New("empty wav")
		}
		return Clip{}, err
	}

	bd := int(dec.BitDepth)
	if bd == 0 {
		bd = 16
	}
	x := intSliceToFloat32(pb.Data, bd)

	ch := 1
	sr := 44100
	if pb.Format != nil {
		if pb.Format.NumChannels > 0 {
			ch = pb.Format.NumChannels
		}
		if pb.Format.SampleRate > 0 {
			sr = pb.Format.SampleRate
		}
	}

	return Clip{Frames: toStereo(x, ch, opt.MaxFrames), SampleRate: sr}, nil
}

func decodeMP3(r io.Reader, opt Options) (Clip, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return Clip{}, err
	}
	var raw bytes.Buffer
	if _, err := io.Copy(&raw, dec); err != nil {
		return Clip{}, err
	}
	ints := make([]int16, raw.Len()/2)
	if err := binary.Read(bytes.NewReader(raw.Bytes()), binary.LittleEndian, &ints); err != nil {
		return Clip{}, err
	}

	sr := dec.SampleRate()
	if sr <= 0 {
		sr = 44100
	}

	// go-mp3 always emits interleaved stereo
	return Clip{Frames: toStereo(int16SliceToFloat32(ints), 2, opt.MaxFrames), SampleRate: sr}, nil
}

func decodeOggVorbis(r io.Reader, opt Options) (Clip, error) {
	pcm, format, err := oggvorbis.ReadAll(r)
	if err != nil {
		return Clip{}, err
	}
	if format == nil || format.Channels <= 0 || format.SampleRate <= 0 {
		return Clip{}, errors.New("invalid ogg/vorbis stream")
	}
	return Clip{Frames: toStereo(pcm, format.Channels, opt.MaxFrames), SampleRate: format.SampleRate}, nil
}

func decodeOggOpus(r io.ReadSeeker, opt Options) (Clip, error) {
	dec, err := popus.NewDecoder(r)
	if err != nil {
		return Clip{}, err
	}
	defer dec.Destroy()

	ch := dec.ChannelCount()
	if ch <= 0 {
		ch = 1
	}

	var (
		pcm []float32
		buf = make([]int16, 48_000*ch/2)
	)
	for {
		n, err := dec.Read(buf) // n is per channel
		if n > 0 {
			pcm = append(pcm, int16SliceToFloat32(buf[:n*ch])...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return Clip{}, err
		}
		if opt.MaxFrames > 0 && len(pcm)/ch >= opt.MaxFrames {
			break
		}
	}

	if len(pcm) == 0 {
		return Clip{}, errors.New("empty opus stream")
	}

	// libopus always decodes at 48 kHz
	return Clip{Frames: toStereo(pcm, ch, opt.MaxFrames), SampleRate: 48000}, nil
}

// toStereo turns interleaved samples into stereo frames. Mono is duplicated,
// anything wider than stereo keeps its first two channels.
func toStereo(in []float32, channels, maxFrames int) [][2]float64 {
	if channels < 1 {
		channels = 1
	}
	n := len(in) / channels
	if maxFrames > 0 && n > maxFrames {
		n = maxFrames
	}

	out := make([][2]float64, n)
	for i := 0; i < n; i++ {
		base := i * channels
		l := float64(in[base])
		r := l
		if channels > 1 {
			r = float64(in[base+1])
		}
		out[i] = [2]float64{l, r}
	}
	return out
}

func intSliceToFloat32(data []int, bitDepth int) []float32 {
	out := make([]float32, len(data))
	scale := 1.0 / float64(int64(1)<<(bitDepth-1))
	for i, v := range data {
		out[i] = float32(clamp(float64(v)*scale, -1.0, 1.0))
	}
	return out
}

func int16SliceToFloat32(data []int16) []float32 {
	out := make([]float32, len(data))
	const scale = 1.0 / 32768.0
	for i, v := range data {
		out[i] = float32(float64(v) * scale)
	}
	return out
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
