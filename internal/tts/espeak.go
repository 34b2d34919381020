package tts

/*
#cgo LDFLAGS: -lespeak-ng
#include <stdlib.h>
#include <string.h>
#include <espeak-ng/speak_lib.h>

static int
vx_init(void)
{
	return espeak_Initialize(AUDIO_OUTPUT_PLAYBACK, 500, NULL, 0);
}

static int
vx_say(const char *text, const char *voice, int rate, int pitch)
{
	if (!text)
	{ return -1; }

	if (voice && voice[0])
	{ espeak_SetVoiceByName(voice); }

	espeak_SetParameter(espeakRATE, rate, 0);
	espeak_SetParameter(espeakPITCH, pitch, 0);

	int rc = espeak_Synth(text, strlen(text) + 1, 0, POS_CHARACTER, 0,
	                      espeakCHARS_UTF8, NULL, NULL);
	if (rc != EE_OK)
	{ return rc; }

	return espeak_Synchronize();
}

static void
vx_cancel(void)
{
	espeak_Cancel();
}

static const espeak_VOICE **
vx_voices(void)
{
	return espeak_ListVoices(NULL);
}

static const espeak_VOICE *
vx_voice_at(const espeak_VOICE **list, int i)
{
	return list[i];
}
*/
import "C"

import (
	"context"
	"fmt"
	"sync"
	"unsafe"
)

const (
	espeakBaseRate  = 175
	espeakBasePitch = 50
)

// Espeak plays speech through espeak-ng's own audio output.
type Espeak struct {
	lang string

	mu      sync.Mutex
	voices  []Voice
	changed chan struct{}

	// espeak-ng keeps global state
	synthMu sync.Mutex
}

// NewEspeak initialises espeak-ng. The voice list is loaded in the
// background and VoicesChanged closes when it is ready.
func NewEspeak(lang string) (*Espeak, error) {
	if rc := C.vx_init(); rc < 0 {
		return nil, fmt.Errorf("espeak init: %d", int(rc))
	}

	e := &Espeak{lang: lang, changed: make(chan struct{})}
	go e.loadVoices()
	return e, nil
}

func (e *Espeak) loadVoices() {
	e.synthMu.Lock()
	list := C.vx_voices()
	var voices []Voice
	for i := 0; list != nil; i++ {
		v := C.vx_voice_at(list, C.int(i))
		if v == nil {
			break
		}
		voices = append(voices, Voice{
			Name:   C.GoString(v.name),
			Lang:   espeakLanguage(v.languages),
			Gender: Gender(v.gender),
			Local:  true,
		})
	}
	e.synthMu.Unlock()

	e.mu.Lock()
	e.voices = voices
	e.mu.Unlock()
	close(e.changed)
}

// espeakLanguage reads the first entry of espeak's language list, which is
// a priority byte followed by a NUL-terminated name.
func espeakLanguage(p *C.char) string {
	if p == nil {
		return ""
	}
	return C.GoString((*C.char)(unsafe.Add(unsafe.Pointer(p), 1)))
}

func (e *Espeak) Voices() []Voice {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Voice(nil), e.voices...)
}

func (e *Espeak) VoicesChanged() <-chan struct{} {
	return e.changed
}

func (e *Espeak) Speak(ctx context.Context, u Utterance) error {
	if u.Text == "" {
		return nil
	}

	ctext := C.CString(u.Text)
	defer C.free(unsafe.Pointer(ctext))

	var cvoice *C.char
	if u.Voice != nil {
		cvoice = C.CString(u.Voice.Name)
		defer C.free(unsafe.Pointer(cvoice))
	}

	rate := C.int(espeakBaseRate * u.Rate)
	pitch := C.int(min(100, espeakBasePitch*u.Pitch))

	done := make(chan C.int, 1)
	go func() {
		e.synthMu.Lock()
		defer e.synthMu.Unlock()
		done <- C.vx_say(ctext, cvoice, rate, pitch)
	}()

	select {
	case rc := <-done:
		if rc != 0 {
			return fmt.Errorf("espeak synth: %d", int(rc))
		}
		return nil
	case <-ctx.Done():
		C.vx_cancel()
		<-done
		return ctx.Err()
	}
}

func (e *Espeak) Cancel() {
	C.vx_cancel()
}
