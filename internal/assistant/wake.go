package assistant

import (
	"strings"
	"unicode"
)

// Detector finds the wake token in the rolling transcript of a capture
// run. It counts occurrences per run so each spoken token fires once, no
// matter how many interim results repeat it.
type Detector struct {
	token    string
	run      uint64
	consumed int
}

func NewDetector(token string) *Detector {
	return &Detector{token: strings.ToLower(strings.TrimSpace(token))}
}

// Observe records text as the transcript of run and reports whether it
// holds an occurrence that has not been seen before.
func (d *Detector) Observe(run uint64, text string) bool {
	if d.token == "" {
		return false
	}
	if run != d.run {
		d.run = run
		d.consumed = 0
	}

	n := strings.Count(strings.ToLower(text), d.token)
	fresh := n > d.consumed
	d.consumed = max(d.consumed, n)
	return fresh
}

// After returns the byte offset just past the last token occurrence in
// text, or -1.
func (d *Detector) After(text string) int {
	i := strings.LastIndex(strings.ToLower(text), d.token)
	if i < 0 {
		return -1
	}
	return i + len(d.token)
}

// Strip removes a leading wake token and the punctuation around it.
func Strip(text, token string) string {
	text = strings.TrimSpace(text)
	token = strings.ToLower(strings.TrimSpace(token))

	if token != "" && strings.HasPrefix(strings.ToLower(text), token) {
		text = text[len(token):]
	}

	return strings.TrimLeftFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
}
