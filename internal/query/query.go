package query

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"
)

type Request struct {
	Prompt      string
	Temperature float64
	MaxTokens   int
}

type Response struct {
	Text string
}

// Client sends one prompt to a language model.
type Client interface {
	Query(ctx context.Context, req Request) (Response, error)
}

type Kind int

const (
	KindUnknown Kind = iota
	KindAuth
	KindQuota
	KindNetwork
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindQuota:
		return "quota"
	case KindNetwork:
		return "network"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf reports the classified kind of err, KindUnknown if it carries none.
func KindOf(err error) Kind {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Kind
	}
	return KindUnknown
}

func statusKind(code int) Kind {
	switch {
	case code == 401 || code == 403:
		return KindAuth
	case code == 429:
		return KindQuota
	case code == 408 || code == 502 || code == 503 || code == 504:
		return KindNetwork
	default:
		return KindUnknown
	}
}

// transportKind recognises failures below the API: dial, DNS, timeouts.
func transportKind(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindNetwork
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return KindNetwork
	}
	return KindUnknown
}

const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 150
)

// NewRequest wraps question in the assistant prompt for the given time.
func NewRequest(question string, now time.Time) Request {
	return Request{
		Prompt:      Prompt(question, now),
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
	}
}

func Prompt(question string, now time.Time) string {
	return fmt.Sprintf("You are a helpful voice assistant. Today's date is %s and the current time is %s. "+
		"Give concise, natural spoken responses in 2-3 sentences maximum. Question: %s",
		now.Format("Monday, January 2, 2006"), now.Format("3:04 PM"), question)
}

// Unconfigured answers every query with an auth error. It stands in when
// no API key is set so the failure is spoken rather than fatal.
type Unconfigured struct{}

func (Unconfigured) Query(context.Context, Request) (Response, error) {
	return Response{}, &Error{Kind: KindAuth, Message: "no API key configured"}
}
