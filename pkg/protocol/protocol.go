package protocol

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Frames are single-line colon separated tokens:
//
//	TO:VERB:NOUN[:ARG...]:FROM
//
// Replies carry VERB "OK" or "ERR".

type PtclConfig struct {
	Shard   string
	Url     string
	Reconn  uint
	Timeout time.Duration
	EmitOut func(*Message)
}

var ErrNoReply = errors.New("no reply from hub")

type Protocol struct {
	ws *WebSocket

	shard   string
	timeout time.Duration

	// one request in flight at a time
	reqMu sync.Mutex

	waiterMu sync.Mutex
	waiter   chan *Message

	emitOut func(*Message)
}

func NewProtocol(cfg PtclConfig) (*Protocol, error) {
	ws, err := NewWebSocket(cfg.Url, cfg.Reconn)
	if err != nil {
		return nil, fmt.Errorf("dial hub: %w", err)
	}

	return newProtocol(cfg, ws), nil
}

func newProtocol(cfg PtclConfig, ws *WebSocket) *Protocol {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Protocol{
		shard:   cfg.Shard,
		ws:      ws,
		timeout: timeout,
		emitOut: cfg.EmitOut,
	}
}

func (ptcl *Protocol) Shard() string { return ptcl.shard }

// TransmitReceive sends a frame and waits for the next frame addressed to
// this shard, bounded by ctx and the configured timeout.
func (ptcl *Protocol) TransmitReceive(ctx context.Context, v any) (*Message, error) {
	ptcl.reqMu.Lock()
	defer ptcl.reqMu.Unlock()

	w := ptcl.installWaiter()
	defer ptcl.clearWaiter()

	if err := ptcl.Transmit(v); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, ptcl.timeout)
	defer cancel()

	select {
	case msg := <-w:
		if msg == nil {
			return nil, ErrNoReply
		}
		return msg, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrNoReply, ctx.Err())
	}
}

func (ptcl *Protocol) Transmit(v any) error {
	msg, err := ptcl.Frame(v)
	if err != nil {
		return err
	}

	if err := ptcl.ws.Write([]byte(msg)); err != nil {
		log.Error("Failed to transmit", "msg", msg, "err", err)
		return err
	}
	return nil
}

// Frame renders v as a wire frame stamped with this shard as sender.
func (ptcl *Protocol) Frame(v any) (string, error) {
	switch m := v.(type) {
	case Message:
		m.From = ptcl.shard
		return m.String(), nil
	case *Message:
		c := *m
		c.From = ptcl.shard
		return c.String(), nil
	case string:
		return fmt.Sprintf("%s:%s", m, ptcl.shard), nil
	case []string:
		return fmt.Sprintf("%s:%s", strings.Join(m, ":"), ptcl.shard), nil
	default:
		return "", fmt.Errorf("unsupported frame type %T", v)
	}
}

// Run pumps incoming frames until ctx is done, reconnecting on close.
func (ptcl *Protocol) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		ptcl.ws.Close()
	}()

	for ctx.Err() == nil {
		in := ptcl.ws.Read()
		switch in.Kind {
		case ConnClosed:
			if ctx.Err() != nil {
				return
			}
			log.Warn("Trying to reconnect", "url", ptcl.ws.url)
			if err := ptcl.ws.Reconnect(ctx); err != nil {
				return
			}
			log.Info("Reconnected", "url", ptcl.ws.url)

		case ReadFailed:
			if ctx.Err() != nil {
				return
			}
			log.Error("Failed to read", "err", in.Err)

		case ReadOK:
			ptcl.deliver(in.Msg)
		}
	}
}

func (ptcl *Protocol) deliver(raw []byte) {
	if !ptcl.checkRecipient(raw) {
		return
	}

	msg, err := Parse(string(raw))
	if err != nil {
		log.Warn("Failed to parse", "msg", string(raw), "err", err)
		return
	}

	ptcl.waiterMu.Lock()
	w := ptcl.waiter
	if w != nil {
		select {
		case w <- msg:
			// a waiter takes exactly one reply
			ptcl.waiter = nil
			ptcl.waiterMu.Unlock()
			return
		default:
		}
	}
	ptcl.waiterMu.Unlock()

	if ptcl.emitOut != nil {
		ptcl.emitOut(msg)
	}
}

func (ptcl *Protocol) installWaiter() chan *Message {
	ptcl.waiterMu.Lock()
	defer ptcl.waiterMu.Unlock()
	ptcl.waiter = make(chan *Message, 1)
	return ptcl.waiter
}

func (ptcl *Protocol) clearWaiter() {
	ptcl.waiterMu.Lock()
	defer ptcl.waiterMu.Unlock()
	ptcl.waiter = nil
}

func (ptcl *Protocol) checkRecipient(msg []byte) bool {
	to := strings.SplitN(string(msg), ":", 2)[0]
	return to == ptcl.shard || to == "ALL"
}

func Parse(line string) (*Message, error) {
	s := strings.TrimSpace(line)
	if s == "" {
		return nil, errors.New("empty message")
	}
	if strings.ContainsAny(s, " \t\r\n") {
		// frames are single-line
		return nil, fmt.Errorf("invalid whitespace present")
	}
	parts := strings.Split(s, ":")
	if len(parts) < 4 {
		return nil, fmt.Errorf("too few fields: got %d, want >= 4", len(parts))
	}

	to := parts[0]
	verb := parts[1]
	noun := parts[2]
	from := parts[len(parts)-1]
	args := append([]string(nil), parts[3:len(parts)-1]...)

	if !isToken(to) && !isHexID(to) && to != "ALL" {
		return nil, fmt.Errorf("invalid TO token: %q", to)
	}
	if !isToken(from) && !isHexID(from) {
		return nil, fmt.Errorf("invalid FROM token: %q", from)
	}
	if !isToken(noun) || !isToken(verb) {
		return nil, fmt.Errorf("invalid NOUN/VERB: %q %q", noun, verb)
	}
	for i, a := range args {
		if !isToken(a) {
			return nil, fmt.Errorf("invalid ARG[%d]: %q", i, a)
		}
	}

	return &Message{
		To:   to,
		Verb: strings.ToUpper(verb),
		Noun: strings.ToUpper(noun),
		Args: args,
		From: from,
	}, nil
}

var (
	tokenRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
	hexIDRe = regexp.MustCompile(`^[0-9A-F]{2}$`)
)

func isToken(s string) bool {
	return tokenRe.MatchString(s)
}

func isHexID(s string) bool {
	return hexIDRe.MatchString(strings.ToUpper(s))
}

type Message struct {
	To   string
	Verb string
	Noun string
	Args []string
	From string
}

func (m *Message) String() string {
	parts := make([]string, 0, 4+len(m.Args))
	parts = append(parts, m.To, m.Verb, m.Noun)
	parts = append(parts, m.Args...)
	parts = append(parts, m.From)
	return strings.Join(parts, ":")
}

func (m *Message) IsOK() bool { return m.Verb == "OK" }

func (m *Message) Error(reason string, args ...string) {
	m.Verb = "ERR"
	m.Noun = reason
	m.Args = args
}

func (m *Message) Ok(reason string, args ...string) {
	m.Verb = "OK"
	m.Noun = reason
	m.Args = args
}
