package player

import (
	"context"
	log "log/slog"
	"strings"

	"voxboard/pkg/protocol"
)

// Remote drives a playback shard on the hub: PLAYER:PLAY:MUSIC:<shard>.
type Remote struct {
	ptcl   *protocol.Protocol
	target string
}

func NewRemote(ptcl *protocol.Protocol, target string) *Remote {
	if target == "" {
		target = "PLAYER"
	}
	return &Remote{ptcl: ptcl, target: strings.ToUpper(target)}
}

func (r *Remote) Play(ctx context.Context) bool {
	msg, err := r.send(ctx, "PLAY")
	if err != nil {
		log.Warn("Remote play failed", "target", r.target, "err", err)
		return false
	}
	if !msg.IsOK() {
		log.Warn("Remote play refused", "target", r.target, "reply", msg.String())
		return false
	}
	return true
}

func (r *Remote) Pause(ctx context.Context)    { r.fire(ctx, "PAUSE") }
func (r *Remote) Next(ctx context.Context)     { r.fire(ctx, "NEXT") }
func (r *Remote) Previous(ctx context.Context) { r.fire(ctx, "PREVIOUS") }

func (r *Remote) fire(ctx context.Context, verb string) {
	msg, err := r.send(ctx, verb)
	if err != nil {
		log.Warn("Remote command failed", "verb", verb, "err", err)
		return
	}
	if !msg.IsOK() {
		log.Warn("Remote command refused", "verb", verb, "reply", msg.String())
	}
}

func (r *Remote) send(ctx context.Context, verb string) (*protocol.Message, error) {
	return r.ptcl.TransmitReceive(ctx, protocol.Message{
		To:   r.target,
		Verb: verb,
		Noun: "MUSIC",
	})
}
