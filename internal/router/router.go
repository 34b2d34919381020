package router

import (
	"context"
	"errors"
	log "log/slog"
	"strings"
	"time"

	"voxboard/internal/query"
)

type CommandKind int

const (
	Query CommandKind = iota
	PlayMusic
	PauseMusic
	NextTrack
	PreviousTrack
)

func (k CommandKind) String() string {
	switch k {
	case PlayMusic:
		return "play_music"
	case PauseMusic:
		return "pause_music"
	case NextTrack:
		return "next_track"
	case PreviousTrack:
		return "previous_track"
	default:
		return "query"
	}
}

type Command struct {
	Kind CommandKind
	Text string // set for Query
}

var phrases = []struct {
	kind    CommandKind
	phrases []string
}{
	{PlayMusic, []string{"play music", "play my music", "start music", "play the music", "music library"}},
	{PauseMusic, []string{"pause music", "stop music", "pause the music"}},
	{NextTrack, []string{"next song", "next track", "skip"}},
	{PreviousTrack, []string{"previous song", "previous track", "go back"}},
}

// Classify maps text to a device command; anything unmatched is a Query.
// Groups are tested in order and the first match wins.
func Classify(text string) Command {
	lower := strings.ToLower(text)
	for _, g := range phrases {
		for _, p := range g.phrases {
			if strings.Contains(lower, p) {
				return Command{Kind: g.kind}
			}
		}
	}
	return Command{Kind: Query, Text: text}
}

type ResponseKind int

const (
	Answer ResponseKind = iota
	ErrorMessage
)

type SpokenResponse struct {
	Text string
	Kind ResponseKind
}

// Playback is the media player as seen by the assistant.
type Playback interface {
	Play(ctx context.Context) bool
	Pause(ctx context.Context)
	Next(ctx context.Context)
	Previous(ctx context.Context)
}

const (
	msgPlaying      = "Playing your music now"
	msgNoMusic      = "Sorry, there are no music files available. Please add music to your library."
	msgPaused       = "Music paused"
	msgNext         = "Playing next track"
	msgPrevious     = "Playing previous track"
	msgNoPlayback   = "Music playback is not available right now."
	msgNoAnswer     = "Sorry, I didn't get a usable answer. Please try again."
	msgGenericError = "Sorry, I encountered an error processing your request."
)

type Router struct {
	playback Playback
	client   query.Client
	now      func() time.Time
}

// New builds a router. playback may be nil when no player is attached.
func New(playback Playback, client query.Client) *Router {
	if client == nil {
		client = query.Unconfigured{}
	}
	return &Router{playback: playback, client: client, now: time.Now}
}

// Route executes exactly one of a device command or a query for text.
func (r *Router) Route(ctx context.Context, text string) SpokenResponse {
	cmd := Classify(text)
	log.Info("Routed utterance", "cmd", cmd.Kind, "text", text)

	if cmd.Kind != Query {
		return r.control(ctx, cmd)
	}
	return r.ask(ctx, cmd.Text)
}

func (r *Router) control(ctx context.Context, cmd Command) SpokenResponse {
	if r.playback == nil {
		return SpokenResponse{Text: msgNoPlayback, Kind: ErrorMessage}
	}

	switch cmd.Kind {
	case PlayMusic:
		if !r.playback.Play(ctx) {
			return SpokenResponse{Text: msgNoMusic, Kind: ErrorMessage}
		}
		return SpokenResponse{Text: msgPlaying, Kind: Answer}
	case PauseMusic:
		r.playback.Pause(ctx)
		return SpokenResponse{Text: msgPaused, Kind: Answer}
	case NextTrack:
		r.playback.Next(ctx)
		return SpokenResponse{Text: msgNext, Kind: Answer}
	case PreviousTrack:
		r.playback.Previous(ctx)
		return SpokenResponse{Text: msgPrevious, Kind: Answer}
	}
	return SpokenResponse{Text: msgGenericError, Kind: ErrorMessage}
}

func (r *Router) ask(ctx context.Context, text string) SpokenResponse {
	resp, err := r.client.Query(ctx, query.NewRequest(text, r.now()))
	if err != nil {
		log.Warn("Query failed", "kind", query.KindOf(err), "err", err)
		return ErrorResponse(err)
	}
	return SpokenResponse{Text: resp.Text, Kind: Answer}
}

// ErrorResponse turns a processing error into the message spoken to the user.
func ErrorResponse(err error) SpokenResponse {
	text := msgGenericError
	switch query.KindOf(err) {
	case query.KindAuth:
		text = "The language model API key is invalid or missing. Please check your configuration."
	case query.KindQuota:
		text = "API quota exceeded. Please try again later."
	case query.KindNetwork:
		text = "Network error. Please check your internet connection."
	case query.KindMalformed:
		text = msgNoAnswer
	default:
		if errors.Is(err, context.DeadlineExceeded) {
			text = "Network error. Please check your internet connection."
		}
	}
	return SpokenResponse{Text: text, Kind: ErrorMessage}
}
