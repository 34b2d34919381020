package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	cli "github.com/spf13/pflag"

	"github.com/lmittmann/tint"
	log "log/slog"

	"voxboard/internal/assistant"
	"voxboard/internal/audio"
	"voxboard/internal/capture"
	"voxboard/internal/display"
	"voxboard/internal/ipc"
	"voxboard/internal/player"
	"voxboard/internal/proxy"
	"voxboard/internal/query"
	"voxboard/internal/router"
	"voxboard/internal/tts"
	"voxboard/pkg/protocol"
	"voxboard/pkg/stt"
)

var logLevelMap = map[string]log.Level{
	"debug": log.LevelDebug,
	"info":  log.LevelInfo,
	"warn":  log.LevelWarn,
	"error": log.LevelError,
}

type options struct {
	envFile   string
	proxyAddr string
	logLevel  string
	listen    string
	socket    string
	model     string
	language  string
	playlist  string
	hubURL    string
	wake      string
	backend   string
	llmModel  string
}

func main() {
	var opt options
	cli.StringVarP(&opt.envFile, "env", "e", ".env", "Env file path")
	cli.StringVarP(&opt.proxyAddr, "proxy", "p", "", "Socks Proxy Address")
	cli.StringVarP(&opt.logLevel, "log", "l", "info", "Log level")
	cli.StringVarP(&opt.listen, "listen", "a", "127.0.0.1:8093", "Dashboard listen address")
	cli.StringVarP(&opt.socket, "socket", "s", ipc.DefaultSocketPath, "Control socket path")
	cli.StringVarP(&opt.model, "model", "m", "third_party/whisper.cpp/models/ggml-base.en.bin", "Whisper model path")
	cli.StringVar(&opt.language, "lang", "en", "Speech language")
	cli.StringVarP(&opt.playlist, "playlist", "P", "", "Playlist YAML; empty with --url plays through the hub")
	cli.StringVarP(&opt.hubURL, "url", "u", "", "Url of hub for remote playback")
	cli.StringVarP(&opt.wake, "wake", "w", "hey", "Wake word")
	cli.StringVarP(&opt.backend, "backend", "b", "openai", "Query backend: openai|gemini")
	cli.StringVar(&opt.llmModel, "llm", "", "Query model name")
	cli.Parse()

	log.SetDefault(log.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevelMap[opt.logLevel],
	})))

	log.Info("Booting up")
	godotenv.Load(opt.envFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opt); err != nil {
		log.Error("Daemon failed", "err", err)
		os.Exit(1)
	}
	log.Info("Shut down")
}

func run(ctx context.Context, opt options) error {
	httpClient, err := proxy.NewSocksClient(opt.proxyAddr)
	if err != nil {
		return fmt.Errorf("socks proxy %s: %w", opt.proxyAddr, err)
	}

	client, err := newQueryClient(ctx, opt, httpClient)
	if err != nil {
		return err
	}

	rec := audio.NewRecorder()
	defer rec.Close()

	// a missing model leaves the daemon up with recognition reported unsupported
	whisper, err := stt.NewTranscriber(opt.model, stt.Options{Language: opt.language, SingleSegment: true})
	if err != nil {
		log.Error("Failed to load whisper", "model", opt.model, "err", err)
	} else {
		defer whisper.Close()
	}
	stream := capture.NewStream(capture.NewWhisperEngine(rec, whisper, capture.WhisperConfig{}), capture.Options{})

	espeak, err := tts.NewEspeak(opt.language)
	if err != nil {
		return fmt.Errorf("espeak: %w", err)
	}
	synth := tts.NewSynthesizer(espeak, tts.Options{})

	hub := display.NewHub()
	analyzer := audio.NewAnalyzer(0)
	defer analyzer.Close()

	duckers := []assistant.Ducker{audio.NewDucker([]string{"voxboard"}, 10)}

	playback, err := newPlayback(ctx, opt, analyzer)
	if err != nil {
		return err
	}
	if p, ok := playback.(*player.Player); ok {
		defer p.Close()
		duckers = append(duckers, p)
	}

	machine := assistant.New(assistant.Config{WakeWord: opt.wake}, assistant.Deps{
		Capture:     stream,
		Synthesizer: synth,
		Router:      router.New(playback, client),
		Display:     hub,
		Duckers:     duckers,
		Gate:        stream,
	})

	go hub.Run(ctx)
	go hub.PumpSpectrum(ctx, analyzer, 30)
	go serveDashboard(ctx, opt.listen, hub)
	go func() {
		if err := ipc.Serve(ctx, opt.socket, control(ctx, machine, playback)); err != nil {
			log.Error("Failed ipc server", "err", err)
		}
	}()
	go func() {
		if err := stream.Run(ctx); err != nil {
			log.Error("Speech capture stopped", "err", err)
		}
	}()

	log.Info("Boot up - successful", "dashboard", opt.listen, "socket", opt.socket)

	// a gate failure disables the assistant but keeps the dashboard and player
	if err := machine.Run(ctx); err != nil {
		log.Warn("Assistant disabled", "err", err)
		<-ctx.Done()
	}
	return nil
}

func newQueryClient(ctx context.Context, opt options, httpClient *http.Client) (query.Client, error) {
	switch strings.ToLower(opt.backend) {
	case "openai":
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			log.Warn("OPENAI_API_KEY not set, questions will fail")
			return query.Unconfigured{}, nil
		}
		return query.NewOpenAI(key, opt.llmModel, httpClient), nil

	case "gemini":
		key := os.Getenv("GEMINI_API_KEY")
		if key == "" {
			log.Warn("GEMINI_API_KEY not set, questions will fail")
			return query.Unconfigured{}, nil
		}
		g, err := query.NewGemini(ctx, key, opt.llmModel, httpClient)
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		return g, nil

	default:
		return nil, fmt.Errorf("unknown backend %q", opt.backend)
	}
}

func newPlayback(ctx context.Context, opt options, analyzer *audio.Analyzer) (router.Playback, error) {
	if opt.playlist == "" && opt.hubURL != "" {
		ptcl, err := protocol.NewProtocol(protocol.PtclConfig{
			Shard:  "VOXBOARD",
			Url:    opt.hubURL,
			Reconn: 5,
		})
		if err != nil {
			return nil, err
		}
		go ptcl.Run(ctx)
		log.Info("Remote playback", "hub", opt.hubURL)
		return player.NewRemote(ptcl, "PLAYER"), nil
	}

	var tracks []player.Track
	if opt.playlist != "" {
		var err error
		if tracks, err = player.LoadPlaylist(opt.playlist); err != nil {
			return nil, fmt.Errorf("playlist: %w", err)
		}
	}

	out, err := player.SpeakerOutput(player.DefaultRate)
	if err != nil {
		return nil, err
	}
	log.Info("Local playback", "tracks", len(tracks))
	return player.New(out, tracks, player.Config{}).WithTapper(analyzer), nil
}

func serveDashboard(ctx context.Context, addr string, hub *display.Hub) {
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("Dashboard server failed", "addr", addr, "err", err)
	}
}

func control(ctx context.Context, m *assistant.Machine, playback router.Playback) ipc.Handler {
	return func(msg ipc.ControlMessage) error {
		log.Debug("Control command", "cmd", msg.Cmd)

		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		switch msg.Cmd {
		case ipc.CmdActivate:
			m.Activate()
		case ipc.CmdPlay:
			if !playback.Play(ctx) {
				return errors.New("nothing to play")
			}
		case ipc.CmdPause:
			playback.Pause(ctx)
		case ipc.CmdNext:
			playback.Next(ctx)
		case ipc.CmdPrevious:
			playback.Previous(ctx)
		default:
			return fmt.Errorf("%w: %s", ipc.ErrUnknownCommand, msg.Cmd)
		}
		return nil
	}
}
