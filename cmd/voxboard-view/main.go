package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	cli "github.com/spf13/pflag"

	"github.com/lmittmann/tint"
	log "log/slog"

	"voxboard/internal/assistant"
	"voxboard/internal/display"
	"voxboard/internal/visual"
)

var logLevelMap = map[string]log.Level{
	"debug": log.LevelDebug,
	"info":  log.LevelInfo,
	"warn":  log.LevelWarn,
	"error": log.LevelError,
}

var (
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFFFF")).Faint(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F")).Bold(true)
)

// statusBox keeps the last status line shown under the bars.
type statusBox struct {
	mu sync.Mutex
	st assistant.Status
}

func (b *statusBox) set(st assistant.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.st = st
}

func (b *statusBox) line() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	line := b.st.Line()
	if b.st.Error != "" && line == b.st.Error {
		return errorStyle.Render(line)
	}
	return statusStyle.Render(line)
}

func main() {
	url := cli.StringP("url", "u", "ws://127.0.0.1:8093/ws", "Url of daemon dashboard")
	cols := cli.IntP("cols", "c", 80, "Columns")
	rows := cli.IntP("rows", "r", 12, "Rows of bars")
	fps := cli.IntP("fps", "f", 30, "Frames per second")
	logLevel := cli.StringP("log", "l", "warn", "Log level")
	cli.Parse()

	log.SetDefault(log.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level: logLevelMap[*logLevel],
	})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	feed := display.NewSpectrumFeed(0)
	status := &statusBox{}

	canvas := visual.NewTermCanvas(os.Stdout)
	canvas.Footer = status.line

	// one cell is 8x8 layout units: eight glyph levels per row
	r := visual.NewRenderer(canvas, feed, *fps)
	r.Resize(visual.Viewport{
		Width:      float64(*cols * 8),
		Height:     float64(*rows * 8),
		PixelRatio: 1.0 / 8,
	})

	os.Stdout.WriteString("\x1b[2J\x1b[?25l")
	defer os.Stdout.WriteString("\x1b[?25h\n")

	go follow(ctx, *url, feed, status)

	if err := r.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("Renderer stopped", "err", err)
	}
}

// follow keeps a connection to the daemon, reconnecting until ctx is done.
func follow(ctx context.Context, url string, feed *display.SpectrumFeed, status *statusBox) {
	backoff := time.Second

	for ctx.Err() == nil {
		c, err := display.Dial(ctx, url)
		if err != nil {
			log.Debug("Daemon not reachable", "url", url, "err", err)
			status.set(assistant.Status{Error: "Daemon not reachable", Fatal: true})

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(2*backoff, 10*time.Second)
			continue
		}
		backoff = time.Second

		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				c.Close()
			case <-done:
			}
		}()

		for {
			m, err := c.Read()
			if err != nil {
				log.Debug("Daemon connection lost", "err", err)
				close(done)
				c.Close()
				break
			}

			switch m.Kind {
			case display.KindSpectrum:
				feed.Update(m.Spectrum)
			case display.KindStatus:
				if m.Status != nil {
					status.set(*m.Status)
				}
			}
		}
	}
}
