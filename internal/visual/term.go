package visual

import (
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

var eighths = []string{" ", "▁", "▂", "▃", "▄", "▅", "▆", "▇", "█"}

var (
	idleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color(Cyan.Hex())).Faint(true)
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(Cyan.Hex()))
	glowStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color(Green.Hex())).Bold(true)
)

// TermCanvas paints frames as block characters, one column per cell and
// eight levels per row.
type TermCanvas struct {
	mu   sync.Mutex
	out  io.Writer
	cols int
	rows int

	// Footer, when set, is printed under the bars on every draw.
	Footer func() string
}

func NewTermCanvas(out io.Writer) *TermCanvas {
	return &TermCanvas{out: out, cols: 80, rows: 12}
}

func (t *TermCanvas) Resize(width, height int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cols = max(width, 1)
	t.rows = max(height, 1)
}

func (t *TermCanvas) Draw(f Frame) error {
	body := t.Render(f)

	var b strings.Builder
	b.WriteString("\x1b[H")
	b.WriteString(body)
	if t.Footer != nil {
		b.WriteString("\n\x1b[K")
		b.WriteString(t.Footer())
	}
	b.WriteString("\x1b[J")

	_, err := io.WriteString(t.out, b.String())
	return err
}

// Render lays the frame out on the cell grid.
func (t *TermCanvas) Render(f Frame) string {
	t.mu.Lock()
	cols, rows := t.cols, t.rows
	t.mu.Unlock()

	// bar index per column, -1 for gaps
	owner := make([]int, cols)
	for c := range owner {
		owner[c] = barAt(f, (float64(c)+0.5)*f.Width/float64(cols))
	}

	lines := make([]string, rows)
	for r := 0; r < rows; r++ {
		fromBottom := float64(rows - 1 - r)

		var line strings.Builder
		var run strings.Builder
		var runStyle *lipgloss.Style

		flush := func() {
			if run.Len() == 0 {
				return
			}
			if runStyle != nil {
				line.WriteString(runStyle.Render(run.String()))
			} else {
				line.WriteString(run.String())
			}
			run.Reset()
		}

		for c := 0; c < cols; c++ {
			glyph := " "
			var st *lipgloss.Style
			if i := owner[c]; i >= 0 && f.Height > 0 {
				bar := f.Bars[i]
				level := bar.Height / f.Height * float64(rows)
				glyph = cell(level - fromBottom)
				st = styleFor(f.Mode, bar)
			}
			if glyph == " " {
				st = nil
			}
			if st != runStyle {
				flush()
				runStyle = st
			}
			run.WriteString(glyph)
		}
		flush()
		lines[r] = line.String()
	}

	return strings.Join(lines, "\n")
}

func cell(fill float64) string {
	switch {
	case fill >= 1:
		return eighths[8]
	case fill <= 0:
		return eighths[0]
	default:
		return eighths[int(fill*8)]
	}
}

func styleFor(mode Mode, bar Bar) *lipgloss.Style {
	switch {
	case mode == ModeIdle:
		return &idleStyle
	case bar.Value > GlowAt:
		return &glowStyle
	default:
		return &activeStyle
	}
}

func barAt(f Frame, x float64) int {
	for i, b := range f.Bars {
		if x >= b.X && x < b.X+b.Width {
			return i
		}
	}
	return -1
}
