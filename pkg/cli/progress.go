package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"enrichd/internal/domain"
)

// progressLine redraws a single status line on an interactive stderr while a
// job runs in the foreground. It is a no-op for JSON output or when stderr is
// not a terminal.
type progressLine struct {
	w        io.Writer
	renderer *lipgloss.Renderer
	width    int
	drawn    bool
}

var statusColors = map[domain.JobStatus]lipgloss.Color{
	domain.JobStatusPending:   lipgloss.Color("#6C6C6C"),
	domain.JobStatusRunning:   lipgloss.Color("#5FAFD7"),
	domain.JobStatusPaused:    lipgloss.Color("#D7AF00"),
	domain.JobStatusFinished:  lipgloss.Color("#00D787"),
	domain.JobStatusCancelled: lipgloss.Color("#FF005F"),
}

func newProgressLine(cmd *cobra.Command) *progressLine {
	if getOutputFormat(cmd) == "json" {
		return &progressLine{}
	}
	f, ok := cmd.ErrOrStderr().(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return &progressLine{}
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		width = 80
	}
	return &progressLine{w: f, renderer: lipgloss.NewRenderer(f), width: width}
}

func (p *progressLine) update(j *domain.Job) {
	if p.w == nil || j == nil {
		return
	}
	_, _ = fmt.Fprintf(p.w, "\r\033[K%s", p.colorize(fitWidth(jobSummary(j), p.width-1), j.Status))
	p.drawn = true
}

// colorize highlights the first occurrence of the status word in line.
func (p *progressLine) colorize(line string, status domain.JobStatus) string {
	color, ok := statusColors[status]
	if !ok || p.renderer == nil {
		return line
	}
	word := " " + string(status) + " "
	styled := " " + p.renderer.NewStyle().Foreground(color).Bold(status.IsTerminal()).Render(string(status)) + " "
	return strings.Replace(line, word, styled, 1)
}

// done moves the cursor off the progress line so the final summary starts on
// a clean line.
func (p *progressLine) done() {
	if p.drawn {
		_, _ = fmt.Fprint(p.w, "\r\033[K")
		p.drawn = false
	}
}

func jobSummary(j *domain.Job) string {
	s := fmt.Sprintf("job %d %s (%s on %s/%s) %s",
		j.ID, j.Status, j.Enrichment, j.DatabaseName, j.TableName, progress(j.DoneCount, j.RowCount))
	if j.ErrorCount > 0 {
		s += fmt.Sprintf(", errors: %d", j.ErrorCount)
	}
	return s
}

func fitWidth(s string, width int) string {
	if width <= 3 || len(s) <= width {
		return s
	}
	return s[:width-3] + "..."
}
