package exec

import (
	"encoding/json"
	"fmt"
	"strings"

	"charm.land/lipgloss/v2"

	"github.com/agent462/fanout/internal/executor"
)

// bannerStars is the width of the star runs on either side of a host header.
const bannerStars = 15

var (
	colorGreen  = lipgloss.Color("#04B575")
	colorRed    = lipgloss.Color("#FF4672")
	colorYellow = lipgloss.Color("#FDFF90")
	colorCyan   = lipgloss.Color("#00E5FF")

	headerStyle  = lipgloss.NewStyle().Foreground(colorCyan).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(colorRed)
	timeoutStyle = lipgloss.NewStyle().Foreground(colorYellow)
	okStyle      = lipgloss.NewStyle().Foreground(colorGreen).Bold(true)
)

// Formatter renders a ResultSet for the terminal or as JSON.
type Formatter struct {
	JSON    bool
	Summary bool
	Color   bool
}

// NewFormatter creates a Formatter with the given options.
func NewFormatter(jsonOutput, summary, color bool) *Formatter {
	return &Formatter{
		JSON:    jsonOutput,
		Summary: summary,
		Color:   color,
	}
}

// Format renders every host in lexicographic order as a starred header line
// followed by its outcome text.
func (f *Formatter) Format(results executor.ResultSet) string {
	var b strings.Builder

	stars := strings.Repeat("*", bannerStars)
	for _, host := range results.Hosts() {
		out := results[host]
		b.WriteString(f.colorize(fmt.Sprintf("%s %s %s", stars, host, stars), headerStyle))
		b.WriteString("\n")
		b.WriteString(f.body(out))
		b.WriteString("\n")
	}

	if f.Summary {
		b.WriteString(f.summaryLine(results))
		b.WriteString("\n")
	}

	return b.String()
}

func (f *Formatter) body(out executor.Outcome) string {
	text := out.Text()
	switch out.Kind {
	case executor.ConnectionFailed, executor.UnexpectedExit:
		return f.colorize(text, errorStyle)
	case executor.TimedOut:
		return f.colorize(text, timeoutStyle)
	default:
		return text
	}
}

// jsonResult is one host in the JSON report.
type jsonResult struct {
	Host     string `json:"host"`
	Status   string `json:"status"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Duration string `json:"duration"`
	Error    string `json:"error,omitempty"`
}

// FormatJSON serializes results as a JSON array sorted by host.
func (f *Formatter) FormatJSON(results executor.ResultSet) ([]byte, error) {
	hosts := results.Hosts()
	out := make([]jsonResult, len(hosts))
	for i, host := range hosts {
		r := results[host]
		out[i] = jsonResult{
			Host:     host,
			Status:   r.Kind.String(),
			Stdout:   r.Stdout,
			Stderr:   r.Stderr,
			ExitCode: r.ExitCode,
			Duration: r.Duration.String(),
		}
		switch r.Kind {
		case executor.ConnectionFailed:
			if r.Err != nil {
				out[i].Error = r.Err.Error()
			} else {
				out[i].Error = r.Text()
			}
		case executor.TimedOut, executor.UnexpectedExit:
			out[i].Error = r.Text()
		}
	}

	return json.MarshalIndent(out, "", "  ")
}

func (f *Formatter) summaryLine(results executor.ResultSet) string {
	succeeded := results.Count(executor.Success)
	line := f.colorize(fmt.Sprintf("%d succeeded", succeeded), okStyle)

	var parts []string
	if n := results.Count(executor.ConnectionFailed); n > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", n))
	}
	if n := results.Count(executor.TimedOut); n > 0 {
		parts = append(parts, fmt.Sprintf("%d timeout", n))
	}
	if n := results.Count(executor.UnexpectedExit); n > 0 {
		parts = append(parts, fmt.Sprintf("%d unexpected exit", n))
	}
	if len(parts) == 0 {
		return line
	}
	return line + ", " + f.colorize(strings.Join(parts, ", "), errorStyle)
}

func (f *Formatter) colorize(text string, style lipgloss.Style) string {
	if !f.Color {
		return text
	}
	return style.Render(text)
}
