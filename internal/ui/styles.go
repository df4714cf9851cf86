package ui

import (
	"io"

	"github.com/charmbracelet/lipgloss"
)

// Color palette
var (
	Green  = lipgloss.Color("10") // complete, available
	Red    = lipgloss.Color("9")  // failed, unavailable
	Grey   = lipgloss.Color("8")  // muted text
	Blue   = lipgloss.Color("4")  // user label
	Yellow = lipgloss.Color("11") // receiving
	White  = lipgloss.Color("15") // header text
)

// Status indicators
const (
	EnabledIcon   = "●"
	DisabledIcon  = "○"
	SuccessIcon   = "✓"
	FailIcon      = "✗"
	ReceivingIcon = "…"
)

// Styles returns styled text helpers bound to a renderer
type Styles struct {
	renderer *lipgloss.Renderer

	Title     lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Error     lipgloss.Style
	Receiving lipgloss.Style

	UserLabel      lipgloss.Style
	AssistantLabel lipgloss.Style

	TableHeader lipgloss.Style
}

// NewStyles creates a new Styles instance for the given output. Color is
// dropped automatically when output is not a terminal.
func NewStyles(output io.Writer) *Styles {
	r := lipgloss.NewRenderer(output)

	return &Styles{
		renderer: r,

		Title: r.NewStyle().
			Bold(true).
			Foreground(White),

		Muted: r.NewStyle().
			Foreground(Grey),

		Success: r.NewStyle().
			Foreground(Green),

		Error: r.NewStyle().
			Foreground(Red),

		Receiving: r.NewStyle().
			Foreground(Yellow),

		UserLabel: r.NewStyle().
			Bold(true).
			Foreground(Blue),

		AssistantLabel: r.NewStyle().
			Bold(true).
			Foreground(Green),

		TableHeader: r.NewStyle().
			Bold(true).
			Foreground(White),
	}
}

// FormatAvailable returns a styled available/unavailable indicator
func (s *Styles) FormatAvailable(ok bool) string {
	if ok {
		return s.Success.Render(EnabledIcon + " available")
	}
	return s.Muted.Render(DisabledIcon + " unavailable")
}

// FormatResult returns a styled success/fail result
func (s *Styles) FormatResult(success bool, msg string) string {
	if success {
		return s.Success.Render(SuccessIcon+" ") + msg
	}
	return s.Error.Render(FailIcon+" ") + msg
}
