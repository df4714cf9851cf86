package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/assischat/assischat/internal/store"
)

// Truncate shortens s to at most width display cells, with an ellipsis.
// Newlines are flattened so previews stay on one line.
func Truncate(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	if runewidth.StringWidth(s) <= width {
		return s
	}
	if width <= 3 {
		return runewidth.Truncate(s, width, "")
	}
	return runewidth.Truncate(s, width, "...")
}

// PadRight pads s with spaces to width display cells.
func PadRight(s string, width int) string {
	return runewidth.FillRight(s, width)
}

// FormatRelativeTime renders t relative to now.
func FormatRelativeTime(t time.Time) string {
	dur := time.Since(t)
	switch {
	case dur < time.Minute:
		return "just now"
	case dur < time.Hour:
		return fmt.Sprintf("%dm ago", int(dur.Minutes()))
	case dur < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(dur.Hours()))
	case dur < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(dur.Hours()/24))
	default:
		return t.Format("Jan 2")
	}
}

// FailureText is the human description of a failure reason.
func FailureText(r store.FailureReason) string {
	switch r {
	case store.ReasonUnauthorized:
		return "the backend rejected the credential"
	case store.ReasonRateLimited:
		return "rate limited by the backend"
	case store.ReasonNetwork:
		return "network error"
	case store.ReasonMalformedResponse:
		return "the backend sent a malformed response"
	case store.ReasonAdapterUnavailable:
		return "no usable backend for this model"
	case store.ReasonCancelled:
		return "cancelled"
	default:
		return "unknown error"
	}
}

// RoleLabel renders the speaker label of a message.
func (s *Styles) RoleLabel(m store.Message) string {
	if m.Role == store.RoleUser {
		return s.UserLabel.Render("you")
	}
	return s.AssistantLabel.Render("assistant")
}

// StatusLine is the trailer printed under a settled or in-flight assistant
// message; empty for complete messages.
func (s *Styles) StatusLine(m store.Message) string {
	switch m.State() {
	case store.StateReceiving:
		return s.Receiving.Render(ReceivingIcon + " receiving")
	case store.StateFailed:
		return s.Error.Render(FailIcon + " " + FailureText(m.FailedReason))
	}
	return ""
}

// RenderMessage renders one transcript entry.
func (s *Styles) RenderMessage(m store.Message) string {
	var b strings.Builder
	b.WriteString(s.RoleLabel(m))
	b.WriteString(" ")
	b.WriteString(s.Muted.Render(store.ShortID(m.ID) + " " + m.Timestamp.Local().Format("15:04")))
	b.WriteString("\n")
	if m.Content != "" {
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	if status := s.StatusLine(m); status != "" {
		b.WriteString(status)
		b.WriteString("\n")
	}
	return b.String()
}
