// Package chatstyle provides the coloured formatting the server applies to
// its own lines before sending them to terminal clients.
package chatstyle

import (
	"github.com/muesli/termenv"

	"github.com/cyberinferno/go-chatroom/session"
)

// ANSI renders fragments with 16-colour escape sequences: notices in bright
// yellow, names in bright magenta, addresses in magenta and alerts in red.
// The zero value is ready to use.
type ANSI struct{}

var _ session.Style = ANSI{}

func paint(s string, color termenv.ANSIColor, bold bool) string {
	style := termenv.String(s).Foreground(color)
	if bold {
		style = style.Bold()
	}

	return style.String()
}

func (ANSI) Notice(s string) string    { return paint(s, termenv.ANSIYellow, true) }
func (ANSI) User(s string) string      { return paint(s, termenv.ANSIMagenta, true) }
func (ANSI) Address(s string) string   { return paint(s, termenv.ANSIMagenta, false) }
func (ANSI) Alert(s string) string     { return paint(s, termenv.ANSIRed, false) }
func (ANSI) Highlight(s string) string { return paint(s, termenv.ANSIRed, true) }

// For returns ANSI when color is true and session.PlainStyle otherwise.
func For(color bool) session.Style {
	if color {
		return ANSI{}
	}

	return session.PlainStyle{}
}
