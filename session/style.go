package session

// Style decorates the fragments of server-generated lines. Engines inject
// one; the protocol logic never embeds terminal escapes itself.
type Style interface {
	// Notice marks ordinary server announcements.
	Notice(s string) string
	// User marks a display name.
	User(s string) string
	// Address marks a peer address.
	Address(s string) string
	// Alert marks error text.
	Alert(s string) string
	// Highlight marks the offending token inside an alert.
	Highlight(s string) string
}

// PlainStyle leaves every fragment untouched.
type PlainStyle struct{}

func (PlainStyle) Notice(s string) string    { return s }
func (PlainStyle) User(s string) string      { return s }
func (PlainStyle) Address(s string) string   { return s }
func (PlainStyle) Alert(s string) string     { return s }
func (PlainStyle) Highlight(s string) string { return s }
