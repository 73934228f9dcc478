// Package session implements the per-connection chat protocol: the name
// handshake, chat and command dispatch, and the leave announcement. A
// Handler knows nothing about sockets or concurrency; it drives everything
// through the Service an engine hands it.
package session

// Service is what an engine provides to a session. Each engine implements it
// once per connection.
type Service interface {
	// Identity returns the peer address in "ip:port" form.
	Identity() string

	// Join reserves name for this connection. It returns false when the name
	// is already online; that is an ordinary outcome, not a fault.
	Join(name string) bool

	// Online returns a sorted snapshot of the names currently online.
	Online() []string

	// Broadcast delivers message to every joined session whose name is not
	// in excluded. It must not block the caller on a slow peer.
	Broadcast(message string, excluded ...string)

	// Log writes text to the server's shared diagnostic sink.
	Log(text string)

	// Send delivers message to this connection only.
	Send(message string)
}
