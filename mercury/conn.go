package mercury

import "context"

// Conn abstracts a byte-oriented link to the instrument. Two variants exist:
// serialconn keeps one long-lived connection for the lifetime of the object,
// while lanconn opens a fresh TCP connection per command with bounded retry.
//
// A Conn carries exactly one command in flight at a time: Exchange pairs one
// sent command with one received reply line, and Send completes (including
// any discarded acknowledgement) before the next call may begin. A Conn must
// not be used from more than one goroutine concurrently.
type Conn interface {
	// Open establishes the link. For per-call variants it is a no-op.
	Open(ctx context.Context) error

	// Exchange sends one command and returns the single reply line with
	// trailing whitespace trimmed.
	Exchange(ctx context.Context, cmd string) (string, error)

	// Send sends one command whose reply is not of interest. Persistent
	// variants still consume one acknowledgement line to keep the channel
	// synchronized; per-call variants close without reading.
	Send(ctx context.Context, cmd string) error

	// Close releases the link. Closing an already-closed Conn is a no-op.
	Close() error
}
