// Package runtime abstracts the connection to the agent runtime that
// produces conversational responses. The bridge consumes it purely as a
// typed event stream plus a send side; the concrete transport lives in
// the live client.
package runtime

import (
	"context"
	"errors"
	"iter"
)

// ErrUnavailable indicates the runtime cannot accept a new session.
var ErrUnavailable = errors.New("agent runtime unavailable")

// SessionOptions selects per-session runtime behavior.
type SessionOptions struct {
	SessionKey    string
	AudioResponse bool // respond with audio instead of text
	EnableVideo   bool // accept image/video input frames
}

// Part is one piece of event content.
type Part struct {
	MimeType string
	Text     string
	Data     []byte
}

// Event is one typed runtime event. Turn boundaries carry no content;
// content events carry one or more parts, with Partial set for
// incremental text chunks.
type Event struct {
	Author       string
	TurnComplete bool
	Interrupted  bool
	Partial      bool
	Parts        []Part
}

// FirstPart returns the first content part, or nil.
func (e *Event) FirstPart() *Part {
	if len(e.Parts) == 0 {
		return nil
	}
	return &e.Parts[0]
}

// Conn is one live connection to the agent runtime, owned by exactly one
// session bridge. Close is idempotent.
type Conn interface {
	// Events yields runtime events in arrival order. The sequence ends
	// when the stream closes; a non-nil error ends it abnormally.
	Events(ctx context.Context) iter.Seq2[*Event, error]

	// SendText forwards one user text message to the runtime.
	SendText(ctx context.Context, text string) error

	// SendRealtime forwards a binary payload (audio/image/video frame).
	SendRealtime(ctx context.Context, mimeType string, data []byte) error

	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Factory constructs runtime connections and reports readiness.
type Factory interface {
	// Connect opens a runtime connection for one session. Fails with
	// ErrUnavailable when the runtime cannot serve a new session.
	Connect(ctx context.Context, opts SessionOptions) (Conn, error)

	// Ready reports whether new sessions can currently be opened.
	Ready(ctx context.Context) bool

	// Close releases factory resources.
	Close() error
}
