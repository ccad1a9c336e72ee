// Package llm is the boundary to the hosted language model. The rest of
// the application talks to the Client/Exchange interfaces; the Gemini
// implementation lives in gemini.go.
package llm

import (
	"context"
	"errors"
	"iter"
)

// ErrMissingAPIKey is returned when no remote-service credential is
// configured. It surfaces to the user as an inline error, never a crash.
var ErrMissingAPIKey = errors.New("remote API key is not configured")

// Turn is the local mirror of one turn of the remote service's
// canonical history. It exists only so a session can be reconstructed
// after a profile change; the remote handle owns the real record.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Client opens exchanges against the remote model.
type Client interface {
	// Open starts a new exchange seeded with a system instruction and
	// prior history. The returned Exchange replaces any previous one;
	// exchanges are never mutated in place.
	Open(ctx context.Context, instruction string, history []Turn) (Exchange, error)
}

// Unconfigured is the Client used when no credential is present. Every
// open fails with ErrMissingAPIKey, which handlers surface inline.
type Unconfigured struct{}

var _ Client = Unconfigured{}

func (Unconfigured) Open(ctx context.Context, instruction string, history []Turn) (Exchange, error) {
	return nil, ErrMissingAPIKey
}

// Exchange is a live remote chat. At most one fragment sequence may be
// in flight per exchange at a time.
type Exchange interface {
	// Send requests a streamed reply for a user message. The sequence is
	// lazy, finite and not restartable; fragments that cannot be decoded
	// are skipped rather than terminating the stream.
	Send(ctx context.Context, message string) iter.Seq2[string, error]

	// History returns the canonical post-exchange history. Only valid
	// after a Send sequence has been fully consumed.
	History() []Turn
}
