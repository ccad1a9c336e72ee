// Package chat owns per-session conversation state: the display
// transcript, the mirrored model history, and the live exchange handle.
package chat

import (
	"context"
	"errors"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	"finplan/internal/domain"
	"finplan/internal/llm"
)

// State of a session.
type State string

const (
	// StateEmpty means no messages have been exchanged yet.
	StateEmpty State = "empty"
	// StateActive means at least one exchange has completed.
	StateActive State = "active"
	// StateStreaming means a reply is currently being received.
	StateStreaming State = "streaming"
)

// ErrStreamInFlight is returned when a submit, reset or profile change
// arrives while a reply stream is still being consumed. Exactly one
// exchange may be in flight per session.
var ErrStreamInFlight = errors.New("a reply is still streaming for this session")

// Session holds the mutable conversation state for one user tab.
//
// Invariants: the transcript and the history mirror are always cleared
// together, and the mirror is refreshed from the exchange handle only
// after a full reply has been received.
type Session struct {
	mu         sync.Mutex
	userID     string
	sessionID  string
	profile    domain.Profile
	transcript []domain.Message
	history    []llm.Turn
	handle     llm.Exchange
	state      State
	lastActive time.Time
}

// NewSession creates an empty session with the default profile.
func NewSession(userID, sessionID string) *Session {
	return &Session{
		userID:     userID,
		sessionID:  sessionID,
		profile:    domain.DefaultProfile(),
		state:      StateEmpty,
		lastActive: time.Now(),
	}
}

// Reset clears the transcript and the history mirror together and
// discards the exchange handle. Idempotent.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStreaming {
		return ErrStreamInFlight
	}
	s.clearLocked()
	return nil
}

func (s *Session) clearLocked() {
	s.transcript = nil
	s.history = nil
	s.handle = nil
	s.state = StateEmpty
	s.lastActive = time.Now()
}

// SetProfile applies a new profile. A changed profile changes the
// compiled instruction text, so both buffers are cleared and the handle
// is discarded; the next submit rebuilds it. Returns whether anything
// changed.
func (s *Session) SetProfile(p domain.Profile) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStreaming {
		return false, ErrStreamInFlight
	}
	if p == s.profile {
		return false, nil
	}
	s.profile = p
	s.clearLocked()
	return true, nil
}

// Submit appends the user message, opens a fresh exchange seeded with
// the current history mirror and instruction, and returns the fragment
// sequence for the reply. If the remote open fails, the error is
// returned and the session keeps only the appended user entry.
//
// The returned sequence must be consumed exactly once. On exhaustion
// with at least one fragment, the assistant entry is appended and the
// history mirror is replaced with the exchange's canonical record.
func (s *Session) Submit(ctx context.Context, client llm.Client, instruction, message string) (iter.Seq2[string, error], error) {
	s.mu.Lock()

	if s.state == StateStreaming {
		s.mu.Unlock()
		return nil, ErrStreamInFlight
	}

	prev := s.state
	s.transcript = append(s.transcript, domain.Message{Role: domain.RoleUser, Text: message})
	s.lastActive = time.Now()
	// Claim the single flight slot before releasing the lock so a
	// concurrent submit is rejected while the exchange is being opened.
	s.state = StateStreaming
	history := slices.Clone(s.history)
	s.mu.Unlock()

	handle, err := client.Open(ctx, instruction, history)
	if err != nil {
		// No exchange ever started, so the pre-submit state comes back.
		s.mu.Lock()
		s.state = prev
		s.lastActive = time.Now()
		s.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	s.handle = handle
	s.mu.Unlock()

	return func(yield func(string, error) bool) {
		var reply strings.Builder
		fragments := 0
		complete := false

		// The commit must run even if the consumer panics or stops
		// ranging mid-stream, or the session would report a stream in
		// flight forever.
		defer func() {
			s.commit(handle, reply.String(), fragments, complete)
		}()

		for frag, err := range handle.Send(ctx, message) {
			if err != nil {
				yield("", err)
				return
			}
			if frag == "" {
				continue
			}
			fragments++
			reply.WriteString(frag)
			if !yield(frag, nil) {
				return
			}
		}
		complete = true
	}, nil
}

// commit finalizes a stream. The transcript append and the history
// resync happen only after the full reply has been received; a failed,
// aborted or empty stream leaves both untouched.
func (s *Session) commit(handle llm.Exchange, reply string, fragments int, complete bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = StateActive
	s.lastActive = time.Now()
	if !complete || fragments == 0 {
		return
	}
	s.transcript = append(s.transcript, domain.Message{Role: domain.RoleAssistant, Text: reply})
	s.history = handle.History()
}

// Profile returns the current profile selection.
func (s *Session) Profile() domain.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

// Transcript returns a copy of the display transcript.
func (s *Session) Transcript() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.transcript)
}

// History returns a copy of the mirrored model history.
func (s *Session) History() []llm.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history)
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActive returns the time of the last state change.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}
