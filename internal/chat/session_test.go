package chat

import (
	"context"
	"errors"
	"iter"
	"testing"

	"finplan/internal/domain"
	"finplan/internal/llm"
)

// fakeExchange yields a fixed fragment sequence, optionally ending with
// an error, and reports a fixed canonical history.
type fakeExchange struct {
	fragments []string
	sendErr   error
	history   []llm.Turn
	sent      []string
}

func (f *fakeExchange) Send(ctx context.Context, message string) iter.Seq2[string, error] {
	f.sent = append(f.sent, message)
	return func(yield func(string, error) bool) {
		for _, frag := range f.fragments {
			if !yield(frag, nil) {
				return
			}
		}
		if f.sendErr != nil {
			yield("", f.sendErr)
		}
	}
}

func (f *fakeExchange) History() []llm.Turn {
	return f.history
}

type fakeClient struct {
	exchange    *fakeExchange
	openErr     error
	opens       int
	instruction string
	seeded      []llm.Turn
}

func (f *fakeClient) Open(ctx context.Context, instruction string, history []llm.Turn) (llm.Exchange, error) {
	f.opens++
	f.instruction = instruction
	f.seeded = history
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.exchange, nil
}

func consume(t *testing.T, stream iter.Seq2[string, error]) (string, error) {
	t.Helper()
	reply := ""
	for frag, err := range stream {
		if err != nil {
			return reply, err
		}
		reply += frag
	}
	return reply, nil
}

func TestSession_SubmitSuccess(t *testing.T) {
	canonical := []llm.Turn{
		{Role: "user", Text: "How do I budget?"},
		{Role: "model", Text: "Start with the 50/30/20 rule."},
	}
	client := &fakeClient{exchange: &fakeExchange{
		fragments: []string{"Start with ", "the 50/30/20 rule."},
		history:   canonical,
	}}
	sess := NewSession("user1", "tab-1")

	stream, err := sess.Submit(context.Background(), client, "instruction", "How do I budget?")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	reply, err := consume(t, stream)
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if reply != "Start with the 50/30/20 rule." {
		t.Errorf("Expected concatenated fragments, got %q", reply)
	}

	transcript := sess.Transcript()
	if len(transcript) != 2 {
		t.Fatalf("Expected 2 transcript entries, got %d", len(transcript))
	}
	if transcript[0].Role != domain.RoleUser || transcript[0].Text != "How do I budget?" {
		t.Errorf("Unexpected user entry: %+v", transcript[0])
	}
	if transcript[1].Role != domain.RoleAssistant || transcript[1].Text != reply {
		t.Errorf("Unexpected assistant entry: %+v", transcript[1])
	}

	history := sess.History()
	if len(history) != 2 || history[1].Text != canonical[1].Text {
		t.Errorf("Expected history resynced from exchange, got %+v", history)
	}
	if client.instruction != "instruction" {
		t.Errorf("Expected instruction passed to open, got %q", client.instruction)
	}
	if sess.State() != StateActive {
		t.Errorf("Expected state active, got %s", sess.State())
	}
}

func TestSession_SubmitOpenError(t *testing.T) {
	client := &fakeClient{openErr: llm.ErrMissingAPIKey}
	sess := NewSession("user1", "tab-1")

	_, err := sess.Submit(context.Background(), client, "instruction", "hello")
	if !errors.Is(err, llm.ErrMissingAPIKey) {
		t.Fatalf("Expected ErrMissingAPIKey, got %v", err)
	}

	// The user entry stays; the session remains usable.
	transcript := sess.Transcript()
	if len(transcript) != 1 || transcript[0].Role != domain.RoleUser {
		t.Errorf("Expected only the user entry, got %+v", transcript)
	}
	if len(sess.History()) != 0 {
		t.Errorf("Expected history untouched, got %+v", sess.History())
	}
	// No exchange ever completed, so the session is still empty.
	if sess.State() != StateEmpty {
		t.Errorf("Expected state empty after failed open, got %s", sess.State())
	}

	// The next submit must not be blocked.
	if _, err := sess.Submit(context.Background(), client, "instruction", "again"); !errors.Is(err, llm.ErrMissingAPIKey) {
		t.Errorf("Expected second submit to reach the client, got %v", err)
	}
}

func TestSession_SubmitOpenErrorKeepsActiveState(t *testing.T) {
	client := &fakeClient{exchange: &fakeExchange{
		fragments: []string{"hi"},
		history:   []llm.Turn{{Role: "model", Text: "hi"}},
	}}
	sess := NewSession("user1", "tab-1")

	stream, err := sess.Submit(context.Background(), client, "instruction", "hello")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := consume(t, stream); err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	client.openErr = llm.ErrMissingAPIKey
	if _, err := sess.Submit(context.Background(), client, "instruction", "again"); !errors.Is(err, llm.ErrMissingAPIKey) {
		t.Fatalf("Expected ErrMissingAPIKey, got %v", err)
	}
	if sess.State() != StateActive {
		t.Errorf("Expected state active after a completed exchange, got %s", sess.State())
	}
}

func TestSession_SubmitStreamError(t *testing.T) {
	client := &fakeClient{exchange: &fakeExchange{
		fragments: []string{"partial "},
		sendErr:   errors.New("connection reset"),
		history:   []llm.Turn{{Role: "user", Text: "x"}},
	}}
	sess := NewSession("user1", "tab-1")

	stream, err := sess.Submit(context.Background(), client, "instruction", "hello")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := consume(t, stream); err == nil {
		t.Fatal("Expected stream error")
	}

	// A failed stream never commits: no assistant entry, no resync.
	if len(sess.Transcript()) != 1 {
		t.Errorf("Expected only the user entry, got %+v", sess.Transcript())
	}
	if len(sess.History()) != 0 {
		t.Errorf("Expected history untouched, got %+v", sess.History())
	}
	if sess.State() != StateActive {
		t.Errorf("Expected state active, got %s", sess.State())
	}
}

func TestSession_SubmitEmptyStream(t *testing.T) {
	client := &fakeClient{exchange: &fakeExchange{
		history: []llm.Turn{{Role: "user", Text: "x"}},
	}}
	sess := NewSession("user1", "tab-1")

	stream, err := sess.Submit(context.Background(), client, "instruction", "hello")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	reply, err := consume(t, stream)
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if reply != "" {
		t.Errorf("Expected empty reply, got %q", reply)
	}

	// Zero fragments means no assistant entry and no history resync.
	if len(sess.Transcript()) != 1 {
		t.Errorf("Expected only the user entry, got %+v", sess.Transcript())
	}
	if len(sess.History()) != 0 {
		t.Errorf("Expected history untouched, got %+v", sess.History())
	}
}

func TestSession_SubmitSkipsEmptyFragments(t *testing.T) {
	client := &fakeClient{exchange: &fakeExchange{
		fragments: []string{"", "a", "", "b"},
		history:   []llm.Turn{{Role: "model", Text: "ab"}},
	}}
	sess := NewSession("user1", "tab-1")

	stream, err := sess.Submit(context.Background(), client, "instruction", "hello")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	reply, err := consume(t, stream)
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if reply != "ab" {
		t.Errorf("Expected empty fragments skipped, got %q", reply)
	}

	transcript := sess.Transcript()
	if len(transcript) != 2 || transcript[1].Text != "ab" {
		t.Errorf("Expected assistant entry %q, got %+v", "ab", transcript)
	}
}

func TestSession_SubmitAborted(t *testing.T) {
	client := &fakeClient{exchange: &fakeExchange{
		fragments: []string{"a", "b", "c"},
		history:   []llm.Turn{{Role: "model", Text: "abc"}},
	}}
	sess := NewSession("user1", "tab-1")

	stream, err := sess.Submit(context.Background(), client, "instruction", "hello")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	for range stream {
		break
	}

	// An abandoned stream never commits.
	if len(sess.Transcript()) != 1 {
		t.Errorf("Expected only the user entry, got %+v", sess.Transcript())
	}
	if len(sess.History()) != 0 {
		t.Errorf("Expected history untouched, got %+v", sess.History())
	}
	if sess.State() != StateActive {
		t.Errorf("Expected state active, got %s", sess.State())
	}
}

func TestSession_ConsumerPanicReleasesStream(t *testing.T) {
	client := &fakeClient{exchange: &fakeExchange{
		fragments: []string{"a", "b", "c"},
		history:   []llm.Turn{{Role: "model", Text: "abc"}},
	}}
	sess := NewSession("user1", "tab-1")

	stream, err := sess.Submit(context.Background(), client, "instruction", "hello")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// A consumer dying mid-stream (e.g. a panic caught by the HTTP
	// recoverer) must not leave the session reporting a stream in
	// flight forever.
	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("Expected the panic to propagate")
			}
		}()
		for range stream {
			panic("consumer died")
		}
	}()

	if sess.State() == StateStreaming {
		t.Fatal("Expected session released after consumer panic")
	}
	if err := sess.Reset(); err != nil {
		t.Errorf("Expected reset to succeed after consumer panic, got %v", err)
	}

	// A panicked stream never commits.
	if len(sess.History()) != 0 {
		t.Errorf("Expected history untouched, got %+v", sess.History())
	}
}

func TestSession_SingleFlight(t *testing.T) {
	client := &fakeClient{exchange: &fakeExchange{
		fragments: []string{"a", "b"},
		history:   []llm.Turn{{Role: "model", Text: "ab"}},
	}}
	sess := NewSession("user1", "tab-1")

	stream, err := sess.Submit(context.Background(), client, "instruction", "hello")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	checked := false
	for range stream {
		if checked {
			continue
		}
		checked = true
		if _, err := sess.Submit(context.Background(), client, "instruction", "again"); !errors.Is(err, ErrStreamInFlight) {
			t.Errorf("Expected ErrStreamInFlight from submit, got %v", err)
		}
		if err := sess.Reset(); !errors.Is(err, ErrStreamInFlight) {
			t.Errorf("Expected ErrStreamInFlight from reset, got %v", err)
		}
		p := sess.Profile()
		p.Goal = domain.Goals[1]
		if _, err := sess.SetProfile(p); !errors.Is(err, ErrStreamInFlight) {
			t.Errorf("Expected ErrStreamInFlight from profile change, got %v", err)
		}
	}
	if !checked {
		t.Fatal("Stream yielded no fragments")
	}
	if client.opens != 1 {
		t.Errorf("Expected exactly one open, got %d", client.opens)
	}
}

func TestSession_Reset(t *testing.T) {
	client := &fakeClient{exchange: &fakeExchange{
		fragments: []string{"hi"},
		history:   []llm.Turn{{Role: "model", Text: "hi"}},
	}}
	sess := NewSession("user1", "tab-1")

	stream, err := sess.Submit(context.Background(), client, "instruction", "hello")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := consume(t, stream); err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	if err := sess.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if len(sess.Transcript()) != 0 || len(sess.History()) != 0 {
		t.Errorf("Expected both buffers cleared, got %d/%d entries",
			len(sess.Transcript()), len(sess.History()))
	}
	if sess.State() != StateEmpty {
		t.Errorf("Expected state empty, got %s", sess.State())
	}

	// Reset on an empty session is a no-op.
	if err := sess.Reset(); err != nil {
		t.Errorf("Expected idempotent reset, got %v", err)
	}
}

func TestSession_ResetKeepsProfile(t *testing.T) {
	sess := NewSession("user1", "tab-1")
	p := sess.Profile()
	p.RiskLevel = domain.RiskLevels[2]
	if _, err := sess.SetProfile(p); err != nil {
		t.Fatalf("SetProfile failed: %v", err)
	}

	if err := sess.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if sess.Profile() != p {
		t.Errorf("Expected profile preserved across reset, got %+v", sess.Profile())
	}
}

func TestSession_SetProfileClearsBuffers(t *testing.T) {
	client := &fakeClient{exchange: &fakeExchange{
		fragments: []string{"hi"},
		history:   []llm.Turn{{Role: "model", Text: "hi"}},
	}}
	sess := NewSession("user1", "tab-1")

	stream, err := sess.Submit(context.Background(), client, "instruction", "hello")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := consume(t, stream); err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	p := sess.Profile()
	p.AgeGroup = domain.AgeGroups[3]
	changed, err := sess.SetProfile(p)
	if err != nil {
		t.Fatalf("SetProfile failed: %v", err)
	}
	if !changed {
		t.Error("Expected changed=true")
	}
	if len(sess.Transcript()) != 0 || len(sess.History()) != 0 {
		t.Errorf("Expected both buffers cleared, got %d/%d entries",
			len(sess.Transcript()), len(sess.History()))
	}
	if sess.State() != StateEmpty {
		t.Errorf("Expected state empty, got %s", sess.State())
	}
}

func TestSession_SetProfileUnchanged(t *testing.T) {
	client := &fakeClient{exchange: &fakeExchange{
		fragments: []string{"hi"},
		history:   []llm.Turn{{Role: "model", Text: "hi"}},
	}}
	sess := NewSession("user1", "tab-1")

	stream, err := sess.Submit(context.Background(), client, "instruction", "hello")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := consume(t, stream); err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	changed, err := sess.SetProfile(sess.Profile())
	if err != nil {
		t.Fatalf("SetProfile failed: %v", err)
	}
	if changed {
		t.Error("Expected changed=false for identical profile")
	}
	if len(sess.Transcript()) != 2 {
		t.Errorf("Expected transcript preserved, got %+v", sess.Transcript())
	}
}

func TestSession_SetProfileInvalid(t *testing.T) {
	sess := NewSession("user1", "tab-1")
	p := sess.Profile()
	p.Goal = "Get rich quick"
	if _, err := sess.SetProfile(p); err == nil {
		t.Fatal("Expected validation error")
	}
	if sess.Profile().Goal != domain.Goals[0] {
		t.Errorf("Expected profile unchanged after invalid update, got %q", sess.Profile().Goal)
	}
}

func TestSession_HistorySeedsNextExchange(t *testing.T) {
	canonical := []llm.Turn{
		{Role: "user", Text: "hello"},
		{Role: "model", Text: "hi"},
	}
	client := &fakeClient{exchange: &fakeExchange{
		fragments: []string{"hi"},
		history:   canonical,
	}}
	sess := NewSession("user1", "tab-1")

	stream, err := sess.Submit(context.Background(), client, "instruction", "hello")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := consume(t, stream); err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	stream, err = sess.Submit(context.Background(), client, "instruction", "more")
	if err != nil {
		t.Fatalf("Second submit failed: %v", err)
	}
	if _, err := consume(t, stream); err != nil {
		t.Fatalf("Second stream failed: %v", err)
	}

	if len(client.seeded) != 2 || client.seeded[1].Text != "hi" {
		t.Errorf("Expected second open seeded with canonical history, got %+v", client.seeded)
	}
}
