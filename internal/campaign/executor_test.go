package campaign

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/BlackQuiet/server/internal/relay"
	"github.com/BlackQuiet/server/internal/smtppool"
)

// stubTransport scripts per-recipient outcomes. The first error queued for a
// recipient is consumed by the first send attempt; later attempts succeed.
type stubTransport struct {
	mu       sync.Mutex
	failures map[string][]error
	sent     []*smtppool.Message
}

func newStubTransport() *stubTransport {
	return &stubTransport{failures: make(map[string][]error)}
}

func (s *stubTransport) failOnce(recipient string, err error) {
	s.failures[recipient] = append(s.failures[recipient], err)
}

func (s *stubTransport) Send(msg *smtppool.Message) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if errs := s.failures[msg.To]; len(errs) > 0 {
		s.failures[msg.To] = errs[1:]
		return time.Millisecond, errs[0]
	}
	s.sent = append(s.sent, msg)
	return time.Millisecond, nil
}

func (s *stubTransport) sentTo() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	for i, m := range s.sent {
		out[i] = m.To
	}
	return out
}

// stubPool hands the same transport to every relay, optionally failing
// acquisition for specific relay IDs.
type stubPool struct {
	transport  *stubTransport
	acquireErr map[string]error
}

func (s *stubPool) Acquire(_ context.Context, r relay.Relay) (Transport, error) {
	if err := s.acquireErr[r.ID]; err != nil {
		return nil, err
	}
	return s.transport, nil
}

func testCampaignConfig(recipients []string, relays []relay.Relay) Config {
	return Config{
		ID:                  "campaign_1_testtestt",
		Recipients:          recipients,
		SubjectTemplate:     "Subject for {{name}}",
		BodyTemplate:        "Body for {{email}}",
		DelaySeconds:        0,
		MaxFailuresPerRelay: 3,
		Relays:              relays,
	}
}

func runExecutor(t *testing.T, c *Campaign, pool TransportPool) {
	t.Helper()
	done := make(chan struct{})
	exec := NewExecutor(c, pool, NewPersonalizer("https://x.example.com/u", 1), "test-mailer", func(*Campaign) {
		close(done)
	})
	exec.retryDelay = 0

	go exec.Run(context.Background())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("executor did not finish")
	}
}

func TestExecutorHappyPath(t *testing.T) {
	st := newStubTransport()
	relays := []relay.Relay{{ID: "r1", Name: "main", Host: "h", Port: 587, User: "u@example.com"}}
	c := newCampaign(testCampaignConfig([]string{"a@example.com", "b@example.com", "c@example.com"}, relays))

	runExecutor(t, c, &stubPool{transport: st})

	if c.Status() != StatusCompleted {
		t.Fatalf("status = %s, want completed", c.Status())
	}
	sent, success, failed := c.Counters()
	if sent != 3 || success != 3 || failed != 0 {
		t.Errorf("counters = (%d, %d, %d), want (3, 3, 0)", sent, success, failed)
	}
	if got := st.sentTo(); len(got) != 3 || got[0] != "a@example.com" || got[2] != "c@example.com" {
		t.Errorf("send order wrong: %v", got)
	}
	if c.CurrentRecipient() != "<terminated>" {
		t.Errorf("current recipient = %q", c.CurrentRecipient())
	}
}

func TestExecutorPreservesConstructionStartTime(t *testing.T) {
	st := newStubTransport()
	relays := []relay.Relay{{ID: "r1", Name: "main", Host: "h", Port: 587, User: "u@example.com"}}
	c := newCampaign(testCampaignConfig([]string{"a@example.com"}, relays))
	started := c.StartTime

	// StartTime is written exactly once, at construction. Snapshot and the
	// GC sweep read it without a lock, so the executor must never write it.
	runExecutor(t, c, &stubPool{transport: st})

	if !c.StartTime.Equal(started) {
		t.Errorf("StartTime rewritten during run: %v -> %v", started, c.StartTime)
	}
	if snap := c.Snapshot(); !snap.StartTime.Equal(started) {
		t.Errorf("snapshot StartTime = %v, want %v", snap.StartTime, started)
	}
}

func TestExecutorRetriesTransientFailure(t *testing.T) {
	st := newStubTransport()
	st.failOnce("b@example.com", &smtp.SMTPError{Code: 421, Message: "try again later"})
	relays := []relay.Relay{{ID: "r1", Name: "main", Host: "h", Port: 587, User: "u@example.com"}}
	c := newCampaign(testCampaignConfig([]string{"a@example.com", "b@example.com"}, relays))

	runExecutor(t, c, &stubPool{transport: st})

	if c.Status() != StatusCompleted {
		t.Fatalf("status = %s, want completed", c.Status())
	}
	// The retry reclassifies the earlier failure: sent stays at the
	// recipient count, the failed send moves to success.
	sent, success, failed := c.Counters()
	if sent != 2 || success != 2 || failed != 0 {
		t.Errorf("counters = (%d, %d, %d), want (2, 2, 0)", sent, success, failed)
	}
	if len(c.retryQueue) != 0 {
		t.Errorf("retry queue not drained: %v", c.retryQueue)
	}
}

func TestExecutorPermanentFailureNotRetried(t *testing.T) {
	st := newStubTransport()
	st.failOnce("b@example.com", &smtp.SMTPError{Code: 550, Message: "no such user"})
	relays := []relay.Relay{{ID: "r1", Name: "main", Host: "h", Port: 587, User: "u@example.com"}}
	c := newCampaign(testCampaignConfig([]string{"a@example.com", "b@example.com"}, relays))

	runExecutor(t, c, &stubPool{transport: st})

	if c.Status() != StatusCompleted {
		t.Fatalf("status = %s, want completed", c.Status())
	}
	sent, success, failed := c.Counters()
	if sent != 2 || success != 1 || failed != 1 {
		t.Errorf("counters = (%d, %d, %d), want (2, 1, 1)", sent, success, failed)
	}

	errs := c.recentErrors(10)
	if len(errs) != 1 {
		t.Fatalf("expected 1 error record, got %d", len(errs))
	}
	if errs[0].Recipient != "b@example.com" || errs[0].Code != "SMTP550" {
		t.Errorf("error record = %+v", errs[0])
	}
}

func TestExecutorRelayExhaustionIsFatal(t *testing.T) {
	st := newStubTransport()
	relays := []relay.Relay{{ID: "r1", Name: "only", Host: "h", Port: 587, User: "u@example.com"}}
	pool := &stubPool{
		transport:  st,
		acquireErr: map[string]error{"r1": &relay.TransportError{Code: relay.CodeConnRefused, Err: context.DeadlineExceeded}},
	}
	// MaxFailuresPerRelay 1: the first acquire failure deactivates the
	// only relay, the next attempt finds no candidate.
	cfg := testCampaignConfig([]string{"a@example.com", "b@example.com"}, relays)
	cfg.MaxFailuresPerRelay = 1
	c := newCampaign(cfg)

	runExecutor(t, c, pool)

	if c.Status() != StatusError {
		t.Fatalf("status = %s, want error", c.Status())
	}
	sent, success, failed := c.Counters()
	if sent != 1 || success != 0 || failed != 1 {
		t.Errorf("counters = (%d, %d, %d), want (1, 0, 1)", sent, success, failed)
	}
}

func TestExecutorStopBeforeStart(t *testing.T) {
	st := newStubTransport()
	relays := []relay.Relay{{ID: "r1", Name: "main", Host: "h", Port: 587, User: "u@example.com"}}
	c := newCampaign(testCampaignConfig([]string{"a@example.com"}, relays))
	c.requestStop()

	runExecutor(t, c, &stubPool{transport: st})

	if c.Status() != StatusStopped {
		t.Fatalf("status = %s, want stopped", c.Status())
	}
	if len(st.sentTo()) != 0 {
		t.Error("stopped campaign still sent mail")
	}
}

func TestExecutorStopInterruptsPacing(t *testing.T) {
	st := newStubTransport()
	relays := []relay.Relay{{ID: "r1", Name: "main", Host: "h", Port: 587, User: "u@example.com"}}
	cfg := testCampaignConfig([]string{"a@example.com", "b@example.com"}, relays)
	cfg.DelaySeconds = 30
	c := newCampaign(cfg)

	done := make(chan struct{})
	exec := NewExecutor(c, &stubPool{transport: st}, NewPersonalizer("https://x.example.com/u", 1), "test-mailer", func(*Campaign) {
		close(done)
	})
	go exec.Run(context.Background())

	// Wait for the first send, then stop mid-pacing.
	deadline := time.After(5 * time.Second)
	for len(st.sentTo()) == 0 {
		select {
		case <-deadline:
			t.Fatal("first send never happened")
		case <-time.After(5 * time.Millisecond):
		}
	}
	c.requestStop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not interrupt the pacing sleep")
	}
	if c.Status() != StatusStopped {
		t.Fatalf("status = %s, want stopped", c.Status())
	}
	if got := st.sentTo(); len(got) != 1 {
		t.Errorf("sends after stop: %v", got)
	}
}

func TestExecutorRetryPassCap(t *testing.T) {
	st := newStubTransport()
	recipients := make([]string, 8)
	for i := range recipients {
		recipients[i] = string(rune('a'+i)) + "@example.com"
		st.failOnce(recipients[i], &smtp.SMTPError{Code: 451, Message: "local error"})
	}
	relays := []relay.Relay{{ID: "r1", Name: "main", Host: "h", Port: 587, User: "u@example.com", DailyLimit: 100}}
	cfg := testCampaignConfig(recipients, relays)
	cfg.MaxFailuresPerRelay = 100 // keep the relay alive through all failures
	c := newCampaign(cfg)

	runExecutor(t, c, &stubPool{transport: st})

	// All 8 queued, only 5 retried.
	sent, success, failed := c.Counters()
	if sent != 8 || success != 5 || failed != 3 {
		t.Errorf("counters = (%d, %d, %d), want (8, 5, 3)", sent, success, failed)
	}
	if len(c.retryQueue) != 3 {
		t.Errorf("retry queue = %v, want 3 leftover", c.retryQueue)
	}
}

func TestExecutorBuildsIdentificationHeaders(t *testing.T) {
	st := newStubTransport()
	relays := []relay.Relay{{ID: "r1", Name: "main", Host: "h", Port: 587, User: "u@example.com"}}
	cfg := testCampaignConfig([]string{"a@example.com"}, relays)
	cfg.CustomReplyTo = "replies@example.com"
	cfg.IsHTML = true
	c := newCampaign(cfg)

	runExecutor(t, c, &stubPool{transport: st})

	msgs := st.sent
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	m := msgs[0]
	if m.Headers["X-Campaign-ID"] != cfg.ID {
		t.Errorf("X-Campaign-ID = %q", m.Headers["X-Campaign-ID"])
	}
	if m.Headers["X-Mailer"] != "test-mailer" {
		t.Errorf("X-Mailer = %q", m.Headers["X-Mailer"])
	}
	if m.Headers["List-Unsubscribe-Post"] != "List-Unsubscribe=One-Click" {
		t.Errorf("List-Unsubscribe-Post = %q", m.Headers["List-Unsubscribe-Post"])
	}
	if m.ReplyTo != "replies@example.com" {
		t.Errorf("ReplyTo = %q", m.ReplyTo)
	}
	if !m.HTML {
		t.Error("HTML flag lost")
	}
	if m.EnvelopeFrom != "u@example.com" {
		t.Errorf("EnvelopeFrom = %q", m.EnvelopeFrom)
	}
}
