package campaign

import (
	"context"
	"fmt"
	"time"

	"github.com/BlackQuiet/server/internal/pkg/logger"
	"github.com/BlackQuiet/server/internal/relay"
	"github.com/BlackQuiet/server/internal/smtppool"
)

// Transport is one verified SMTP connection capable of sending a single
// message at a time.
type Transport interface {
	Send(msg *smtppool.Message) (time.Duration, error)
}

// TransportPool hands out verified transports keyed by relay endpoint.
// Satisfied by *smtppool.Pool via PoolAdapter.
type TransportPool interface {
	Acquire(ctx context.Context, r relay.Relay) (Transport, error)
}

// PoolAdapter adapts the concrete transport cache to the TransportPool
// interface the executor consumes.
type PoolAdapter struct {
	Pool *smtppool.Pool
}

func (a PoolAdapter) Acquire(ctx context.Context, r relay.Relay) (Transport, error) {
	t, err := a.Pool.Acquire(ctx, r)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// retryPassLimit caps how many retry-queue entries one campaign drains
// after its main loop. Deliberately small to avoid hammering a relay that
// was already flaky during the campaign.
const retryPassLimit = 5

// Executor drives one campaign from pending to a terminal state. Sends are
// strictly sequential in submitted recipient order; pacing between sends is
// the deliberate anti-spam delay and is not optional.
type Executor struct {
	c          *Campaign
	pool       TransportPool
	pers       *Personalizer
	mailerName string
	onDone     func(*Campaign)

	// retryDelay is the fixed inter-send delay of the retry pass.
	// Shortened in tests.
	retryDelay time.Duration
}

// NewExecutor wires an executor for one campaign. onDone runs exactly once
// after terminal bookkeeping, on the executor goroutine.
func NewExecutor(c *Campaign, pool TransportPool, pers *Personalizer, mailerName string, onDone func(*Campaign)) *Executor {
	return &Executor{
		c:          c,
		pool:       pool,
		pers:       pers,
		mailerName: mailerName,
		onDone:     onDone,
		retryDelay: 2 * time.Second,
	}
}

// Run executes the campaign to completion. Panics are contained: they mark
// the campaign errored without crashing the process.
func (e *Executor) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("campaign executor panic", "campaign", e.c.Config.ID, "panic", fmt.Sprintf("%v", r))
			e.c.appendLog(fmt.Sprintf("fatal: internal error: %v", r))
			e.c.setStatus(StatusError)
		}
		e.finish()
	}()

	if !e.c.setStatus(StatusRunning) {
		// Stopped before the first send.
		return
	}
	e.c.appendLog(fmt.Sprintf("campaign started: %d recipients, %d relays", len(e.c.Config.Recipients), len(e.c.Config.Relays)))
	logger.Info("campaign started", "campaign", e.c.Config.ID, "recipients", len(e.c.Config.Recipients))

	e.mainLoop(ctx)

	if e.c.Status() == StatusRunning {
		e.retryPass(ctx)
	}
}

func (e *Executor) mainLoop(ctx context.Context) {
	recipients := e.c.Config.Recipients
	for i, rcpt := range recipients {
		if e.c.Status() != StatusRunning {
			return
		}
		e.c.currentRecipient.Store(rcpt)

		if !e.attempt(ctx, rcpt, false) {
			return // no relay left: fatal, status already set
		}

		if i < len(recipients)-1 && e.c.Status() == StatusRunning {
			e.pace(e.c.Config.Delay())
		}
	}
}

// retryPass drains up to retryPassLimit transient failures collected during
// the main loop. Repeated failures are dropped, never re-enqueued.
func (e *Executor) retryPass(ctx context.Context) {
	n := len(e.c.retryQueue)
	if n == 0 {
		return
	}
	if n > retryPassLimit {
		n = retryPassLimit
	}
	e.c.appendLog(fmt.Sprintf("retry pass: %d of %d queued recipients", n, len(e.c.retryQueue)))

	for i := 0; i < n; i++ {
		if e.c.Status() != StatusRunning {
			return
		}
		rcpt := e.c.retryQueue[i]
		if !e.attempt(ctx, rcpt, true) {
			return
		}
		if i < n-1 {
			e.pace(e.retryDelay)
		}
	}
	e.c.retryQueue = e.c.retryQueue[n:]
}

// attempt performs one select/acquire/personalize/send cycle for a
// recipient. Returns false only on relay exhaustion, which is fatal to the
// campaign.
//
// Counter policy: main-loop attempts move sent (and success or failed).
// Retry attempts reclassify an earlier failure: success moves failed to
// success without touching sent, keeping sent = success + failed.
func (e *Executor) attempt(ctx context.Context, rcpt string, isRetry bool) bool {
	r, ok := e.c.Tracker.Select()
	if !ok {
		e.c.appendLog("fatal: no active relay available")
		logger.Error("campaign aborted, relay fleet exhausted", "campaign", e.c.Config.ID)
		e.c.setStatus(StatusError)
		return false
	}

	transport, err := e.pool.Acquire(ctx, r)
	if err != nil {
		e.recordFailure(rcpt, r, err, isRetry, false)
		return true
	}

	msg := e.buildMessage(rcpt, r)
	latency, err := transport.Send(msg)
	if err != nil {
		e.recordFailure(rcpt, r, err, isRetry, true)
		return true
	}

	e.c.Tracker.MarkSuccess(r.ID, latency)
	if isRetry {
		e.c.success.Add(1)
		e.c.failed.Add(-1)
	} else {
		e.c.success.Add(1)
		e.c.sent.Add(1)
	}
	e.c.appendLog(fmt.Sprintf("sent to %s via %s", rcpt, r.Name))
	logger.Debug("message sent", "campaign", e.c.Config.ID, "recipient", rcpt, "relay", r.Name)
	return true
}

// recordFailure books a failed attempt: tracker health, counters, error
// record, campaign log, and the retry queue for transient errors. fromSend
// distinguishes send failures from acquire failures for the log line.
func (e *Executor) recordFailure(rcpt string, r relay.Relay, err error, isRetry, fromSend bool) {
	e.c.Tracker.MarkFailure(r.ID, e.c.Config.MaxFailuresPerRelay)

	cls := relay.Classify(err)
	human := relay.HumanizeError(err)

	if !isRetry {
		e.c.failed.Add(1)
		e.c.sent.Add(1)
		// Only send failures queue for retry. A failed acquire already
		// marked the relay; redialing it for the same recipient within
		// the retry pass would just repeat the handshake failure.
		if fromSend && cls.Retryable {
			e.c.retryQueue = append(e.c.retryQueue, rcpt)
		}
	}

	e.c.recordError(ErrorRecord{
		Recipient: rcpt,
		Message:   human,
		Code:      cls.Code,
		RelayName: r.Name,
		Timestamp: time.Now(),
	})
	stage := "connect"
	if fromSend {
		stage = "send"
	}
	e.c.appendLog(fmt.Sprintf("failed %s to %s via %s: %s", stage, rcpt, r.Name, human))
	logger.Warn("send failed",
		"campaign", e.c.Config.ID,
		"recipient", rcpt,
		"relay", r.Name,
		"code", cls.Code,
		"retryable", cls.Retryable,
	)
}

// buildMessage personalizes content and assembles the outbound envelope
// and identification headers for one recipient.
func (e *Executor) buildMessage(rcpt string, r relay.Relay) *smtppool.Message {
	p := e.pers.Personalize(e.c.Config, rcpt, r.User)

	replyTo := e.c.Config.CustomReplyTo
	if replyTo == "" {
		replyTo = r.ReplyTo
	}
	if replyTo == "" {
		replyTo = r.User
	}

	return &smtppool.Message{
		From:         fmt.Sprintf("%s <%s>", p.FromName, r.User),
		EnvelopeFrom: r.User,
		To:           rcpt,
		ReplyTo:      replyTo,
		Subject:      p.Subject,
		Body:         p.Body,
		HTML:         e.c.Config.IsHTML,
		Headers: map[string]string{
			"X-Campaign-ID":         e.c.Config.ID,
			"X-Mailer":              e.mailerName,
			"List-Unsubscribe":      fmt.Sprintf("<%s>", e.pers.UnsubscribeURL(rcpt)),
			"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
		},
	}
}

// pace sleeps the pacing delay, waking early on a stop request.
func (e *Executor) pace(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-e.c.stopCh:
	}
}

// finish performs terminal bookkeeping exactly once, on the executor
// goroutine.
func (e *Executor) finish() {
	e.c.setStatus(StatusCompleted) // no-op when already terminal
	sent, success, failed := e.c.Counters()
	e.c.appendLog(fmt.Sprintf("campaign %s: %d sent, %d delivered, %d failed", e.c.Status(), sent, success, failed))
	logger.Info("campaign finished",
		"campaign", e.c.Config.ID,
		"status", string(e.c.Status()),
		"sent", sent,
		"success", success,
		"failed", failed,
	)
	e.c.currentRecipient.Store("<terminated>")
	if e.onDone != nil {
		e.onDone(e.c)
	}
}
