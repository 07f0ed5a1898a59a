// Package campaign implements the campaign execution engine: the lifecycle
// state machine, the per-recipient pacing loop, personalization, retry
// handling and the process-wide registry.
package campaign

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/BlackQuiet/server/internal/relay"
)

// Status is the campaign lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
	StatusError     Status = "error"
)

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusStopped || s == StatusError
}

// Config is the immutable-once-started portion of a campaign. The executor
// and the status endpoint both read it freely without locking.
type Config struct {
	ID                  string
	Recipients          []string
	SubjectTemplate     string
	BodyTemplate        string
	IsHTML              bool
	DelaySeconds        int
	UseRotation         bool
	RotationFrequency   int
	CustomSubjects      []string
	CustomSenders       []string
	CustomReplyTo       string
	MaxFailuresPerRelay int
	Relays              []relay.Relay
	Priority            string
}

// Delay returns the pacing delay between sends.
func (c Config) Delay() time.Duration {
	return time.Duration(c.DelaySeconds) * time.Second
}

// ErrorRecord captures one failed send for operator inspection.
type ErrorRecord struct {
	Recipient string    `json:"recipient"`
	Message   string    `json:"message"`
	Code      string    `json:"code,omitempty"`
	RelayName string    `json:"relayName,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// logRingCap bounds the in-memory campaign log. The status endpoint only
// ever surfaces the most recent lines, older ones age out.
const logRingCap = 500

// Campaign is one live campaign record. The executor goroutine owns the
// mutable state; status readers compose a snapshot from the atomic counter
// group, the log ring and the immutable config without blocking the
// executor.
type Campaign struct {
	Config  Config
	Tracker *relay.Tracker

	// StartTime is written once, at construction. Snapshot and the
	// registry GC read it without a lock.
	StartTime time.Time

	// Counter group. Monotone non-decreasing; sent = success + failed.
	sent    atomic.Int64
	success atomic.Int64
	failed  atomic.Int64

	status           atomic.Value // Status
	currentRecipient atomic.Value // string

	// statusMu serializes status transitions so terminal states are
	// absorbing even under racing Stop calls.
	statusMu sync.Mutex

	// stopCh interrupts the executor's pacing sleep. Closed exactly once.
	stopCh   chan struct{}
	stopOnce sync.Once

	logMu   sync.Mutex
	logRing []string // bounded ring, oldest first

	errMu  sync.Mutex
	errors []ErrorRecord

	// retryQueue is only touched by the executor goroutine.
	retryQueue []string
}

// newCampaign constructs a pending record.
func newCampaign(cfg Config) *Campaign {
	c := &Campaign{
		Config:    cfg,
		Tracker:   relay.NewTracker(cfg.Relays),
		StartTime: time.Now(),
		stopCh:    make(chan struct{}),
	}
	c.status.Store(StatusPending)
	c.currentRecipient.Store("")
	return c
}

// Status returns the current lifecycle state.
func (c *Campaign) Status() Status {
	return c.status.Load().(Status)
}

// setStatus transitions the campaign, refusing to leave a terminal state.
func (c *Campaign) setStatus(s Status) bool {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	if c.Status().Terminal() {
		return false
	}
	c.status.Store(s)
	return true
}

// requestStop marks the campaign stopped and wakes the executor out of its
// pacing sleep. Returns false when the campaign is already terminal.
func (c *Campaign) requestStop() bool {
	if !c.setStatus(StatusStopped) {
		return false
	}
	c.stopOnce.Do(func() { close(c.stopCh) })
	return true
}

// Counters returns the (sent, success, failed) triple. Readers may observe
// a torn combination across the three fields; each individual value is
// consistent.
func (c *Campaign) Counters() (sent, success, failed int64) {
	return c.sent.Load(), c.success.Load(), c.failed.Load()
}

// CurrentRecipient returns the recipient currently being processed.
func (c *Campaign) CurrentRecipient() string {
	return c.currentRecipient.Load().(string)
}

// appendLog adds a line to the bounded log ring.
func (c *Campaign) appendLog(line string) {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	c.logRing = append(c.logRing, time.Now().Format("15:04:05")+" "+line)
	if len(c.logRing) > logRingCap {
		c.logRing = c.logRing[len(c.logRing)-logRingCap:]
	}
}

// recentLogs returns up to n of the newest log lines, oldest first.
func (c *Campaign) recentLogs(n int) []string {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	if len(c.logRing) <= n {
		return append([]string(nil), c.logRing...)
	}
	return append([]string(nil), c.logRing[len(c.logRing)-n:]...)
}

// recordError retains a failed send. The full list lives until campaign GC;
// status responses surface only the newest entries.
func (c *Campaign) recordError(rec ErrorRecord) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	c.errors = append(c.errors, rec)
}

// recentErrors returns up to n of the newest error records, oldest first.
func (c *Campaign) recentErrors(n int) []ErrorRecord {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if len(c.errors) <= n {
		return append([]ErrorRecord(nil), c.errors...)
	}
	return append([]ErrorRecord(nil), c.errors[len(c.errors)-n:]...)
}

// Snapshot is the status-endpoint view of a campaign.
type Snapshot struct {
	ID                   string        `json:"id"`
	Status               Status        `json:"status"`
	TotalRecipients      int           `json:"totalRecipients"`
	Sent                 int64         `json:"sent"`
	Success              int64         `json:"success"`
	Failed               int64         `json:"failed"`
	CurrentRecipient     string        `json:"currentRecipient"`
	StartTime            time.Time     `json:"startTime"`
	SpeedPerMinute       float64       `json:"speedPerMinute"`
	Remaining            int64         `json:"remaining"`
	EstimatedTimeMinutes int64         `json:"estimatedTimeMinutes"`
	Logs                 []string      `json:"logs"`
	Errors               []ErrorRecord `json:"errors"`
}

// Snapshot composes a point-in-time view. Derived metrics are recomputed
// from the counters here rather than stored, so readers never block the
// executor.
func (c *Campaign) Snapshot() Snapshot {
	sent, success, failed := c.Counters()
	remaining := int64(len(c.Config.Recipients)) - sent
	if remaining < 0 {
		remaining = 0
	}

	elapsed := time.Since(c.StartTime).Minutes()
	var speed float64
	if elapsed > 0 {
		speed = float64(sent) / elapsed
	}
	var eta int64
	if speed > 0 && remaining > 0 {
		eta = int64(float64(remaining)/speed + 0.999999)
	}

	return Snapshot{
		ID:                   c.Config.ID,
		Status:               c.Status(),
		TotalRecipients:      len(c.Config.Recipients),
		Sent:                 sent,
		Success:              success,
		Failed:               failed,
		CurrentRecipient:     c.CurrentRecipient(),
		StartTime:            c.StartTime,
		SpeedPerMinute:       speed,
		Remaining:            remaining,
		EstimatedTimeMinutes: eta,
		Logs:                 c.recentLogs(50),
		Errors:               c.recentErrors(10),
	}
}
