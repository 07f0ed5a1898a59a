package campaign

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/BlackQuiet/server/internal/config"
	"github.com/BlackQuiet/server/internal/pkg/logger"
)

// ErrCapacity is returned when the concurrent-campaign cap is reached.
type ErrCapacity struct{ Max int }

func (e ErrCapacity) Error() string {
	return fmt.Sprintf("maximum of %d concurrent campaigns reached", e.Max)
}

// ErrValidation carries the accumulated structural problems of a rejected
// submission.
type ErrValidation struct{ Problems []string }

func (e ErrValidation) Error() string {
	return "invalid campaign submission: " + strings.Join(e.Problems, "; ")
}

// Registry owns every campaign record in the process. It enforces the
// concurrency cap, assigns IDs, starts executors and garbage-collects
// terminal records after the retention window.
type Registry struct {
	cfg        config.EngineConfig
	pool       TransportPool
	pers       func() *Personalizer // fresh personalizer per executor
	mailerName string

	mu        sync.RWMutex
	campaigns map[string]*Campaign
	active    int // pending + running executors

	cron *cron.Cron
	wg   sync.WaitGroup

	// baseCtx bounds every executor's lifetime. Campaigns must outlive the
	// HTTP request that submitted them, so executors never run on a request
	// context; baseCtx is only canceled by Shutdown.
	baseCtx context.Context
	cancel  context.CancelFunc

	idRand *rand.Rand
	idMu   sync.Mutex
}

// NewRegistry creates an empty registry. Call StartGC to begin the hourly
// retention sweep.
func NewRegistry(cfg config.EngineConfig, pool TransportPool, tracking config.TrackingConfig) *Registry {
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:  cfg,
		pool: pool,
		pers: func() *Personalizer {
			return NewPersonalizer(tracking.UnsubscribeBaseURL, time.Now().UnixNano())
		},
		mailerName: tracking.MailerName,
		campaigns:  make(map[string]*Campaign),
		baseCtx:    baseCtx,
		cancel:     cancel,
		idRand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Submit validates a submission, admits it under the concurrency cap and
// starts its executor. Returns the assigned campaign ID.
func (r *Registry) Submit(ctx context.Context, sub *Submission) (string, error) {
	// The caller's context gates admission only; once admitted, the
	// executor runs on the registry's own lifetime context.
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if problems := ValidateSubmission(sub); len(problems) > 0 {
		return "", ErrValidation{Problems: problems}
	}

	cfg := r.buildConfig(sub)

	r.mu.Lock()
	if r.active >= r.cfg.MaxConcurrentCampaigns {
		r.mu.Unlock()
		return "", ErrCapacity{Max: r.cfg.MaxConcurrentCampaigns}
	}
	c := newCampaign(cfg)
	r.campaigns[cfg.ID] = c
	r.active++
	r.mu.Unlock()

	exec := NewExecutor(c, r.pool, r.pers(), r.mailerName, func(done *Campaign) {
		r.mu.Lock()
		r.active--
		r.mu.Unlock()
		r.wg.Done()
	})

	r.wg.Add(1)
	go exec.Run(r.baseCtx)

	logger.Info("campaign admitted", "campaign", cfg.ID, "recipients", len(cfg.Recipients))
	return cfg.ID, nil
}

// buildConfig freezes a validated submission into the immutable campaign
// config, applying engine defaults.
func (r *Registry) buildConfig(sub *Submission) Config {
	delay := r.cfg.DefaultDelaySeconds
	if sub.DelayBetweenEmails != nil && *sub.DelayBetweenEmails >= 0 {
		delay = *sub.DelayBetweenEmails
	}
	maxFailures := sub.MaxFailuresPerServer
	if maxFailures <= 0 {
		maxFailures = r.cfg.MaxFailuresPerRelay
	}

	customSubjects := sub.CustomSubjects
	if !sub.UseCustomSubjects {
		customSubjects = nil
	}
	customSenders := sub.CustomSenders
	if !sub.UseCustomSenders {
		customSenders = nil
	}

	return Config{
		ID:                  r.newID(),
		Recipients:          append([]string(nil), sub.Recipients...),
		SubjectTemplate:     sub.Subject,
		BodyTemplate:        sub.Content,
		IsHTML:              sub.IsHTML,
		DelaySeconds:        delay,
		UseRotation:         sub.UseSMTPRotation,
		RotationFrequency:   sub.RotationFrequency,
		CustomSubjects:      customSubjects,
		CustomSenders:       customSenders,
		CustomReplyTo:       sub.CustomReplyTo,
		MaxFailuresPerRelay: maxFailures,
		Relays:              sub.relays(),
		Priority:            sub.Priority,
	}
}

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// newID allocates a campaign ID of the form campaign_<epoch_ms>_<random9>.
func (r *Registry) newID() string {
	r.idMu.Lock()
	defer r.idMu.Unlock()
	b := make([]byte, 9)
	for i := range b {
		b[i] = idAlphabet[r.idRand.Intn(len(idAlphabet))]
	}
	return fmt.Sprintf("campaign_%d_%s", time.Now().UnixMilli(), string(b))
}

// Get returns the campaign record, or nil when unknown.
func (r *Registry) Get(id string) *Campaign {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.campaigns[id]
}

// Stop requests a cooperative stop. Returns true when a transition
// occurred; stopping an unknown or already terminal campaign is a no-op
// returning false.
func (r *Registry) Stop(id string) bool {
	c := r.Get(id)
	if c == nil {
		return false
	}
	if !c.requestStop() {
		return false
	}
	c.appendLog("stop requested by operator")
	logger.Info("campaign stop requested", "campaign", id)
	return true
}

// Stats aggregates counters across all live records.
type Stats struct {
	Total     int   `json:"total"`
	Running   int   `json:"running"`
	Pending   int   `json:"pending"`
	Completed int   `json:"completed"`
	Stopped   int   `json:"stopped"`
	Errored   int   `json:"errored"`
	Sent      int64 `json:"sent"`
	Success   int64 `json:"success"`
	Failed    int64 `json:"failed"`
}

// Stats returns the aggregate over every retained campaign.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var s Stats
	s.Total = len(r.campaigns)
	for _, c := range r.campaigns {
		switch c.Status() {
		case StatusRunning:
			s.Running++
		case StatusPending:
			s.Pending++
		case StatusCompleted:
			s.Completed++
		case StatusStopped:
			s.Stopped++
		case StatusError:
			s.Errored++
		}
		sent, success, failed := c.Counters()
		s.Sent += sent
		s.Success += success
		s.Failed += failed
	}
	return s
}

// ActiveCount returns the number of admitted, not-yet-finished campaigns.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Count returns the number of retained campaign records.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.campaigns)
}

// StartGC begins the hourly retention sweep.
func (r *Registry) StartGC() {
	if r.cron != nil {
		return
	}
	r.cron = cron.New()
	r.cron.AddFunc("@hourly", r.GC)
	r.cron.Start()
}

// GC deletes terminal records older than the retention window.
func (r *Registry) GC() {
	cutoff := time.Now().Add(-r.cfg.Retention())

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.campaigns {
		if c.Status().Terminal() && c.StartTime.Before(cutoff) {
			delete(r.campaigns, id)
			logger.Debug("campaign record collected", "campaign", id)
		}
	}
}

// Shutdown signals every executor to stop and waits for them to drain,
// bounded by the engine's shutdown timeout.
func (r *Registry) Shutdown(ctx context.Context) error {
	if r.cron != nil {
		r.cron.Stop()
	}

	r.mu.RLock()
	for _, c := range r.campaigns {
		c.requestStop()
	}
	r.mu.RUnlock()

	// Unblock executors stuck mid-dial.
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(r.cfg.ShutdownTimeout()):
		return fmt.Errorf("campaign executors did not drain within %s", r.cfg.ShutdownTimeout())
	case <-ctx.Done():
		return ctx.Err()
	}
}
