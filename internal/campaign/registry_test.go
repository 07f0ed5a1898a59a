package campaign

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/BlackQuiet/server/internal/config"
	"github.com/BlackQuiet/server/internal/relay"
)

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		MaxConcurrentCampaigns: 3,
		DefaultDelaySeconds:    0,
		DefaultDailyLimit:      500,
		MaxFailuresPerRelay:    3,
		RetentionHours:         2,
		ShutdownTimeoutSeconds: 5,
	}
}

func testTracking() config.TrackingConfig {
	return config.TrackingConfig{
		UnsubscribeBaseURL: "https://x.example.com/u",
		MailerName:         "test-mailer",
	}
}

// gatedPool blocks every Acquire until released, keeping executors active.
type gatedPool struct {
	gate      chan struct{}
	transport *stubTransport
}

func (g *gatedPool) Acquire(ctx context.Context, _ relay.Relay) (Transport, error) {
	select {
	case <-g.gate:
		return g.transport, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// cancelCheckPool blocks Acquire until released, then rejects it when the
// executor's context has been canceled.
type cancelCheckPool struct {
	gate      chan struct{}
	transport *stubTransport
}

func (p *cancelCheckPool) Acquire(ctx context.Context, _ relay.Relay) (Transport, error) {
	<-p.gate
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.transport, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition never became true")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRegistrySubmitAndComplete(t *testing.T) {
	reg := NewRegistry(testEngineConfig(), &stubPool{transport: newStubTransport()}, testTracking())

	id, err := reg.Submit(context.Background(), validSubmission())
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	c := reg.Get(id)
	if c == nil {
		t.Fatal("campaign not retained")
	}
	waitFor(t, func() bool { return c.Status().Terminal() })

	if c.Status() != StatusCompleted {
		t.Errorf("status = %s, want completed", c.Status())
	}
	waitFor(t, func() bool { return reg.ActiveCount() == 0 })
	if reg.Count() != 1 {
		t.Errorf("Count = %d, want 1 retained record", reg.Count())
	}
}

func TestRegistryExecutorOutlivesCallerContext(t *testing.T) {
	pool := &cancelCheckPool{gate: make(chan struct{}), transport: newStubTransport()}
	reg := NewRegistry(testEngineConfig(), pool, testTracking())

	ctx, cancel := context.WithCancel(context.Background())
	id, err := reg.Submit(ctx, validSubmission())
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	// An HTTP request context dies as soon as the response is written.
	// Every send of this campaign happens after that point, and all of
	// them must still go through.
	cancel()
	close(pool.gate)

	c := reg.Get(id)
	waitFor(t, func() bool { return c.Status().Terminal() })
	if c.Status() != StatusCompleted {
		t.Errorf("status = %s, want completed", c.Status())
	}
	_, success, failed := c.Counters()
	if success != 2 || failed != 0 {
		t.Errorf("success=%d failed=%d, want every recipient delivered", success, failed)
	}

	// A context already dead at submission is rejected up front.
	if _, err := reg.Submit(ctx, validSubmission()); err == nil {
		t.Error("submit with canceled context succeeded")
	}
}

func TestRegistryRejectsInvalidSubmission(t *testing.T) {
	reg := NewRegistry(testEngineConfig(), &stubPool{transport: newStubTransport()}, testTracking())

	_, err := reg.Submit(context.Background(), &Submission{})
	var vErr ErrValidation
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if len(vErr.Problems) == 0 {
		t.Error("no problems reported")
	}
	if reg.Count() != 0 {
		t.Error("rejected submission retained a record")
	}
}

func TestRegistryCapacity(t *testing.T) {
	cfg := testEngineConfig()
	cfg.MaxConcurrentCampaigns = 1
	gate := &gatedPool{gate: make(chan struct{}), transport: newStubTransport()}
	reg := NewRegistry(cfg, gate, testTracking())

	id, err := reg.Submit(context.Background(), validSubmission())
	if err != nil {
		t.Fatalf("first submit failed: %v", err)
	}

	_, err = reg.Submit(context.Background(), validSubmission())
	var cErr ErrCapacity
	if !errors.As(err, &cErr) {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}
	if cErr.Max != 1 {
		t.Errorf("ErrCapacity.Max = %d", cErr.Max)
	}

	close(gate.gate)
	waitFor(t, func() bool { return reg.Get(id).Status().Terminal() })
	waitFor(t, func() bool { return reg.ActiveCount() == 0 })

	// Slot freed, the next submission is admitted.
	if _, err := reg.Submit(context.Background(), validSubmission()); err != nil {
		t.Errorf("submit after drain failed: %v", err)
	}
}

func TestRegistryStop(t *testing.T) {
	gate := &gatedPool{gate: make(chan struct{}), transport: newStubTransport()}
	reg := NewRegistry(testEngineConfig(), gate, testTracking())

	id, err := reg.Submit(context.Background(), validSubmission())
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	c := reg.Get(id)
	waitFor(t, func() bool { return c.Status() == StatusRunning })

	if !reg.Stop(id) {
		t.Error("stop on running campaign returned false")
	}
	// Release the in-flight acquire so the executor can observe the stop.
	close(gate.gate)
	waitFor(t, func() bool { return reg.ActiveCount() == 0 })

	if c.Status() != StatusStopped {
		t.Errorf("status = %s, want stopped", c.Status())
	}

	// Terminal and unknown stops are no-ops.
	if reg.Stop(id) {
		t.Error("stop on terminal campaign returned true")
	}
	if reg.Stop("campaign_0_doesnotexist") {
		t.Error("stop on unknown id returned true")
	}
}

func TestRegistryIDFormat(t *testing.T) {
	reg := NewRegistry(testEngineConfig(), &stubPool{transport: newStubTransport()}, testTracking())

	re := regexp.MustCompile(`^campaign_\d+_[a-z0-9]{9}$`)
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := reg.newID()
		if !re.MatchString(id) {
			t.Fatalf("malformed id: %s", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id: %s", id)
		}
		seen[id] = true
	}
}

func TestRegistryGC(t *testing.T) {
	reg := NewRegistry(testEngineConfig(), &stubPool{transport: newStubTransport()}, testTracking())

	id, err := reg.Submit(context.Background(), validSubmission())
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	c := reg.Get(id)
	waitFor(t, func() bool { return c.Status().Terminal() })

	// Fresh terminal record survives the sweep.
	reg.GC()
	if reg.Get(id) == nil {
		t.Fatal("record collected inside the retention window")
	}

	// Age it past retention.
	c.StartTime = time.Now().Add(-3 * time.Hour)
	reg.GC()
	if reg.Get(id) != nil {
		t.Error("stale terminal record not collected")
	}
}

func TestRegistryDefaultsApplied(t *testing.T) {
	reg := NewRegistry(testEngineConfig(), &stubPool{transport: newStubTransport()}, testTracking())

	sub := validSubmission()
	sub.CustomSubjects = []string{"ignored"} // UseCustomSubjects is false
	cfg := reg.buildConfig(sub)

	if cfg.DelaySeconds != 0 {
		t.Errorf("delay = %d, want engine default", cfg.DelaySeconds)
	}
	if cfg.MaxFailuresPerRelay != 3 {
		t.Errorf("maxFailures = %d, want engine default 3", cfg.MaxFailuresPerRelay)
	}
	if cfg.CustomSubjects != nil {
		t.Error("custom subjects kept despite disabled flag")
	}

	delay := 9
	sub.DelayBetweenEmails = &delay
	sub.UseCustomSubjects = true
	sub.MaxFailuresPerServer = 7
	cfg = reg.buildConfig(sub)
	if cfg.DelaySeconds != 9 || cfg.MaxFailuresPerRelay != 7 {
		t.Errorf("overrides lost: delay=%d maxFailures=%d", cfg.DelaySeconds, cfg.MaxFailuresPerRelay)
	}
	if len(cfg.CustomSubjects) != 1 {
		t.Error("custom subjects dropped despite enabled flag")
	}
}

func TestRegistryShutdownDrains(t *testing.T) {
	gate := &gatedPool{gate: make(chan struct{}), transport: newStubTransport()}
	reg := NewRegistry(testEngineConfig(), gate, testTracking())

	id, err := reg.Submit(context.Background(), validSubmission())
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	waitFor(t, func() bool { return reg.Get(id).Status() == StatusRunning })

	close(gate.gate)
	if err := reg.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
	if !reg.Get(id).Status().Terminal() {
		t.Error("campaign not terminal after shutdown")
	}
	if reg.ActiveCount() != 0 {
		t.Error("active executors after shutdown")
	}
}

func TestRegistryStats(t *testing.T) {
	reg := NewRegistry(testEngineConfig(), &stubPool{transport: newStubTransport()}, testTracking())

	id, err := reg.Submit(context.Background(), validSubmission())
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	waitFor(t, func() bool { return reg.Get(id).Status().Terminal() })

	s := reg.Stats()
	if s.Total != 1 || s.Completed != 1 {
		t.Errorf("stats = %+v", s)
	}
	if s.Sent != 2 || s.Success != 2 || s.Failed != 0 {
		t.Errorf("counter aggregates = %+v", s)
	}
}
