package relay

import (
	"sort"
	"sync"
	"time"
)

// Tracker keeps the rotation state of one campaign's relay fleet and picks
// the next relay to send through. It is private to a single campaign; the
// mutex only guards against the status endpoint reading a snapshot while
// the executor mutates.
type Tracker struct {
	mu     sync.Mutex
	relays []*RuntimeState

	// now is swappable for tests.
	now func() time.Time
}

// NewTracker builds a tracker from the campaign's relay list. All relays
// start active with zeroed counters.
func NewTracker(relays []Relay) *Tracker {
	t := &Tracker{now: time.Now}
	for _, r := range relays {
		t.relays = append(t.relays, &RuntimeState{Relay: r, Active: true})
	}
	return t
}

// Select returns the next relay to use, or false when every relay is
// deactivated or at its daily cap.
//
// Selection order: expire cooldowns, filter to active relays under their
// daily cap, then take the minimum of (failure count, sent count, response
// time). Ties keep submission order, so two calls with no intervening
// state change return the same relay.
func (t *Tracker) Select() (Relay, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()

	// Cooldown expiry: a deactivated relay is reinstated after 30 minutes.
	for _, rs := range t.relays {
		if !rs.Active && rs.LastFailure != nil && now.Sub(*rs.LastFailure) >= CooldownPeriod {
			rs.Active = true
			rs.FailureCount = 0
		}
	}

	candidates := make([]*RuntimeState, 0, len(t.relays))
	for _, rs := range t.relays {
		if rs.Active && rs.SentCount < rs.Relay.EffectiveDailyLimit() {
			candidates = append(candidates, rs)
		}
	}
	if len(candidates) == 0 {
		return Relay{}, false
	}

	// SliceStable keeps submission order for ties.
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.FailureCount != b.FailureCount {
			return a.FailureCount < b.FailureCount
		}
		if a.SentCount != b.SentCount {
			return a.SentCount < b.SentCount
		}
		return a.ResponseTime < b.ResponseTime
	})

	return candidates[0].Relay, true
}

// MarkSuccess records a delivered message through the relay. A recent
// success restores trust gradually: the failure count decays by one.
func (t *Tracker) MarkSuccess(relayID string, responseTime time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rs := t.find(relayID)
	if rs == nil {
		return
	}
	now := t.now()
	rs.SentCount++
	rs.LastUsed = &now
	if responseTime > 0 {
		rs.ResponseTime = responseTime
	}
	if rs.FailureCount > 0 {
		rs.FailureCount--
	}
}

// MarkFailure records a failed send. Once the failure count reaches
// maxFailures the relay is deactivated until cooldown expiry.
func (t *Tracker) MarkFailure(relayID string, maxFailures int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rs := t.find(relayID)
	if rs == nil {
		return
	}
	now := t.now()
	rs.FailureCount++
	rs.LastFailure = &now
	if rs.FailureCount >= maxFailures {
		rs.Active = false
	}
}

// Snapshot returns a point-in-time copy of every relay's runtime state
// for status reporting.
func (t *Tracker) Snapshot() []RuntimeState {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]RuntimeState, len(t.relays))
	for i, rs := range t.relays {
		out[i] = *rs
	}
	return out
}

// ActiveCount returns how many relays are currently selectable.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, rs := range t.relays {
		if rs.Active && rs.SentCount < rs.Relay.EffectiveDailyLimit() {
			n++
		}
	}
	return n
}

func (t *Tracker) find(relayID string) *RuntimeState {
	for _, rs := range t.relays {
		if rs.Relay.ID == relayID {
			return rs
		}
	}
	return nil
}
