package relay

import "time"

// DefaultDailyLimit caps sends per relay per campaign when the operator
// does not provide one.
const DefaultDailyLimit = 500

// CooldownPeriod is how long a deactivated relay sits out before it is
// reconsidered for selection.
const CooldownPeriod = 30 * time.Minute

// Relay describes one outbound SMTP server as submitted by the operator.
type Relay struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	User       string `json:"user"`
	Secret     string `json:"secret"`
	ReplyTo    string `json:"replyTo,omitempty"`
	DailyLimit int    `json:"dailyLimit,omitempty"`
}

// EffectiveDailyLimit returns the relay's daily cap, defaulted.
func (r Relay) EffectiveDailyLimit() int {
	if r.DailyLimit > 0 {
		return r.DailyLimit
	}
	return DefaultDailyLimit
}

// TLSMode describes how the transport negotiates TLS for a relay.
type TLSMode int

const (
	// TLSImplicit wraps the TCP connection in TLS before SMTP starts (port 465).
	TLSImplicit TLSMode = iota
	// TLSRequired demands a successful STARTTLS upgrade (port 587).
	TLSRequired
	// TLSOpportunistic upgrades via STARTTLS when offered, plaintext otherwise.
	TLSOpportunistic
)

// TLSModeFor derives the TLS negotiation mode from the relay port.
func TLSModeFor(port int) TLSMode {
	switch port {
	case 465:
		return TLSImplicit
	case 587:
		return TLSRequired
	default:
		return TLSOpportunistic
	}
}

// RuntimeState is the per-campaign health bookkeeping for one relay.
type RuntimeState struct {
	Relay        Relay      `json:"relay"`
	Active       bool       `json:"active"`
	FailureCount int        `json:"failureCount"`
	SentCount    int        `json:"sentCount"`
	LastUsed     *time.Time `json:"lastUsed,omitempty"`
	LastFailure  *time.Time `json:"lastFailure,omitempty"`
	// ResponseTime is the latency of the most recent send through this
	// relay. Zero until the first successful send.
	ResponseTime time.Duration `json:"responseTimeMs,omitempty"`
}
