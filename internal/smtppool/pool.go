// Package smtppool maintains the process-wide cache of verified SMTP client
// connections. Transports are shared across campaigns and keyed by
// host:port:user; the first acquire for a key performs the full dial,
// TLS negotiation and authentication handshake, later acquires reuse the
// open connection.
package smtppool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emersion/go-smtp"
	"golang.org/x/sync/singleflight"

	"github.com/BlackQuiet/server/internal/config"
	"github.com/BlackQuiet/server/internal/pkg/logger"
	"github.com/BlackQuiet/server/internal/relay"
)

// Transport is a cached, verified SMTP connection. SMTP allows one
// in-flight transaction per connection, so Send serializes callers.
type Transport struct {
	key  string
	pool *Pool

	mu sync.Mutex
	cl *smtp.Client
}

// Send delivers one message and reports the transaction latency for
// rotation telemetry. Errors that indicate a dead connection evict the
// transport so the next Acquire redials.
func (t *Transport) Send(msg *Message) (time.Duration, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cl == nil {
		return 0, &relay.TransportError{Code: relay.CodeConnReset, Err: fmt.Errorf("transport already closed")}
	}

	start := time.Now()
	err := submit(t.cl, msg)
	elapsed := time.Since(start)

	if err != nil {
		if cls := relay.Classify(err); cls.Code != "" && cls.Code[0] == 'E' {
			// Connection-layer failure: the session is unusable.
			t.pool.drop(t.key, t)
		} else {
			// Protocol rejection: the session survives, reset the
			// transaction so the next send starts clean.
			if rstErr := t.cl.Reset(); rstErr != nil {
				t.pool.drop(t.key, t)
			}
		}
		return elapsed, err
	}
	return elapsed, nil
}

func (t *Transport) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cl == nil {
		return
	}
	if err := t.cl.Quit(); err != nil {
		t.cl.Close()
	}
	t.cl = nil
}

// Pool is the keyed transport cache.
type Pool struct {
	cfg config.SMTPConfig

	mu     sync.Mutex
	conns  map[string]*Transport
	closed bool

	// sf collapses concurrent first-miss handshakes for the same key:
	// two campaigns targeting one relay open exactly one connection.
	sf singleflight.Group
}

// NewPool creates an empty transport cache.
func NewPool(cfg config.SMTPConfig) *Pool {
	return &Pool{
		cfg:   cfg,
		conns: make(map[string]*Transport),
	}
}

// Key returns the cache key for a relay.
func Key(r relay.Relay) string {
	return fmt.Sprintf("%s:%d:%s", r.Host, r.Port, r.User)
}

// Acquire returns a verified, ready-to-send transport for the relay.
// Cache hits return immediately without re-verifying. Connect failures
// propagate to the caller and leave the cache untouched.
func (p *Pool) Acquire(ctx context.Context, r relay.Relay) (*Transport, error) {
	key := Key(r)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("transport pool is shut down")
	}
	if t, ok := p.conns[key]; ok {
		p.mu.Unlock()
		return t, nil
	}
	p.mu.Unlock()

	v, err, _ := p.sf.Do(key, func() (interface{}, error) {
		// Re-check under singleflight: a concurrent caller may have
		// populated the slot while we waited.
		p.mu.Lock()
		if t, ok := p.conns[key]; ok {
			p.mu.Unlock()
			return t, nil
		}
		p.mu.Unlock()

		cl, err := p.connect(ctx, r)
		if err != nil {
			return nil, err
		}

		t := &Transport{key: key, pool: p, cl: cl}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			t.close()
			return nil, fmt.Errorf("transport pool is shut down")
		}
		p.conns[key] = t
		p.mu.Unlock()

		logger.Info("smtp transport verified", "relay", key)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Transport), nil
}

// drop removes a broken transport from the cache. Only the exact instance
// is evicted so a replacement opened in the meantime survives.
func (p *Pool) drop(key string, t *Transport) {
	p.mu.Lock()
	if cur, ok := p.conns[key]; ok && cur == t {
		delete(p.conns, key)
	}
	p.mu.Unlock()

	if t.cl != nil {
		t.cl.Close()
		t.cl = nil
	}
	logger.Warn("smtp transport dropped", "relay", key)
}

// Size returns the number of cached transports.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close quits every cached transport and rejects further acquires.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	conns := p.conns
	p.conns = make(map[string]*Transport)
	p.mu.Unlock()

	for key, t := range conns {
		t.close()
		logger.Debug("smtp transport closed", "relay", key)
	}
}
