package smtppool

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/BlackQuiet/server/internal/relay"
)

// connect dials the relay, negotiates TLS according to the port convention,
// and authenticates. The returned client is verified ready-to-send: any
// rejection during the handshake fails fast here, before a campaign burns
// recipients on a misconfigured relay.
func (p *Pool) connect(ctx context.Context, r relay.Relay) (*smtp.Client, error) {
	addr := net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
	mode := relay.TLSModeFor(r.Port)

	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout())
	defer cancel()

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, relay.WrapTransportError(err)
	}

	// Operator-trusted relays: certificate verification is disabled on
	// purpose, the fleet routinely includes self-signed endpoints.
	tlsConfig := &tls.Config{
		ServerName:         r.Host,
		InsecureSkipVerify: true,
	}

	if mode == relay.TLSImplicit {
		conn = tls.Client(conn, tlsConfig)
	}

	cl := smtp.NewClient(conn)
	cl.SubmissionTimeout = p.cfg.SocketTimeout()

	// The server greeting is read lazily, on the first command. Running
	// EHLO under the tighter greeting timeout bounds both; go-smtp's own
	// greeting timeout is far too generous for an interactive
	// verification step.
	cl.CommandTimeout = p.cfg.GreetingTimeout()
	if err := cl.Hello(p.cfg.HelloHostname); err != nil {
		cl.Close()
		if mode == relay.TLSImplicit {
			// A plaintext server on an implicit-TLS port surfaces here
			// as a garbled TLS record.
			var rhErr tls.RecordHeaderError
			if errors.As(err, &rhErr) {
				return nil, &relay.TransportError{Code: relay.CodeTLS, Err: err}
			}
		}
		return nil, relay.WrapTransportError(err)
	}
	cl.CommandTimeout = p.cfg.SocketTimeout()

	if mode != relay.TLSImplicit {
		ok, _ := cl.Extension("STARTTLS")
		switch {
		case ok:
			if err := cl.StartTLS(tlsConfig); err != nil {
				cl.Close()
				return nil, &relay.TransportError{Code: relay.CodeTLS, Err: err}
			}
		case mode == relay.TLSRequired:
			cl.Close()
			return nil, &relay.TransportError{
				Code: relay.CodeTLS,
				Err:  fmt.Errorf("relay %s does not offer STARTTLS on port %d", r.Host, r.Port),
			}
		}
	}

	if r.User != "" {
		if err := cl.Auth(sasl.NewPlainClient("", r.User, r.Secret)); err != nil {
			cl.Close()
			if _, isSMTP := err.(*smtp.SMTPError); isSMTP {
				return nil, err
			}
			return nil, &relay.TransportError{Code: relay.CodeAuth, Err: err}
		}
	}

	return cl, nil
}

// Verify opens a fresh connection to the relay, runs the full handshake and
// closes it. Used by the SMTP test endpoint; verified campaign transports
// go through Acquire instead so they stay cached.
func (p *Pool) Verify(ctx context.Context, r relay.Relay) error {
	cl, err := p.connect(ctx, r)
	if err != nil {
		return err
	}
	if err := cl.Quit(); err != nil {
		cl.Close()
	}
	return nil
}

// SendTest verifies the relay and delivers a test message through it on a
// throwaway connection.
func (p *Pool) SendTest(ctx context.Context, r relay.Relay, msg *Message) error {
	cl, err := p.connect(ctx, r)
	if err != nil {
		return err
	}
	defer func() {
		if err := cl.Quit(); err != nil {
			cl.Close()
		}
	}()
	return submit(cl, msg)
}

// submit runs one MAIL/RCPT/DATA transaction on an open client.
func submit(cl *smtp.Client, msg *Message) error {
	if err := cl.Mail(msg.EnvelopeFrom, nil); err != nil {
		return relay.WrapTransportError(err)
	}
	if err := cl.Rcpt(msg.To, nil); err != nil {
		return relay.WrapTransportError(err)
	}
	wc, err := cl.Data()
	if err != nil {
		return relay.WrapTransportError(err)
	}
	if _, err := wc.Write(msg.Bytes()); err != nil {
		wc.Close()
		return relay.WrapTransportError(err)
	}
	if err := wc.Close(); err != nil {
		return relay.WrapTransportError(err)
	}
	return nil
}
