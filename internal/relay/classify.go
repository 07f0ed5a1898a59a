package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/emersion/go-smtp"
)

// ErrorCode is the machine-readable transport error code preserved on every
// send failure. Codes follow the conventional socket error names so operator
// tooling built against earlier releases keeps working.
type ErrorCode string

const (
	CodeConnTimeout  ErrorCode = "ETIMEDOUT"
	CodeConnReset    ErrorCode = "ECONNRESET"
	CodeConnRefused  ErrorCode = "ECONNREFUSED"
	CodeNameNotFound ErrorCode = "ENOTFOUND"
	CodeSocket       ErrorCode = "ESOCKET"
	CodeTLS          ErrorCode = "ETLS"
	CodeAuth         ErrorCode = "EAUTH"
)

// TransportError wraps a connection-layer failure with its classified code.
type TransportError struct {
	Code ErrorCode
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// WrapTransportError classifies a raw dial/handshake/send error into a
// TransportError. SMTP protocol errors pass through untouched; they carry
// their own response code.
func WrapTransportError(err error) error {
	if err == nil {
		return nil
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return err
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &TransportError{Code: CodeNameNotFound, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransportError{Code: CodeConnTimeout, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransportError{Code: CodeConnTimeout, Err: err}
	}

	switch {
	case errors.Is(err, syscall.ECONNRESET):
		return &TransportError{Code: CodeConnReset, Err: err}
	case errors.Is(err, syscall.ECONNREFUSED):
		return &TransportError{Code: CodeConnRefused, Err: err}
	case errors.Is(err, syscall.EPIPE):
		return &TransportError{Code: CodeConnReset, Err: err}
	}

	return &TransportError{Code: CodeSocket, Err: err}
}

// Classification is the retry decision for a failed send.
type Classification struct {
	Retryable bool
	Code      string // machine-readable code: ErrorCode or "SMTP<nnn>"
}

// Classify decides whether a send failure is worth one retry.
//
// Retryable: connection timeout, connection reset, name-not-found, and SMTP
// 4xx responses. Everything else is permanent; authentication failures
// (SMTP 535 or the SASL layer) are always permanent.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		code := fmt.Sprintf("SMTP%d", smtpErr.Code)
		if smtpErr.Code == 535 {
			return Classification{Retryable: false, Code: code}
		}
		return Classification{
			Retryable: smtpErr.Code >= 400 && smtpErr.Code < 500,
			Code:      code,
		}
	}

	var te *TransportError
	if errors.As(err, &te) {
		switch te.Code {
		case CodeConnTimeout, CodeConnReset, CodeNameNotFound:
			return Classification{Retryable: true, Code: string(te.Code)}
		default:
			return Classification{Retryable: false, Code: string(te.Code)}
		}
	}

	return Classification{Retryable: false, Code: "EUNKNOWN"}
}

// HumanizeError translates a send failure into an operator-readable string.
// The machine-readable code stays available via Classify.
func HumanizeError(err error) string {
	if err == nil {
		return ""
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		if smtpErr.Code == 535 {
			return "authentication failed"
		}
		return fmt.Sprintf("server rejected message (%d %s)", smtpErr.Code, smtpErr.Message)
	}

	var te *TransportError
	if errors.As(err, &te) {
		switch te.Code {
		case CodeConnTimeout:
			return "connection timed out"
		case CodeConnReset:
			return "connection reset by server"
		case CodeConnRefused:
			return "connection refused"
		case CodeNameNotFound:
			return "server not found"
		case CodeTLS:
			return "TLS negotiation failed"
		case CodeAuth:
			return "authentication failed"
		default:
			return "socket error"
		}
	}

	// SASL failures arrive as plain errors from the auth exchange.
	if strings.Contains(strings.ToLower(err.Error()), "auth") {
		return "authentication failed"
	}
	return err.Error()
}
