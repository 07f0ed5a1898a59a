package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/BlackQuiet/server/internal/campaign"
	"github.com/BlackQuiet/server/internal/relay"
	"github.com/BlackQuiet/server/internal/smtppool"
)

// handleSMTPTest verifies relay credentials over a throwaway connection.
// When testEmail is set a test message is delivered through the relay.
// A failing relay is reported in the body, not as an API error; the
// caller asked "does this relay work" and got an answer.
//
//	POST /api/smtp/test
func (s *Server) handleSMTPTest(w http.ResponseWriter, r *http.Request) {
	var req campaign.SMTPTestRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if problems := campaign.ValidateSMTPTest(&req); len(problems) > 0 {
		respondErrors(w, http.StatusBadRequest, "validation failed", problems)
		return
	}

	rl := relay.Relay{
		Name:   req.Host,
		Host:   req.Host,
		Port:   req.Port,
		User:   req.User,
		Secret: req.Secret,
	}

	started := time.Now()
	var err error
	if req.TestEmail != "" {
		msg := &smtppool.Message{
			From:         fmt.Sprintf("SMTP Test <%s>", req.User),
			EnvelopeFrom: req.User,
			To:           req.TestEmail,
			Subject:      "SMTP connection test",
			Body:         "This is a test message confirming the relay accepts mail.",
		}
		err = s.pool.SendTest(r.Context(), rl, msg)
	} else {
		err = s.pool.Verify(r.Context(), rl)
	}
	latency := time.Since(started)

	if err != nil {
		cls := relay.Classify(err)
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"success":   false,
			"error":     relay.HumanizeError(err),
			"code":      cls.Code,
			"latencyMs": latency.Milliseconds(),
		})
		return
	}

	message := "connection verified"
	if req.TestEmail != "" {
		message = "test email sent to " + req.TestEmail
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"message":   message,
		"latencyMs": latency.Milliseconds(),
	})
}
