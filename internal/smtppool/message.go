package smtppool

import (
	"fmt"
	"html"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Message is one fully personalized outbound email.
type Message struct {
	// From is the display form placed in the From header,
	// e.g. `Support <relay-user@example.com>`.
	From string
	// EnvelopeFrom is the bare address used for MAIL FROM.
	EnvelopeFrom string
	To           string
	ReplyTo      string
	Subject      string
	Body         string
	HTML         bool
	// Headers carries campaign identification headers
	// (X-Campaign-ID, X-Mailer, List-Unsubscribe).
	Headers map[string]string
}

// Bytes assembles the RFC 5322 message. HTML bodies are wrapped in a
// multipart/alternative with a derived plaintext part, so clients that
// refuse HTML still render something.
func (m *Message) Bytes() []byte {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("From: %s\r\n", m.From))
	b.WriteString(fmt.Sprintf("To: %s\r\n", m.To))
	b.WriteString(fmt.Sprintf("Subject: %s\r\n", m.Subject))
	b.WriteString(fmt.Sprintf("Message-ID: <%s@%s>\r\n", uuid.New().String(), domainOf(m.EnvelopeFrom)))
	if m.ReplyTo != "" {
		b.WriteString(fmt.Sprintf("Reply-To: %s\r\n", m.ReplyTo))
	}
	b.WriteString("MIME-Version: 1.0\r\n")

	// Deterministic header order keeps tests stable.
	keys := make([]string, 0, len(m.Headers))
	for k := range m.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(fmt.Sprintf("%s: %s\r\n", k, m.Headers[k]))
	}

	if m.HTML {
		boundary := strings.ReplaceAll(uuid.New().String(), "-", "")
		b.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", boundary))
		b.WriteString(fmt.Sprintf("--%s\r\n", boundary))
		b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
		b.WriteString(htmlToText(m.Body))
		b.WriteString("\r\n")
		b.WriteString(fmt.Sprintf("--%s\r\n", boundary))
		b.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n\r\n")
		b.WriteString(m.Body)
		b.WriteString("\r\n")
		b.WriteString(fmt.Sprintf("--%s--\r\n", boundary))
	} else {
		b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
		b.WriteString(m.Body)
		b.WriteString("\r\n")
	}

	return []byte(b.String())
}

var (
	htmlBreakRe = regexp.MustCompile(`(?i)<(?:br\s*/?|/p|/div|/tr|/li|/h[1-6])>`)
	htmlTagRe   = regexp.MustCompile(`<[^>]*>`)
	blankRunRe  = regexp.MustCompile(`\n{3,}`)
)

// htmlToText derives the plaintext alternative: block-level closers become
// newlines, remaining tags are stripped, entities are unescaped.
func htmlToText(s string) string {
	s = htmlBreakRe.ReplaceAllString(s, "\n")
	s = htmlTagRe.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	s = blankRunRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func domainOf(email string) string {
	if i := strings.LastIndex(email, "@"); i >= 0 && i < len(email)-1 {
		return email[i+1:]
	}
	return "localhost"
}
