package campaign

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/BlackQuiet/server/internal/relay"
)

// Submission is the campaign start request body.
type Submission struct {
	SMTPServer          *relay.Relay  `json:"smtpServer,omitempty"`
	SMTPServers         []relay.Relay `json:"smtpServers,omitempty"`
	UseSMTPRotation     bool          `json:"useSmtpRotation"`
	RotationFrequency   int           `json:"rotationFrequency"`
	Recipients          []string      `json:"recipients"`
	Subject             string        `json:"subject"`
	Content             string        `json:"content"`
	IsHTML              bool          `json:"isHTML"`
	DelayBetweenEmails  *int          `json:"delayBetweenEmails,omitempty"`
	UseCustomSubjects   bool          `json:"useCustomSubjects"`
	CustomSubjects      []string      `json:"customSubjects,omitempty"`
	UseCustomSenders    bool          `json:"useCustomSenders"`
	CustomSenders       []string      `json:"customSenders,omitempty"`
	CustomReplyTo       string        `json:"customReplyTo,omitempty"`
	MaxFailuresPerServer int          `json:"maxFailuresPerServer,omitempty"`
	Priority            string        `json:"priority,omitempty"`
}

// SMTPTestRequest is the relay verification request body.
type SMTPTestRequest struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	User      string `json:"user"`
	Secret    string `json:"secret"`
	TestEmail string `json:"testEmail,omitempty"`
}

var recipientRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// ValidateSubmission checks a campaign submission structurally. All
// problems are accumulated and returned together.
func ValidateSubmission(sub *Submission) []string {
	var errs []string

	if sub.UseSMTPRotation {
		if len(sub.SMTPServers) == 0 {
			errs = append(errs, "smtpServers is required when rotation is enabled")
		}
	} else if sub.SMTPServer == nil {
		errs = append(errs, "smtpServer is required")
	}

	seen := make(map[string]bool)
	for _, r := range sub.relays() {
		if r.Host == "" || r.Port == 0 {
			errs = append(errs, fmt.Sprintf("relay %q is missing host or port", r.Name))
		}
		if r.ID != "" && seen[r.ID] {
			errs = append(errs, fmt.Sprintf("duplicate relay id %q", r.ID))
		}
		seen[r.ID] = true
	}

	if len(sub.Recipients) == 0 {
		errs = append(errs, "recipients must be a non-empty list")
	}
	for _, rcpt := range sub.Recipients {
		if !recipientRe.MatchString(rcpt) {
			errs = append(errs, fmt.Sprintf("invalid recipient address: %s", rcpt))
		}
	}

	if strings.TrimSpace(sub.Subject) == "" {
		errs = append(errs, "subject must not be empty")
	}
	if strings.TrimSpace(sub.Content) == "" {
		errs = append(errs, "content must not be empty")
	}

	return errs
}

// ValidateSMTPTest checks a relay verification request. All fields are
// mandatory.
func ValidateSMTPTest(req *SMTPTestRequest) []string {
	var errs []string
	if req.Host == "" {
		errs = append(errs, "host is required")
	}
	if req.Port == 0 {
		errs = append(errs, "port is required")
	}
	if req.User == "" {
		errs = append(errs, "user is required")
	}
	if req.Secret == "" {
		errs = append(errs, "secret is required")
	}
	if req.TestEmail != "" && !recipientRe.MatchString(req.TestEmail) {
		errs = append(errs, fmt.Sprintf("invalid test email address: %s", req.TestEmail))
	}
	return errs
}

// relays returns the effective relay list of the submission.
func (sub *Submission) relays() []relay.Relay {
	if sub.UseSMTPRotation && len(sub.SMTPServers) > 0 {
		return sub.SMTPServers
	}
	if sub.SMTPServer != nil {
		return []relay.Relay{*sub.SMTPServer}
	}
	return nil
}
