package campaign

import (
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Personalized is the per-recipient output of the personalizer.
type Personalized struct {
	Subject  string
	Body     string
	FromName string
}

// Personalizer derives subject, body and from-name for one recipient from
// the campaign templates. Deterministic for fixed RNG state except for the
// {{date}}, {{time}} and {{ref}} variables.
type Personalizer struct {
	UnsubscribeBaseURL string

	rng *rand.Rand
	now func() time.Time
}

// NewPersonalizer builds a personalizer with its own RNG. Each executor
// owns one; math/rand's global source would contend across campaigns.
func NewPersonalizer(unsubscribeBaseURL string, seed int64) *Personalizer {
	return &Personalizer{
		UnsubscribeBaseURL: unsubscribeBaseURL,
		rng:                rand.New(rand.NewSource(seed)),
		now:                time.Now,
	}
}

// Personalize resolves the templates for one recipient. relayUser is the
// authenticated account of the relay chosen for this send; its local part
// is the fallback from-name.
func (p *Personalizer) Personalize(cfg Config, recipient, relayUser string) Personalized {
	name, domain := splitRecipient(recipient)

	subject := cfg.SubjectTemplate
	if len(cfg.CustomSubjects) > 0 {
		subject = cfg.CustomSubjects[p.rng.Intn(len(cfg.CustomSubjects))]
	}

	fromName := localPart(relayUser)
	if len(cfg.CustomSenders) > 0 {
		fromName = cfg.CustomSenders[p.rng.Intn(len(cfg.CustomSenders))]
	}

	vars := p.variables(cfg.ID, recipient, name, domain)

	return Personalized{
		Subject:  substitute(subject, vars),
		Body:     substitute(cfg.BodyTemplate, vars),
		FromName: fromName,
	}
}

// UnsubscribeURL builds the per-recipient unsubscribe link used both in the
// body variables and the List-Unsubscribe header.
func (p *Personalizer) UnsubscribeURL(recipient string) string {
	return fmt.Sprintf("%s?email=%s", p.UnsubscribeBaseURL, url.QueryEscape(recipient))
}

func (p *Personalizer) variables(campaignID, recipient, name, domain string) map[string]string {
	now := p.now()
	return map[string]string{
		"name":        name,
		"email":       recipient,
		"domain":      domain,
		"unsubscribe": p.UnsubscribeURL(recipient),
		"date":        now.Format("01/02/2006"),
		"time":        now.Format("3:04:05 PM"),
		"campaign_id": campaignID,
		// A fresh short token per send keeps otherwise identical
		// messages from collapsing into one thread.
		"ref": uuid.New().String()[:8],
	}
}

// substitute replaces literal {{token}} markers. Unknown tokens are left
// in place, so an empty variable map returns the template unchanged.
func substitute(tpl string, vars map[string]string) string {
	for k, v := range vars {
		tpl = strings.ReplaceAll(tpl, "{{"+k+"}}", v)
	}
	return tpl
}

func splitRecipient(recipient string) (name, domain string) {
	if i := strings.Index(recipient, "@"); i >= 0 {
		return recipient[:i], recipient[i+1:]
	}
	return recipient, ""
}

func localPart(addr string) string {
	if i := strings.Index(addr, "@"); i >= 0 {
		return addr[:i]
	}
	return addr
}
