package logger

import "testing"

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   DEBUG,
		"DEBUG":   DEBUG,
		" info ":  INFO,
		"warn":    WARN,
		"WARNING": WARN,
		"error":   ERROR,
		"bogus":   INFO,
		"":        INFO,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRedactEmail(t *testing.T) {
	cases := map[string]string{
		"john.doe@example.com": "jo***@example.com",
		"ab@example.com":       "***@example.com",
		"a@example.com":        "***@example.com",
		"not-an-email":         "***@***",
		"two@at@signs":         "***@***",
	}
	for in, want := range cases {
		if got := RedactEmail(in); got != want {
			t.Errorf("RedactEmail(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRedactPIIValue(t *testing.T) {
	if got := redactPIIValue("jane.doe@example.com"); got != "ja***@example.com" {
		t.Errorf("address not redacted: %q", got)
	}
	// Embedded addresses are masked too.
	got := redactPIIValue("failed send to carol.j@example.net today")
	if got != "failed send to ca***@example.net today" {
		t.Errorf("embedded email not redacted: %q", got)
	}
	// Values without an address pass through untouched, even when the
	// field key suggests recipients: counts must stay counts.
	if got := redactPIIValue("3"); got != "3" {
		t.Errorf("recipient count mutated: %q", got)
	}
	if got := redactPIIValue("smtp.example.com:587"); got != "smtp.example.com:587" {
		t.Errorf("non-PII value mutated: %q", got)
	}
}
