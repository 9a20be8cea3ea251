// Package policy holds the content-safety rules applied before text is
// persisted as long-term memory.
package policy

import (
	"regexp"
	"strings"
)

var (
	emailPattern      = regexp.MustCompile(`([a-zA-Z0-9._%+\-]+)@([a-zA-Z0-9.\-]+\.[a-zA-Z]{2,})`)
	ibanPattern       = regexp.MustCompile(`\b[A-Za-z]{2}\d{2}[A-Za-z0-9]{10,30}\b`)
	cardPattern       = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	nationalIDPattern = regexp.MustCompile(`\b\d{11}\b`)
	phonePattern      = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
)

// Scrub masks common high-risk PII patterns before text is persisted as
// long-term memory. Email, IBAN and card numbers keep enough prefix or
// suffix to stay recognizable to the user.
func Scrub(input string) string {
	out, _ := RedactPII(input)
	return out
}

// RedactPII masks PII and reports whether anything changed.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllStringFunc(out, maskEmail)
	changed = changed || next != out
	out = next

	next = ibanPattern.ReplaceAllStringFunc(out, maskIBAN)
	changed = changed || next != out
	out = next

	// Run card redaction before phone to avoid card numbers being classified as phone.
	next = cardPattern.ReplaceAllStringFunc(out, maskCard)
	changed = changed || next != out
	out = next

	next = nationalIDPattern.ReplaceAllString(out, "***")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllStringFunc(out, maskPhone)
	changed = changed || next != out
	out = next

	return out, changed
}

func maskEmail(match string) string {
	parts := emailPattern.FindStringSubmatch(match)
	if len(parts) != 3 {
		return "***"
	}
	local := parts[1]
	if len(local) > 2 {
		local = local[:2]
	}
	return local + "***@" + parts[2]
}

func maskIBAN(match string) string {
	if len(match) < 10 {
		return "***"
	}
	return match[:6] + "***" + match[len(match)-4:]
}

func maskCard(match string) string {
	digits := digitsOnly(match)
	if len(digits) < 13 {
		return match
	}
	return digits[:4] + " **** **** " + digits[len(digits)-4:]
}

func maskPhone(match string) string {
	// Length threshold keeps dates and short ids out of the mask.
	if len(digitsOnly(match)) >= 7 {
		return "***"
	}
	return match
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
