package services

import (
	"strings"
	"time"
	_ "time/tzdata"
)

// NormalizePhone strips every non-digit and prefixes a single "+".
// It returns "" when the input carries no digits.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "+" + b.String()
}

// NormalizeEmail trims and lowercases.
func NormalizeEmail(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// Last4 returns the last four digits of phone.
func Last4(phone string) string {
	digits := strings.TrimPrefix(NormalizePhone(phone), "+")
	if len(digits) > 4 {
		return digits[len(digits)-4:]
	}
	return digits
}

// MaskLast4 is Last4 left-padded with "*" to four characters.
func MaskLast4(phone string) string {
	l := Last4(phone)
	if len(l) < 4 {
		l = strings.Repeat("*", 4-len(l)) + l
	}
	return l
}

// FullName prefers an explicit name, else joins first and last.
func FullName(name, first, last string) string {
	if n := strings.TrimSpace(name); n != "" {
		return n
	}
	return strings.TrimSpace(strings.TrimSpace(first) + " " + strings.TrimSpace(last))
}

// DisplayName is the first word used to greet a participant.
func DisplayName(name, first string) string {
	if f := strings.TrimSpace(first); f != "" {
		return f
	}
	if n := strings.TrimSpace(name); n != "" {
		return n
	}
	return "Participant"
}

var easternTZ = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.UTC
	}
	return loc
}()

// USTimestamp renders t the way US staff read creation times.
func USTimestamp(t time.Time) string {
	return t.In(easternTZ).Format("1/2/2006, 3:04:05 PM")
}
