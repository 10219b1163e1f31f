package policy

import (
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	phonePattern = regexp.MustCompile(`(?:\+?\d[\d()\-\s.]{7,}\d)`)
	cpfPattern   = regexp.MustCompile(`\b\d{3}\.?\d{3}\.?\d{3}\-?\d{2}\b`)
	cnpjPattern  = regexp.MustCompile(`\b\d{2}\.?\d{3}\.?\d{3}/?\d{4}\-?\d{2}\b`)
)

const maxLoggedBody = 120

// MaskPIIString redacts emails, phone numbers, CPF and CNPJ from free text
// and truncates it so message bodies never reach the logs verbatim.
func MaskPIIString(value string) string {
	masked := emailPattern.ReplaceAllString(value, "[email_redacted]")
	masked = cnpjPattern.ReplaceAllString(masked, "**.***.***/****-**")
	masked = cpfPattern.ReplaceAllString(masked, "***.***.***-**")
	masked = phonePattern.ReplaceAllString(masked, "[phone_redacted]")
	if runes := []rune(masked); len(runes) > maxLoggedBody {
		masked = string(runes[:maxLoggedBody]) + "..."
	}
	return masked
}

// MaskPhone keeps the country prefix and the last four digits of a phone.
func MaskPhone(phone string) string {
	trimmed := strings.TrimSpace(phone)
	digits := make([]byte, 0, len(trimmed))
	for i := 0; i < len(trimmed); i++ {
		if trimmed[i] >= '0' && trimmed[i] <= '9' {
			digits = append(digits, trimmed[i])
		}
	}
	if len(digits) <= 6 {
		return strings.Repeat("*", len(digits))
	}
	return "+" + string(digits[:2]) + strings.Repeat("*", len(digits)-6) + string(digits[len(digits)-4:])
}
