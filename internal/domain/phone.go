package domain

import "strings"

// NormalizePhone reduces a channel identifier to E.164 form ("+" and digits).
// WhatsApp ids arrive without the plus sign and sometimes with a "@c.us" suffix.
func NormalizePhone(raw string) string {
	value := strings.TrimSpace(raw)
	if at := strings.IndexByte(value, '@'); at >= 0 {
		value = value[:at]
	}
	digits := make([]byte, 0, len(value))
	for i := 0; i < len(value); i++ {
		if value[i] >= '0' && value[i] <= '9' {
			digits = append(digits, value[i])
		}
	}
	if len(digits) == 0 {
		return ""
	}
	return "+" + string(digits)
}
