package mpesa

import (
	"regexp"
	"strings"
)

var (
	nonDigits   = regexp.MustCompile(`[^0-9]`)
	validMSISDN = regexp.MustCompile(`^254\d{9}$`)
)

// NormalizePhone rewrites a Kenyan phone number into the 254XXXXXXXXX form
// the provider requires. Separators and a leading '+' are ignored.
func NormalizePhone(raw string) (string, error) {
	phone := nonDigits.ReplaceAllString(raw, "")

	switch {
	case strings.HasPrefix(phone, "0"):
		phone = "254" + phone[1:]
	case !strings.HasPrefix(phone, "254"):
		phone = "254" + phone
	}

	if !validMSISDN.MatchString(phone) {
		return "", ErrInvalidPhoneNumber
	}
	return phone, nil
}
