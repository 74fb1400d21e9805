package mpesa

import (
	"encoding/base64"
	"regexp"
	"strings"
	"time"
)

const (
	TimestampLayout = "20060102150405"

	TransactionTypePayBill = "CustomerPayBillOnline"

	maxAccountReferenceLen = 12
	maxTransactionDescLen  = 13
)

// Signer produces the time-dependent credentials every STK request carries.
// The password embeds the timestamp, so each request must be signed afresh.
type Signer struct {
	ShortCode string
	PassKey   string
	Now       func() time.Time
}

func NewSigner(shortCode, passKey string) *Signer {
	return &Signer{ShortCode: shortCode, PassKey: passKey, Now: time.Now}
}

// Sign returns a local-time YYYYMMDDHHmmss timestamp and the matching password.
func (s *Signer) Sign() (timestamp, password string) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	timestamp = now().Format(TimestampLayout)
	return timestamp, Password(s.ShortCode, s.PassKey, timestamp)
}

// Password is Base64(shortCode + passKey + timestamp).
func Password(shortCode, passKey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passKey + timestamp))
}

// BasicAuth is the credential the OAuth endpoint expects.
func BasicAuth(consumerKey, consumerSecret string) string {
	return base64.StdEncoding.EncodeToString([]byte(consumerKey + ":" + consumerSecret))
}

var unsafeChars = regexp.MustCompile(`[^\w\s-]`)

// SanitizeReference strips characters the provider rejects and trims to max characters.
func SanitizeReference(s string, max int) string {
	s = strings.TrimSpace(unsafeChars.ReplaceAllString(s, ""))
	if max > 0 && len(s) > max {
		s = strings.TrimSpace(s[:max])
	}
	return s
}

func AccountReference(s string) string { return SanitizeReference(s, maxAccountReferenceLen) }

func TransactionDesc(s string) string { return SanitizeReference(s, maxTransactionDescLen) }
