package mpesa

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPhoneNumber = errors.New("invalid phone number: use 0712345678 or 254712345678")
	ErrInvalidAmount      = errors.New("amount must be greater than zero")
	ErrMissingCheckoutID  = errors.New("checkout request id is required")
)

// ChargeRejectedError is returned when the provider declines a charge initiation.
type ChargeRejectedError struct {
	Code        string
	Description string
}

func (e *ChargeRejectedError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("charge rejected (code %s)", e.Code)
	}
	return fmt.Sprintf("charge rejected: %s", e.Description)
}

// UpstreamError carries a non-2xx provider or proxy response for diagnostics.
type UpstreamError struct {
	StatusCode int
	Body       []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, string(e.Body))
}
