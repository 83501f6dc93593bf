package payment

import "fmt"

// GatewayError is a failure reported by, or while reaching, the payment
// provider. Temporary errors were retried before being surfaced.
type GatewayError struct {
	Op         string
	StatusCode int
	Code       string
	Reason     string
	Temporary  bool
	Err        error
}

func (e *GatewayError) Error() string {
	switch {
	case e.Code != "":
		return fmt.Sprintf("gateway %s: %s (%s)", e.Op, e.Reason, e.Code)
	case e.Err != nil:
		return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("gateway %s: status %d", e.Op, e.StatusCode)
	}
}

func (e *GatewayError) Unwrap() error { return e.Err }

// SignatureError is returned when a webhook fails authentication.
type SignatureError struct {
	Reason string
}

func (e *SignatureError) Error() string {
	return "webhook signature: " + e.Reason
}

// EventDecodeError is returned when an authenticated webhook payload cannot
// be decoded. Redelivering the same payload cannot succeed.
type EventDecodeError struct {
	Err error
}

func (e *EventDecodeError) Error() string {
	return fmt.Sprintf("webhook payload: %v", e.Err)
}

func (e *EventDecodeError) Unwrap() error { return e.Err }
