package order

import "time"

// Status is the fulfilment status of an order.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusConfirmed  Status = "CONFIRMED"
	StatusProcessing Status = "PROCESSING"
	StatusShipped    Status = "SHIPPED"
	StatusDelivered  Status = "DELIVERED"
	StatusCancelled  Status = "CANCELLED"
	StatusRefunded   Status = "REFUNDED"
)

// forward is the happy path; CANCELLED and REFUNDED are side branches.
var forward = map[Status]Status{
	StatusPending:    StatusConfirmed,
	StatusConfirmed:  StatusProcessing,
	StatusProcessing: StatusShipped,
	StatusShipped:    StatusDelivered,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusProcessing, StatusShipped,
		StatusDelivered, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// Terminal reports whether no transition out of s is allowed.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled || s == StatusRefunded
}

// CanTransition reports whether s -> to is a legal order transition.
func (s Status) CanTransition(to Status) bool {
	if s.Terminal() {
		return false
	}
	if to == StatusCancelled || to == StatusRefunded {
		return true
	}
	return forward[s] == to
}

// PaymentStatus strictly mirrors the gateway outcome of the current attempt.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentRefunded  PaymentStatus = "REFUNDED"
)

// CanTransition reports whether s -> to is a legal payment transition.
// FAILED -> PENDING is only reachable through BeginPaymentAttempt.
func (s PaymentStatus) CanTransition(to PaymentStatus) bool {
	switch s {
	case PaymentPending:
		return to == PaymentCompleted || to == PaymentFailed
	case PaymentCompleted:
		return to == PaymentRefunded
	case PaymentFailed:
		return to == PaymentPending
	}
	return false
}

// TransitionTo moves the order to a new status.
func (o *Order) TransitionTo(to Status, now time.Time) error {
	if !o.Status.CanTransition(to) {
		return &InvalidTransitionError{
			OrderID: o.ID,
			Kind:    "order",
			From:    string(o.Status),
			To:      string(to),
		}
	}
	o.Status = to
	o.UpdatedAt = now
	return nil
}

// SetPaymentStatus moves the payment status of the current attempt.
func (o *Order) SetPaymentStatus(to PaymentStatus, now time.Time) error {
	if !o.PaymentStatus.CanTransition(to) {
		return &InvalidTransitionError{
			OrderID: o.ID,
			Kind:    "payment",
			From:    string(o.PaymentStatus),
			To:      string(to),
		}
	}
	o.PaymentStatus = to
	o.UpdatedAt = now
	return nil
}

// BeginPaymentAttempt switches the order to a freshly opened gateway
// transaction. A failed payment goes back to PENDING.
func (o *Order) BeginPaymentAttempt(transactionID string, now time.Time) error {
	if o.Status.Terminal() {
		return &InvalidTransitionError{
			OrderID: o.ID,
			Kind:    "order",
			From:    string(o.Status),
			To:      string(o.Status),
		}
	}
	switch o.PaymentStatus {
	case PaymentPending:
	case PaymentFailed:
		if err := o.SetPaymentStatus(PaymentPending, now); err != nil {
			return err
		}
	default:
		return &InvalidTransitionError{
			OrderID: o.ID,
			Kind:    "payment",
			From:    string(o.PaymentStatus),
			To:      string(PaymentPending),
		}
	}
	o.PaymentTransactionID = transactionID
	o.PaymentAttempts++
	o.UpdatedAt = now
	return nil
}
