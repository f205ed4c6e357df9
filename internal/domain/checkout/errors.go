package checkout

import (
	"fmt"
)

// GatewayUnavailableError wraps a failed payment gateway call. No local state
// has been changed when it is returned, so the whole operation may be retried.
type GatewayUnavailableError struct {
	Op  string
	Err error
}

func (e *GatewayUnavailableError) Error() string {
	return fmt.Sprintf("payment gateway unavailable: %s: %v", e.Op, e.Err)
}

func (e *GatewayUnavailableError) Unwrap() error { return e.Err }

// SessionNotPaidError is returned when reconciliation is requested for a
// session the gateway does not report as paid.
type SessionNotPaidError struct {
	SessionID string
	Status    PaymentStatus
}

func (e *SessionNotPaidError) Error() string {
	return fmt.Sprintf("session %s is not paid (payment status %q)", e.SessionID, e.Status)
}

// MalformedMetadataError reports session metadata that does not decode into
// a valid checkout snapshot. It indicates corrupted data, not a user error.
type MalformedMetadataError struct {
	SessionID string
	Field     string
	Err       error
}

func (e *MalformedMetadataError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("malformed session metadata %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("malformed metadata %q in session %s: %v", e.Field, e.SessionID, e.Err)
}

func (e *MalformedMetadataError) Unwrap() error { return e.Err }
