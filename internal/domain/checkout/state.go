package checkout

// SessionState is the lifecycle state of a checkout attempt.
//
//	Created -> AwaitingPayment -> Paid -> Reconciled
//	Created -> AwaitingPayment -> Abandoned
type SessionState string

const (
	StateCreated         SessionState = "created"
	StateAwaitingPayment SessionState = "awaiting_payment"
	StatePaid            SessionState = "paid"
	StateReconciled      SessionState = "reconciled"
	StateAbandoned       SessionState = "abandoned"
)

// Terminal reports whether no further transition is possible.
func (s SessionState) Terminal() bool {
	return s == StateReconciled || s == StateAbandoned
}

// State derives the lifecycle state from the gateway session and whether an
// order has been recorded for it.
func State(sess *Session, reconciled bool) SessionState {
	switch {
	case reconciled:
		return StateReconciled
	case sess == nil || sess.ID == "":
		return StateCreated
	case sess.Settled():
		return StatePaid
	case sess.Status == SessionExpired:
		return StateAbandoned
	default:
		return StateAwaitingPayment
	}
}
