package checkout

import "fmt"

// State is the checkout flow position of a session.
type State string

const (
	StateIdle                   State = "idle"
	StateCouponValidating       State = "coupon_validating"
	StateCouponApplied          State = "coupon_applied"
	StateCouponRejected         State = "coupon_rejected"
	StateSubmitting             State = "submitting"
	StateOrderCreated           State = "order_created"
	StateOrderFailed            State = "order_failed"
	StateReconciliationRequired State = "reconciliation_required"
	StateCartCleared            State = "cart_cleared"
	StateRedirected             State = "redirected"
)

var transitions = map[State][]State{
	StateIdle:             {StateCouponValidating, StateSubmitting},
	StateCouponValidating: {StateCouponValidating, StateCouponApplied, StateCouponRejected, StateIdle, StateSubmitting},
	StateCouponApplied:    {StateCouponValidating, StateSubmitting, StateIdle},
	StateCouponRejected:   {StateCouponValidating, StateSubmitting, StateIdle},
	StateSubmitting:       {StateOrderCreated, StateOrderFailed, StateReconciliationRequired},
	StateOrderFailed:      {StateCouponValidating, StateSubmitting, StateIdle},
	StateOrderCreated:     {StateCartCleared},
	StateCartCleared:      {StateRedirected},
}

// CanTransition reports whether the flow allows moving from s to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Editable reports whether cart, periods and coupon may still change.
func (s State) Editable() bool {
	switch s {
	case StateIdle, StateCouponValidating, StateCouponApplied, StateCouponRejected, StateOrderFailed:
		return true
	}
	return false
}

// Terminal reports whether the session has left the payment flow for good.
func (s State) Terminal() bool {
	return s == StateRedirected || s == StateReconciliationRequired
}

// Completed reports whether an order exists for the session.
func (s State) Completed() bool {
	switch s {
	case StateOrderCreated, StateCartCleared, StateRedirected:
		return true
	}
	return false
}

func (s *Session) moveTo(next State) error {
	if s.State == next && next != StateCouponValidating {
		return nil
	}
	if !s.State.CanTransition(next) {
		return fmt.Errorf("%s -> %s: %w", s.State, next, ErrInvalidTransition)
	}
	s.State = next
	return nil
}
