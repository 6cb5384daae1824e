package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/panel-checkout/internal/cart"
	"github.com/noah-isme/panel-checkout/internal/common"
	"github.com/noah-isme/panel-checkout/internal/coupon"
	"github.com/noah-isme/panel-checkout/internal/events"
	"github.com/noah-isme/panel-checkout/internal/lock"
	"github.com/noah-isme/panel-checkout/internal/notify"
	"github.com/noah-isme/panel-checkout/internal/obs"
	"github.com/noah-isme/panel-checkout/internal/panelapi"
	"github.com/noah-isme/panel-checkout/internal/payment"
	"github.com/noah-isme/panel-checkout/internal/pricing"
	"github.com/noah-isme/panel-checkout/internal/reconcile"
)

// CouponValidator is satisfied by *coupon.Validator.
type CouponValidator interface {
	Validate(ctx context.Context, req coupon.Request) (coupon.Application, error)
}

// OrderCreator is satisfied by *panelapi.Client.
type OrderCreator interface {
	CreateOrder(ctx context.Context, idempotencyKey string, in panelapi.CreateOrderRequest) (panelapi.CreateOrderResponse, error)
}

// Outbox records captured charges before the order exists.
type Outbox interface {
	Record(ctx context.Context, rec reconcile.Record) (reconcile.Record, bool, error)
	MarkCreated(ctx context.Context, paymentIntentID, orderReference string) error
	MarkFailed(ctx context.Context, paymentIntentID, status, reason string) error
}

// ReconcileScheduler is satisfied by reconcile.Scheduler.
type ReconcileScheduler interface {
	Schedule(ctx context.Context, paymentIntentID string) error
}

// SubmitLocker is satisfied by lock.Locker.
type SubmitLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// EventEmitter is satisfied by *events.Bus.
type EventEmitter interface {
	Emit(ctx context.Context, topic, aggregateID string, payload any) (events.Event, error)
}

// Options tunes pricing and submission.
type Options struct {
	TaxBps           int
	Mode             pricing.WholeOrderMode
	Currency         string
	MaxPeriods       int
	SubmitLockTTL    time.Duration
	ConfirmationPath string
	BillingPeriod    string
}

// Service drives checkout sessions from cart snapshot to order confirmation.
type Service struct {
	Sessions      Store
	Confirmations ConfirmationStore
	Coupons       CouponValidator
	Orders        OrderCreator
	Payments      payment.Verifier
	Outbox        Outbox
	Reconcile     ReconcileScheduler
	Cart          cart.Clearer
	Locker        SubmitLocker
	Events        EventEmitter
	Validate      *validator.Validate
	Options       Options
	Logger        zerolog.Logger
	Now           func() time.Time

	locks keyedMutex
}

var defaultValidator = validator.New()

var tracer = otel.Tracer("checkout")

type submission struct {
	method   string
	intentID string
	charge   *payment.Charge
	billing  *panelapi.BillingInfo
}

type prepared struct {
	sess    Session
	quote   pricing.Quote
	order   panelapi.CreateOrderRequest
	charge  *payment.Charge
	idemKey string
}

// ChargeInput identifies a processor charge the storefront reports as paid.
type ChargeInput struct {
	PaymentIntentID string                `json:"payment_intent_id"`
	Billing         *panelapi.BillingInfo `json:"billing_info,omitempty"`
}

// Start opens a session over a cart snapshot.
func (s *Service) Start(ctx context.Context, customerID string, snap cart.Snapshot, periods int) (Session, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return Session{}, fmt.Errorf("customer id is required: %w", ErrInvalidRequest)
	}
	if periods == 0 {
		periods = 1
	}
	if err := s.checkCart(snap, periods); err != nil {
		return Session{}, err
	}
	now := s.now()
	sess := Session{
		ID:         uuid.NewString(),
		CustomerID: customerID,
		Cart:       snap,
		Periods:    periods,
		State:      StateIdle,
		CreatedAt:  now,
	}
	if err := s.save(ctx, &sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Get returns the session if it belongs to customerID. An empty customerID skips the ownership check.
func (s *Service) Get(ctx context.Context, customerID, id string) (Session, error) {
	return s.load(ctx, customerID, id)
}

// Quote prices the session as it stands.
func (s *Service) Quote(sess Session) (pricing.Quote, error) {
	items, err := sess.Cart.Items()
	if err != nil {
		return pricing.Quote{}, err
	}
	return pricing.BuildQuote(pricing.Input{
		Items:   items,
		Periods: sess.Periods,
		Coupon:  sess.Coupon.Applied(),
		TaxBps:  s.Options.TaxBps,
		Mode:    s.Options.Mode,
	})
}

// ApplyCoupon validates code against the current cart. Only the newest
// validation may change the session; older responses get ErrSuperseded.
// Rejections and outages leave the session in coupon_rejected and are
// returned alongside it.
func (s *Service) ApplyCoupon(ctx context.Context, customerID, id, code string) (Session, error) {
	code = coupon.NormalizeCode(code)
	if code == "" {
		return Session{}, coupon.ErrCodeRequired
	}
	if s.Coupons == nil {
		return Session{}, fmt.Errorf("coupon validator not configured: %w", coupon.ErrUnavailable)
	}
	ctx, span := tracer.Start(ctx, "checkout.ApplyCoupon", trace.WithAttributes(attribute.String("checkout.session_id", id)))
	defer span.End()

	seq, req, err := s.beginCoupon(ctx, customerID, id, code)
	if err != nil {
		return Session{}, err
	}
	app, verr := s.Coupons.Validate(ctx, req)
	return s.finishCoupon(ctx, id, seq, app, verr)
}

func (s *Service) beginCoupon(ctx context.Context, customerID, id, code string) (uint64, coupon.Request, error) {
	unlock := s.locks.lock(id)
	defer unlock()
	sess, err := s.load(ctx, customerID, id)
	if err != nil {
		return 0, coupon.Request{}, err
	}
	if !sess.State.Editable() {
		return 0, coupon.Request{}, fmt.Errorf("apply coupon in %s: %w", sess.State, ErrInvalidTransition)
	}
	items, err := sess.Cart.Items()
	if err != nil {
		return 0, coupon.Request{}, err
	}
	if err := sess.moveTo(StateCouponValidating); err != nil {
		return 0, coupon.Request{}, err
	}
	sess.resetCoupon()
	sess.CouponCode = code
	if err := s.save(ctx, &sess); err != nil {
		return 0, coupon.Request{}, err
	}
	return sess.CouponSeq, coupon.Request{
		Code:       code,
		Subtotal:   pricing.Subtotal(items),
		CustomerID: sess.CustomerID,
		ProductIDs: sess.Cart.ProductIDs(),
	}, nil
}

func (s *Service) finishCoupon(ctx context.Context, id string, seq uint64, app coupon.Application, verr error) (Session, error) {
	ctx = context.WithoutCancel(ctx)
	unlock := s.locks.lock(id)
	defer unlock()
	sess, err := s.Sessions.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if sess.CouponSeq != seq || sess.State != StateCouponValidating {
		return sess, ErrSuperseded
	}
	if verr == nil {
		trial := sess
		trial.Coupon = &app
		if _, err := s.Quote(trial); err != nil {
			app = coupon.Application{Message: "This coupon cannot be applied to the current order", OrderAmount: app.OrderAmount}
			verr = fmt.Errorf("%w: %w", coupon.ErrRejected, err)
		}
	}
	switch {
	case verr == nil:
		if err := sess.moveTo(StateCouponApplied); err != nil {
			return sess, err
		}
		sess.Coupon = &app
		sess.CouponMessage = app.Message
	case errors.Is(verr, coupon.ErrRejected), errors.Is(verr, coupon.ErrUnavailable):
		if err := sess.moveTo(StateCouponRejected); err != nil {
			return sess, err
		}
		sess.Coupon = nil
		sess.CouponMessage = app.Message
	default:
		if err := sess.moveTo(StateIdle); err != nil {
			return sess, err
		}
		sess.CouponCode = ""
	}
	if err := s.save(ctx, &sess); err != nil {
		return sess, err
	}
	return sess, verr
}

// RemoveCoupon drops the coupon and cancels any validation in flight.
func (s *Service) RemoveCoupon(ctx context.Context, customerID, id string) (Session, error) {
	_, sess, err := s.edit(ctx, customerID, id, func(sess *Session) error {
		sess.CouponCode = ""
		return nil
	})
	return sess, err
}

// SetPeriods changes the billing period count. An existing coupon is
// discarded and validated again against the new order.
func (s *Service) SetPeriods(ctx context.Context, customerID, id string, periods int) (Session, error) {
	code, sess, err := s.edit(ctx, customerID, id, func(sess *Session) error {
		if err := s.checkCart(sess.Cart, periods); err != nil {
			return err
		}
		sess.Periods = periods
		return nil
	})
	if err != nil || code == "" {
		return sess, err
	}
	return s.ApplyCoupon(ctx, customerID, id, code)
}

// ReplaceCart swaps the cart snapshot. An existing coupon is discarded and
// validated again against the new subtotal. A snapshot with unchanged priced
// contents leaves the session as it is.
func (s *Service) ReplaceCart(ctx context.Context, customerID, id string, snap cart.Snapshot) (Session, error) {
	if cur, err := s.Get(ctx, customerID, id); err == nil && sameCart(cur, snap) {
		return cur, nil
	}
	code, sess, err := s.edit(ctx, customerID, id, func(sess *Session) error {
		if err := s.checkCart(snap, sess.Periods); err != nil {
			return err
		}
		sess.Cart = snap
		return nil
	})
	if err != nil || code == "" {
		return sess, err
	}
	return s.ApplyCoupon(ctx, customerID, id, code)
}

func sameCart(sess Session, snap cart.Snapshot) bool {
	if !sess.State.Editable() || sess.State == StateOrderFailed {
		return false
	}
	return sess.Cart.Key == snap.Key && sess.Cart.Fingerprint() == snap.Fingerprint()
}

// edit applies fn to an editable session, resets the coupon and returns the
// code that was in place.
func (s *Service) edit(ctx context.Context, customerID, id string, fn func(*Session) error) (string, Session, error) {
	unlock := s.locks.lock(id)
	defer unlock()
	sess, err := s.load(ctx, customerID, id)
	if err != nil {
		return "", Session{}, err
	}
	if !sess.State.Editable() {
		return "", Session{}, fmt.Errorf("edit in %s: %w", sess.State, ErrInvalidTransition)
	}
	if err := fn(&sess); err != nil {
		return "", Session{}, err
	}
	code := sess.CouponCode
	sess.resetCoupon()
	if err := sess.moveTo(StateIdle); err != nil {
		return "", Session{}, err
	}
	if err := s.save(ctx, &sess); err != nil {
		return "", Session{}, err
	}
	return code, sess, nil
}

// SetBilling stores billing details ahead of payment.
func (s *Service) SetBilling(ctx context.Context, customerID, id string, billing panelapi.BillingInfo) (Session, error) {
	if err := s.validator().Struct(billing); err != nil {
		return Session{}, fmt.Errorf("%w: %s", ErrInvalidBilling, err)
	}
	unlock := s.locks.lock(id)
	defer unlock()
	sess, err := s.load(ctx, customerID, id)
	if err != nil {
		return Session{}, err
	}
	if sess.State == StateSubmitting || sess.State.Completed() || sess.State.Terminal() {
		return Session{}, fmt.Errorf("billing in %s: %w", sess.State, ErrInvalidTransition)
	}
	sess.Billing = &billing
	if err := s.save(ctx, &sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// SubmitManual places an order paid by card on file, without a processor charge.
func (s *Service) SubmitManual(ctx context.Context, customerID, id string, billing *panelapi.BillingInfo) (Confirmation, error) {
	return s.submit(ctx, customerID, id, submission{method: MethodCreditCard, billing: billing})
}

// CompleteCharge places the order for a charge the processor reports as succeeded.
func (s *Service) CompleteCharge(ctx context.Context, customerID, id string, in ChargeInput) (Confirmation, error) {
	intentID := strings.TrimSpace(in.PaymentIntentID)
	if intentID == "" {
		return Confirmation{}, fmt.Errorf("payment intent id is required: %w", ErrInvalidRequest)
	}
	if s.Payments == nil {
		return Confirmation{}, payment.ErrNotConfigured
	}
	charge, err := s.Payments.Verify(ctx, intentID)
	if err != nil {
		return Confirmation{}, err
	}
	return s.submit(ctx, customerID, id, submission{method: MethodStripe, intentID: intentID, charge: &charge, billing: in.Billing})
}

// ChargeSucceeded implements payment.ChargeConfirmer for processor webhooks.
// A returned error asks the processor to redeliver later.
func (s *Service) ChargeSucceeded(ctx context.Context, charge payment.Charge) error {
	sid := charge.SessionID()
	log := s.Logger.With().Str("payment_intent_id", charge.IntentID).Str("session_id", sid).Logger()
	if sid == "" {
		log.Warn().Msg("charge without checkout session ignored")
		return nil
	}
	_, err := s.submit(ctx, "", sid, submission{method: MethodStripe, intentID: charge.IntentID, charge: &charge})
	switch {
	case err == nil, errors.Is(err, ErrReconciliationRequired):
		return nil
	case errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrIntentMismatch),
		errors.Is(err, payment.ErrAmountMismatch),
		errors.Is(err, payment.ErrChargeFailed),
		errors.Is(err, pricing.ErrEmptyCart),
		errors.Is(err, pricing.ErrStaleCoupon):
		log.Error().Err(err).Bool("reconciliation_required", true).Msg("captured charge matches no payable checkout")
		s.raiseReconciliation(ctx, notify.ReconciliationAlert{
			PaymentIntentID: charge.IntentID,
			SessionID:       sid,
			AmountMinor:     charge.Amount,
			Currency:        charge.Currency,
			Reason:          err.Error(),
		})
		return nil
	}
	return err
}

// Confirmation returns the stored confirmation for a finished session.
func (s *Service) Confirmation(ctx context.Context, customerID, id string) (Confirmation, error) {
	if s.Confirmations == nil {
		return Confirmation{}, ErrConfirmationNotFound
	}
	conf, err := s.Confirmations.Confirmation(ctx, id)
	if err != nil {
		return Confirmation{}, err
	}
	if customerID != "" && conf.CustomerID != customerID {
		return Confirmation{}, ErrConfirmationNotFound
	}
	return conf, nil
}

// ConfirmReconciled implements reconcile.Confirmer.
func (s *Service) ConfirmReconciled(ctx context.Context, rec reconcile.Record, orderReference string) error {
	var order panelapi.CreateOrderRequest
	if err := json.Unmarshal(rec.Order, &order); err != nil {
		return fmt.Errorf("decode stored order: %w", err)
	}
	var errs error
	if s.Confirmations != nil {
		errs = errors.Join(errs, s.Confirmations.SaveConfirmation(ctx, Confirmation{
			SessionID:       rec.SessionID,
			CustomerID:      rec.CustomerID,
			OrderReference:  orderReference,
			PaymentMethod:   MethodStripe,
			PaymentIntentID: rec.PaymentIntentID,
			Currency:        rec.Currency,
			Order:           order,
			RedirectURL:     s.redirectURL(orderReference),
			CreatedAt:       s.now(),
		}))
	}
	if s.Cart != nil && rec.CartKey != "" {
		errs = errors.Join(errs, s.Cart.Clear(ctx, rec.CartKey))
	}

	unlock := s.locks.lock(rec.SessionID)
	defer unlock()
	sess, err := s.Sessions.Get(ctx, rec.SessionID)
	switch {
	case errors.Is(err, ErrSessionNotFound):
	case err != nil:
		errs = errors.Join(errs, err)
	default:
		sess.OrderReference = orderReference
		sess.LastError = ""
		errs = errors.Join(errs, s.save(ctx, &sess))
	}
	return errs
}

func (s *Service) submit(ctx context.Context, customerID, id string, sub submission) (Confirmation, error) {
	ctx, span := tracer.Start(ctx, "checkout.submit", trace.WithAttributes(
		attribute.String("checkout.session_id", id),
		attribute.String("checkout.payment_method", sub.method),
	))
	defer span.End()

	keys := []string{"checkout:submit:" + id}
	if sub.intentID != "" {
		keys = append(keys, "checkout:charge:"+sub.intentID)
	}
	var conf Confirmation
	err := s.withLocks(ctx, keys, func(ctx context.Context) error {
		var err error
		conf, err = s.submitLocked(ctx, customerID, id, sub)
		return err
	})
	if errors.Is(err, lock.ErrLocked) {
		err = ErrSubmissionInFlight
	}
	if err != nil {
		span.RecordError(err)
	}
	return conf, err
}

func (s *Service) withLocks(ctx context.Context, keys []string, fn func(context.Context) error) error {
	if s.Locker == nil || len(keys) == 0 {
		return fn(ctx)
	}
	return s.Locker.TryLock(ctx, keys[0], s.submitLockTTL(), func(ctx context.Context) error {
		return s.withLocks(ctx, keys[1:], fn)
	})
}

func (s *Service) submitLocked(ctx context.Context, customerID, id string, sub submission) (Confirmation, error) {
	p, replay, err := s.beginSubmit(ctx, customerID, id, sub)
	if err != nil {
		return Confirmation{}, err
	}
	if replay {
		return s.replayConfirmation(ctx, p.sess), nil
	}

	// The outcome must be recorded even if the caller goes away.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.submitLockTTL())
	defer cancel()

	ref, err := s.createOrder(ctx, p)
	if err != nil {
		return s.failSubmit(ctx, p, err)
	}
	return s.completeSubmit(ctx, p, ref)
}

func (s *Service) beginSubmit(ctx context.Context, customerID, id string, sub submission) (prepared, bool, error) {
	unlock := s.locks.lock(id)
	defer unlock()
	sess, err := s.load(ctx, customerID, id)
	if err != nil {
		return prepared{}, false, err
	}

	switch {
	case sess.State.Completed():
		if sess.PaymentMethod == sub.method && sess.PaymentIntentID == sub.intentID {
			return prepared{sess: sess}, true, nil
		}
		return prepared{}, false, fmt.Errorf("order %s already placed: %w", sess.OrderReference, ErrInvalidTransition)
	case sess.State == StateReconciliationRequired:
		if sub.intentID != "" && sess.PaymentIntentID == sub.intentID {
			return prepared{}, false, &ReconciliationError{PaymentIntentID: sub.intentID, Err: errors.New(sess.LastError)}
		}
		return prepared{}, false, fmt.Errorf("submit in %s: %w", sess.State, ErrInvalidTransition)
	case sess.State == StateSubmitting:
		if s.now().Sub(sess.SubmittingSince) < s.submitLockTTL() {
			return prepared{}, false, ErrSubmissionInFlight
		}
		// left behind by a submission that never finished
		sess.State = StateOrderFailed
	case sess.State == StateCouponValidating:
		return prepared{}, false, ErrCouponPending
	}

	billing := sess.Billing
	if sub.billing != nil {
		billing = sub.billing
	}
	if billing == nil {
		return prepared{}, false, fmt.Errorf("billing information is required: %w", ErrInvalidBilling)
	}
	if err := s.validator().Struct(billing); err != nil {
		return prepared{}, false, fmt.Errorf("%w: %s", ErrInvalidBilling, err)
	}
	q, err := s.Quote(sess)
	if err != nil {
		return prepared{}, false, err
	}
	p := prepared{quote: q, charge: sub.charge}
	if sub.charge != nil {
		if err := s.checkCharge(sess, sub, q.Totals.Total); err != nil {
			return prepared{}, false, err
		}
	}

	if err := sess.moveTo(StateSubmitting); err != nil {
		return prepared{}, false, err
	}
	sess.SubmittingSince = s.now()
	sess.PaymentMethod = sub.method
	sess.PaymentIntentID = sub.intentID
	sess.Billing = billing
	sess.LastError = ""
	p.order = BuildOrderRequest(q, OrderParams{
		CustomerID:      sess.CustomerID,
		Billing:         *billing,
		PaymentMethod:   sub.method,
		PaymentIntentID: sub.intentID,
		BillingPeriod:   s.Options.BillingPeriod,
	})
	p.idemKey = sub.intentID
	if p.idemKey == "" {
		p.idemKey = manualKey(sess.ID, p.order)
	}
	if err := s.save(ctx, &sess); err != nil {
		return prepared{}, false, err
	}
	p.sess = sess
	return p, false, nil
}

func (s *Service) checkCharge(sess Session, sub submission, total pricing.Money) error {
	charge := sub.charge
	if charge.IntentID != "" && charge.IntentID != sub.intentID {
		return fmt.Errorf("charge %s reported as %s: %w", charge.IntentID, sub.intentID, ErrIntentMismatch)
	}
	if sid := charge.SessionID(); sid != "" && sid != sess.ID {
		return fmt.Errorf("charge %s: %w", charge.IntentID, ErrIntentMismatch)
	}
	if cur := strings.TrimSpace(s.Options.Currency); cur != "" && charge.Currency != "" && !strings.EqualFold(cur, charge.Currency) {
		return fmt.Errorf("charged in %s, expected %s: %w", charge.Currency, cur, payment.ErrAmountMismatch)
	}
	return payment.CheckSucceeded(*charge, total)
}

func (s *Service) createOrder(ctx context.Context, p prepared) (string, error) {
	if p.charge != nil && s.Outbox != nil {
		payload, err := json.Marshal(p.order)
		if err != nil {
			return "", err
		}
		email := ""
		if p.sess.Billing != nil {
			email = p.sess.Billing.CustomerEmail
		}
		rec, inserted, err := s.Outbox.Record(ctx, reconcile.Record{
			PaymentIntentID: p.charge.IntentID,
			SessionID:       p.sess.ID,
			CustomerID:      p.sess.CustomerID,
			CustomerEmail:   email,
			CartKey:         p.sess.Cart.Key,
			AmountMinor:     p.charge.Amount,
			Currency:        p.charge.Currency,
			Order:           payload,
		})
		switch {
		case err != nil:
			s.Logger.Error().Err(err).Str("payment_intent_id", p.charge.IntentID).Msg("charge outbox write failed")
		case !inserted && rec.Status == reconcile.StatusCreated && rec.OrderReference != "":
			return rec.OrderReference, nil
		}
	}
	if s.Orders == nil {
		return "", panelapi.ErrNotConfigured
	}
	start := time.Now()
	resp, err := s.Orders.CreateOrder(ctx, p.idemKey, p.order)
	if obs.OrderSubmitLatency != nil {
		obs.OrderSubmitLatency.WithLabelValues(p.sess.PaymentMethod).Observe(float64(time.Since(start).Milliseconds()))
	}
	if err != nil {
		return "", err
	}
	return resp.Reference(), nil
}

func (s *Service) completeSubmit(ctx context.Context, p prepared, ref string) (Confirmation, error) {
	unlock := s.locks.lock(p.sess.ID)
	defer unlock()
	sess, err := s.Sessions.Get(ctx, p.sess.ID)
	if err != nil {
		sess = p.sess
	}
	log := s.Logger.With().Str("session_id", sess.ID).Str("order_reference", ref).Logger()

	if err := sess.moveTo(StateOrderCreated); err != nil {
		return Confirmation{}, err
	}
	sess.OrderReference = ref
	sess.SubmittingSince = time.Time{}
	if p.charge != nil && s.Outbox != nil {
		if err := s.Outbox.MarkCreated(ctx, p.charge.IntentID, ref); err != nil {
			log.Warn().Err(err).Msg("mark charge outbox created")
		}
	}
	s.emit(ctx, events.TopicOrderCreated, sess.ID, map[string]any{
		"order_reference":   ref,
		"customer_id":       sess.CustomerID,
		"payment_method":    sess.PaymentMethod,
		"payment_intent_id": sess.PaymentIntentID,
		"total_minor":       p.quote.Totals.Total,
	})

	if s.Cart != nil && sess.Cart.Key != "" {
		if err := s.Cart.Clear(ctx, sess.Cart.Key); err != nil {
			log.Warn().Err(err).Str("cart_key", sess.Cart.Key).Msg("clear cart after order")
		}
	}
	if err := sess.moveTo(StateCartCleared); err != nil {
		return Confirmation{}, err
	}

	conf := Confirmation{
		SessionID:       sess.ID,
		CustomerID:      sess.CustomerID,
		OrderReference:  ref,
		PaymentMethod:   sess.PaymentMethod,
		PaymentIntentID: sess.PaymentIntentID,
		Currency:        s.Options.Currency,
		Order:           p.order,
		Breakdown:       p.quote.Breakdown,
		RedirectURL:     s.redirectURL(ref),
		CreatedAt:       s.now(),
	}
	if s.Confirmations != nil {
		if err := s.Confirmations.SaveConfirmation(ctx, conf); err != nil {
			log.Error().Err(err).Msg("store order confirmation")
		}
	}
	if err := sess.moveTo(StateRedirected); err != nil {
		return Confirmation{}, err
	}
	if err := s.save(ctx, &sess); err != nil {
		log.Error().Err(err).Msg("save completed session")
	}
	recordOrder(sess.PaymentMethod, "created")
	log.Info().Str("payment_method", sess.PaymentMethod).Msg("order created")
	return conf, nil
}

func (s *Service) failSubmit(ctx context.Context, p prepared, cause error) (Confirmation, error) {
	unlock := s.locks.lock(p.sess.ID)
	defer unlock()
	sess, err := s.Sessions.Get(ctx, p.sess.ID)
	if err != nil {
		sess = p.sess
	}
	sess.SubmittingSince = time.Time{}
	sess.LastError = cause.Error()

	if p.charge == nil {
		if err := sess.moveTo(StateOrderFailed); err != nil {
			return Confirmation{}, err
		}
		if err := s.save(ctx, &sess); err != nil {
			s.Logger.Error().Err(err).Str("session_id", sess.ID).Msg("save failed session")
		}
		s.emit(ctx, events.TopicOrderFailed, sess.ID, map[string]any{
			"customer_id":    sess.CustomerID,
			"payment_method": sess.PaymentMethod,
			"reason":         cause.Error(),
		})
		recordOrder(sess.PaymentMethod, "failed")
		s.Logger.Warn().Err(cause).Str("session_id", sess.ID).Msg("order creation failed")
		var apiErr *panelapi.APIError
		if errors.As(cause, &apiErr) {
			return Confirmation{}, fmt.Errorf("%w: %w", ErrOrderRejected, cause)
		}
		return Confirmation{}, cause
	}

	intentID := p.charge.IntentID
	if err := sess.moveTo(StateReconciliationRequired); err != nil {
		return Confirmation{}, err
	}
	if err := s.save(ctx, &sess); err != nil {
		s.Logger.Error().Err(err).Str("session_id", sess.ID).Msg("save reconciliation session")
	}
	recordOrder(sess.PaymentMethod, "reconciliation_required")
	s.Logger.Error().Err(cause).
		Bool("reconciliation_required", true).
		Str("payment_intent_id", intentID).
		Str("session_id", sess.ID).
		Str("customer_id", sess.CustomerID).
		Int64("amount_minor", p.charge.Amount).
		Msg("charge captured but order creation failed")

	if s.Outbox != nil {
		if err := s.Outbox.MarkFailed(ctx, intentID, reconcile.StatusRetrying, cause.Error()); err != nil {
			s.Logger.Warn().Err(err).Str("payment_intent_id", intentID).Msg("mark charge outbox failed")
		}
	}
	if s.Reconcile != nil {
		if err := s.Reconcile.Schedule(ctx, intentID); err != nil {
			s.Logger.Error().Err(err).Str("payment_intent_id", intentID).Msg("schedule reconciliation")
		}
	}
	email := ""
	if sess.Billing != nil {
		email = sess.Billing.CustomerEmail
	}
	s.raiseReconciliation(ctx, notify.ReconciliationAlert{
		PaymentIntentID: intentID,
		SessionID:       sess.ID,
		CustomerID:      sess.CustomerID,
		CustomerEmail:   email,
		AmountMinor:     p.charge.Amount,
		Currency:        p.charge.Currency,
		Reason:          cause.Error(),
	})
	return Confirmation{}, &ReconciliationError{PaymentIntentID: intentID, Err: cause}
}

func (s *Service) raiseReconciliation(ctx context.Context, alert notify.ReconciliationAlert) {
	if obs.ReconciliationRequiredTotal != nil {
		obs.ReconciliationRequiredTotal.Inc()
	}
	alert.RaisedAt = s.now()
	aggregate := alert.SessionID
	if aggregate == "" {
		aggregate = alert.PaymentIntentID
	}
	s.emit(ctx, events.TopicReconciliationRequired, aggregate, alert)
}

func (s *Service) replayConfirmation(ctx context.Context, sess Session) Confirmation {
	if s.Confirmations != nil {
		if conf, err := s.Confirmations.Confirmation(ctx, sess.ID); err == nil {
			return conf
		}
	}
	return Confirmation{
		SessionID:       sess.ID,
		CustomerID:      sess.CustomerID,
		OrderReference:  sess.OrderReference,
		PaymentMethod:   sess.PaymentMethod,
		PaymentIntentID: sess.PaymentIntentID,
		Currency:        s.Options.Currency,
		RedirectURL:     s.redirectURL(sess.OrderReference),
		CreatedAt:       sess.UpdatedAt,
	}
}

func (s *Service) emit(ctx context.Context, topic, aggregateID string, payload any) {
	if s.Events == nil {
		return
	}
	if _, err := s.Events.Emit(ctx, topic, aggregateID, payload); err != nil {
		s.Logger.Warn().Err(err).Str("topic", topic).Str("aggregate_id", aggregateID).Msg("emit domain event")
	}
}

func (s *Service) load(ctx context.Context, customerID, id string) (Session, error) {
	id = strings.TrimSpace(id)
	if id == "" || s.Sessions == nil {
		return Session{}, ErrSessionNotFound
	}
	sess, err := s.Sessions.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if customerID != "" && sess.CustomerID != customerID {
		return Session{}, ErrSessionNotFound
	}
	return sess, nil
}

func (s *Service) save(ctx context.Context, sess *Session) error {
	sess.UpdatedAt = s.now()
	return s.Sessions.Save(ctx, *sess)
}

func (s *Service) checkCart(snap cart.Snapshot, periods int) error {
	items, err := snap.Items()
	if err != nil {
		return err
	}
	if err := s.validator().Struct(snap); err != nil {
		return fmt.Errorf("%w: %s", cart.ErrInvalidInput, err)
	}
	if s.Options.MaxPeriods > 0 && periods > s.Options.MaxPeriods {
		return fmt.Errorf("at most %d periods: %w", s.Options.MaxPeriods, pricing.ErrInvalidPeriods)
	}
	return pricing.ValidateInput(items, periods)
}

func (s *Service) validator() *validator.Validate {
	if s.Validate != nil {
		return s.Validate
	}
	return defaultValidator
}

func (s *Service) submitLockTTL() time.Duration {
	if s.Options.SubmitLockTTL > 0 {
		return s.Options.SubmitLockTTL
	}
	return 45 * time.Second
}

func (s *Service) redirectURL(ref string) string {
	path := s.Options.ConfirmationPath
	if path == "" {
		path = "/checkout/confirmation"
	}
	return path + "?order=" + url.QueryEscape(ref)
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// manualKey derives the order idempotency key for card-on-file submissions.
// Resubmitting the same order reuses the key so an unobserved success is not duplicated.
func manualKey(sessionID string, order panelapi.CreateOrderRequest) string {
	raw, _ := json.Marshal(order)
	return "checkout:" + sessionID + ":" + common.Digest(raw, 24)
}

func recordOrder(method, result string) {
	if obs.CheckoutOrdersTotal != nil {
		obs.CheckoutOrdersTotal.WithLabelValues(method, result).Inc()
	}
}
