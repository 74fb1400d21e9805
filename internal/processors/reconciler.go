package processors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/abjerry97/go_hostel/api"
	"github.com/abjerry97/go_hostel/internal/mpesa"
	"github.com/abjerry97/go_hostel/internal/tools"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

var (
	ErrInvalidMonth     = errors.New("month must be formatted as YYYY-MM")
	ErrInitiationFailed = errors.New("payment initiation failed")
	ErrUserCancelled    = errors.New("transaction cancelled by user")
	ErrPaymentTimeout   = errors.New("payment timeout: please check your M-Pesa messages for the status")
	ErrPaymentAbandoned = errors.New("payment abandoned")
	ErrChargeFailed     = errors.New("payment failed")
	ErrShutdown         = errors.New("reconciler shutting down")
	ErrAttemptInFlight  = errors.New("a payment attempt for this month is already in progress")
)

const (
	maxReferenceTries = 5
	referenceTTL      = 24 * time.Hour
	finalQueryTimeout = 15 * time.Second
	transactionDesc   = "Hostel fees"
)

type Gateway interface {
	InitiateCharge(ctx context.Context, req api.PaymentRequest) (*api.CheckoutSession, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (*api.TransactionStatus, error)
}

type PaymentStore interface {
	HasActivePayment(ctx context.Context, studentID, month, category string) (bool, error)
	CreatePendingPayment(ctx context.Context, p *api.Payment) error
	CompletePayment(ctx context.Context, id, transactionCode, resultDesc string) (bool, error)
	FailPayment(ctx context.Context, id, resultDesc string) (bool, error)
	GetPayment(ctx context.Context, id string) (*api.Payment, error)
	ApprovedAllocation(ctx context.Context, studentID string) (*api.RoomAllocation, error)
	ActiveMealPlan(ctx context.Context, studentID string) (int, bool, error)
}

type Locks interface {
	AcquireAttemptLock(ctx context.Context, studentID, month, category string, ttl time.Duration) (bool, error)
	ReleaseAttemptLock(ctx context.Context, studentID, month, category string) error
	ReserveReference(ctx context.Context, reference string, ttl time.Duration) (bool, error)
	GetCallbackStatus(ctx context.Context, checkoutRequestID string) (*api.TransactionStatus, error)
	IsAbandonRequested(ctx context.Context, paymentID string) (bool, error)
}

type ReconcilerConfig struct {
	Interval      time.Duration
	MaxAttempts   int
	TerminalCodes []string
	LockTTL       time.Duration
}

// Outcome is the terminal view of one attempt as shown to the student.
type Outcome struct {
	Payment *api.Payment
	Message string
}

// Reconciler owns the lifecycle of a payment attempt: initiation, the pending
// record, polling and the single terminal transition.
type Reconciler struct {
	gateway  Gateway
	store    PaymentStore
	locks    Locks
	cfg      ReconcilerConfig
	terminal map[string]bool
	now      func() time.Time
}

func NewReconciler(gateway Gateway, store PaymentStore, locks Locks, cfg ReconcilerConfig) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 30
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}

	terminal := make(map[string]bool, len(cfg.TerminalCodes))
	for _, code := range cfg.TerminalCodes {
		if code != api.ResultSuccess && code != api.ResultUserCancelled {
			terminal[code] = true
		}
	}

	return &Reconciler{
		gateway:  gateway,
		store:    store,
		locks:    locks,
		cfg:      cfg,
		terminal: terminal,
		now:      time.Now,
	}
}

// Initiate validates the payload, sends the STK push and persists the pending
// record. Nothing is stored when validation or initiation fails.
func (r *Reconciler) Initiate(ctx context.Context, studentID string, payload api.PaymentPayload) (*api.Payment, error) {
	if _, err := time.Parse("2006-01", payload.Month); err != nil {
		return nil, ErrInvalidMonth
	}

	bill, err := r.bill(ctx, studentID, payload.LineItems)
	if err != nil {
		return nil, err
	}
	if !bill.Total.IsPositive() {
		return nil, mpesa.ErrInvalidAmount
	}

	phone, err := mpesa.NormalizePhone(payload.PhoneNumber)
	if err != nil {
		return nil, err
	}

	locked, err := r.locks.AcquireAttemptLock(ctx, studentID, payload.Month, bill.Category, r.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire attempt lock: %w", err)
	}
	if !locked {
		return nil, ErrAttemptInFlight
	}
	defer func() {
		if err := r.locks.ReleaseAttemptLock(context.WithoutCancel(ctx), studentID, payload.Month, bill.Category); err != nil {
			log.WithError(err).Warn("Failed to release attempt lock")
		}
	}()

	// Checked under the lock so a concurrent attempt's row is visible.
	active, err := r.store.HasActivePayment(ctx, studentID, payload.Month, bill.Category)
	if err != nil {
		return nil, fmt.Errorf("check existing payments: %w", err)
	}
	if active {
		return nil, tools.ErrDuplicatePayment
	}

	reference, err := r.newReference(ctx, studentID, payload.Month)
	if err != nil {
		return nil, err
	}

	session, err := r.gateway.InitiateCharge(ctx, api.PaymentRequest{
		Amount:                 bill.Total,
		PhoneNumber:            phone,
		AccountReference:       reference,
		TransactionDescription: transactionDesc,
	})
	if err != nil {
		log.WithError(err).WithField("reference", reference).Warn("STK push not accepted")
		return nil, fmt.Errorf("%w: %w", ErrInitiationFailed, err)
	}

	checkoutID := session.CheckoutRequestID
	payment := &api.Payment{
		ID:                uuid.NewString(),
		StudentID:         studentID,
		Amount:            bill.Total,
		Category:          bill.Category,
		PaymentMethod:     api.MethodMpesa,
		ReferenceNumber:   reference,
		Month:             payload.Month,
		CheckoutRequestID: &checkoutID,
	}
	if err := r.store.CreatePendingPayment(ctx, payment); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"reference":   reference,
			"checkout_id": checkoutID,
		}).Error("Charge accepted but pending record was not created")
		return nil, err
	}

	log.WithFields(log.Fields{
		"payment_id":  payment.ID,
		"student_id":  studentID,
		"reference":   reference,
		"checkout_id": checkoutID,
		"amount":      bill.Total.String(),
	}).Info("Payment initiated")

	return payment, nil
}

// bill prices a selection for a student. Every payment, room or services,
// requires an approved room allocation.
func (r *Reconciler) bill(ctx context.Context, studentID string, items []string) (*Bill, error) {
	alloc, err := r.store.ApprovedAllocation(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("load room allocation: %w", err)
	}
	if alloc == nil {
		return nil, ErrNoApprovedAllocation
	}

	planID := defaultMealPlanID
	if selects(items, api.ItemMeal) {
		id, ok, err := r.store.ActiveMealPlan(ctx, studentID)
		if err != nil {
			return nil, fmt.Errorf("load meal plan: %w", err)
		}
		if ok {
			planID = id
		}
	}

	return PriceLineItems(items, alloc, planID)
}

// newReference builds PAY-<student prefix>-<YYYYMM>-<suffix> and reserves it.
func (r *Reconciler) newReference(ctx context.Context, studentID, month string) (string, error) {
	prefix := studentID
	if len(prefix) > 4 {
		prefix = prefix[:4]
	}
	period := strings.ReplaceAll(month, "-", "")

	for i := 0; i < maxReferenceTries; i++ {
		suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
		reference := strings.ToUpper(fmt.Sprintf("PAY-%s-%s-%s", prefix, period, suffix))

		ok, err := r.locks.ReserveReference(ctx, reference, referenceTTL)
		if err != nil {
			return "", fmt.Errorf("reserve reference: %w", err)
		}
		if ok {
			return reference, nil
		}
		log.WithField("reference", reference).Debug("Reference collision, regenerating")
	}
	return "", tools.ErrReferenceConflict
}

// Await polls the provider until the payment reaches a terminal state. When
// ctx is cancelled with ErrPaymentAbandoned one last query decides the
// outcome; any other cancellation leaves the record pending and returns the
// cause.
func (r *Reconciler) Await(ctx context.Context, payment *api.Payment) (*Outcome, error) {
	if payment.Status.IsTerminal() {
		return &Outcome{Payment: payment, Message: messageFor(payment.Status, nil)}, nil
	}
	if payment.CheckoutRequestID == nil || *payment.CheckoutRequestID == "" {
		return nil, mpesa.ErrMissingCheckoutID
	}
	checkoutID := *payment.CheckoutRequestID

	logger := log.WithFields(log.Fields{
		"payment_id":  payment.ID,
		"checkout_id": checkoutID,
	})

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if err := r.checkAbandoned(ctx, payment.ID); err != nil {
			return r.interrupted(ctx, payment, err)
		}

		status, err := r.poll(ctx, checkoutID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return r.interrupted(ctx, payment, context.Cause(ctx))
			}
			lastErr = err
			logger.WithError(err).Warnf("Error checking payment status (attempt %d/%d)", attempt, r.cfg.MaxAttempts)
		case status.IsSuccess():
			return r.complete(ctx, payment, status)
		case status.IsCancelled():
			return r.fail(ctx, payment, status.ResultDesc, ErrUserCancelled)
		case r.terminal[status.ResultCode]:
			return r.fail(ctx, payment, status.ResultDesc, fmt.Errorf("%w: %s", ErrChargeFailed, status.ResultDesc))
		default:
			logger.WithFields(log.Fields{
				"result_code": status.ResultCode,
				"result_desc": status.ResultDesc,
			}).Debugf("Payment status (attempt %d/%d)", attempt, r.cfg.MaxAttempts)
		}

		if attempt == r.cfg.MaxAttempts {
			break
		}
		if err := r.sleep(ctx); err != nil {
			return r.interrupted(ctx, payment, err)
		}
	}

	if lastErr != nil {
		logger.WithError(lastErr).Warn("Polling ended with errors")
	}
	return r.fail(ctx, payment, "timeout", ErrPaymentTimeout)
}

// Pay runs a full attempt in the caller's goroutine.
func (r *Reconciler) Pay(ctx context.Context, studentID string, payload api.PaymentPayload) (*Outcome, error) {
	payment, err := r.Initiate(ctx, studentID, payload)
	if err != nil {
		return nil, err
	}
	return r.Await(ctx, payment)
}

// poll asks the provider for the checkout status. A callback result is never
// trusted on its own: it only supplies the receipt number once the provider
// itself reports success.
func (r *Reconciler) poll(ctx context.Context, checkoutID string) (*api.TransactionStatus, error) {
	status, err := r.gateway.QueryStatus(ctx, checkoutID)
	if err != nil {
		return nil, err
	}
	if !status.IsSuccess() || status.MpesaReceiptNumber != "" {
		return status, nil
	}

	cached, err := r.locks.GetCallbackStatus(ctx, checkoutID)
	if err != nil {
		log.WithError(err).Debug("Callback cache lookup failed")
		return status, nil
	}
	if cached != nil && cached.IsSuccess() {
		confirmed := *status
		confirmed.MpesaReceiptNumber = cached.MpesaReceiptNumber
		return &confirmed, nil
	}
	return status, nil
}

func (r *Reconciler) checkAbandoned(ctx context.Context, paymentID string) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	abandoned, err := r.locks.IsAbandonRequested(ctx, paymentID)
	if err != nil {
		log.WithError(err).Debug("Abandon flag lookup failed")
		return nil
	}
	if abandoned {
		return ErrPaymentAbandoned
	}
	return nil
}

func (r *Reconciler) sleep(ctx context.Context) error {
	timer := time.NewTimer(r.cfg.Interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return nil
	}
}

func (r *Reconciler) interrupted(ctx context.Context, payment *api.Payment, cause error) (*Outcome, error) {
	if !errors.Is(cause, ErrPaymentAbandoned) {
		log.WithField("payment_id", payment.ID).WithError(cause).Info("Polling interrupted, payment left pending")
		return nil, cause
	}

	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalQueryTimeout)
	defer cancel()

	status, err := r.poll(qctx, *payment.CheckoutRequestID)
	if err == nil && status.IsSuccess() {
		return r.complete(qctx, payment, status)
	}
	return r.fail(qctx, payment, "abandoned", ErrPaymentAbandoned)
}

func (r *Reconciler) complete(ctx context.Context, payment *api.Payment, status *api.TransactionStatus) (*Outcome, error) {
	code := status.MpesaReceiptNumber
	if code == "" {
		code = payment.ReferenceNumber
	}

	applied, err := r.store.CompletePayment(ctx, payment.ID, code, status.ResultDesc)
	if err != nil {
		return nil, fmt.Errorf("mark payment completed: %w", err)
	}
	if !applied {
		log.WithFields(log.Fields{
			"payment_id": payment.ID,
			"receipt":    status.MpesaReceiptNumber,
		}).Warn("Success reported for a payment that is already terminal, ignoring")
		return r.current(ctx, payment)
	}

	payment.Status = api.StatusCompleted
	payment.TransactionCode = &code
	payment.ResultDesc = optional(status.ResultDesc)

	log.WithFields(log.Fields{
		"payment_id":       payment.ID,
		"transaction_code": code,
		"amount":           payment.Amount.String(),
	}).Info("Payment completed")

	return &Outcome{Payment: payment, Message: messageFor(api.StatusCompleted, nil) + " Reference: " + payment.ReferenceNumber}, nil
}

func (r *Reconciler) fail(ctx context.Context, payment *api.Payment, reason string, cause error) (*Outcome, error) {
	applied, err := r.store.FailPayment(ctx, payment.ID, reason)
	if err != nil {
		return nil, fmt.Errorf("mark payment failed: %w", err)
	}
	if !applied {
		return r.current(ctx, payment)
	}

	payment.Status = api.StatusFailed
	payment.TransactionCode = nil
	payment.ResultDesc = optional(reason)

	log.WithFields(log.Fields{
		"payment_id": payment.ID,
		"reason":     reason,
	}).Info("Payment failed")

	return &Outcome{Payment: payment, Message: messageFor(api.StatusFailed, cause)}, cause
}

// current reloads a payment whose row was already terminal.
func (r *Reconciler) current(ctx context.Context, payment *api.Payment) (*Outcome, error) {
	stored, err := r.store.GetPayment(ctx, payment.ID)
	if err != nil {
		return nil, err
	}
	return &Outcome{Payment: stored, Message: messageFor(stored.Status, nil)}, nil
}

func messageFor(status api.PaymentStatus, cause error) string {
	switch {
	case status == api.StatusCompleted:
		return "Payment completed successfully!"
	case status == api.StatusPending:
		return "Please check your phone to complete the M-Pesa payment."
	case errors.Is(cause, ErrPaymentTimeout):
		return "Payment verification timed out. Please check your M-Pesa messages."
	case errors.Is(cause, ErrUserCancelled):
		return "Payment was cancelled."
	case errors.Is(cause, ErrPaymentAbandoned):
		return "Payment was abandoned."
	default:
		return "Payment processing failed. Please try again or use a different payment method."
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Quote prices a selection without starting an attempt.
func (r *Reconciler) Quote(ctx context.Context, studentID string, items []string) (decimal.Decimal, []api.LineItem, error) {
	bill, err := r.bill(ctx, studentID, items)
	if err != nil {
		return decimal.Zero, nil, err
	}
	return bill.Total, bill.Items, nil
}
