package processors

import (
	"context"
	"sync"
	"time"

	"github.com/abjerry97/go_hostel/api"
	"github.com/abjerry97/go_hostel/internal/mpesa"
	"github.com/abjerry97/go_hostel/internal/tools"
	"github.com/shopspring/decimal"
)

type fakeGateway struct {
	mu         sync.Mutex
	session    *api.CheckoutSession
	initErr    error
	statuses   []*api.TransactionStatus
	queryErrs  []error
	inits      int
	queries    int
	lastCharge api.PaymentRequest
	onQuery    func(n int)
	onInit     func(n int)
}

func (g *fakeGateway) InitiateCharge(ctx context.Context, req api.PaymentRequest) (*api.CheckoutSession, error) {
	g.mu.Lock()
	g.inits++
	n := g.inits
	hook := g.onInit
	g.mu.Unlock()

	if hook != nil {
		hook(n)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastCharge = req
	if g.initErr != nil {
		return nil, g.initErr
	}
	if g.session != nil {
		return g.session, nil
	}
	return &api.CheckoutSession{CheckoutRequestID: "ws_CO_1", ResponseCode: "0"}, nil
}

func (g *fakeGateway) QueryStatus(ctx context.Context, checkoutRequestID string) (*api.TransactionStatus, error) {
	g.mu.Lock()
	g.queries++
	n := g.queries
	hook := g.onQuery
	var (
		status *api.TransactionStatus
		err    error
	)
	if n <= len(g.queryErrs) {
		err = g.queryErrs[n-1]
	}
	if n <= len(g.statuses) {
		status = g.statuses[n-1]
	} else if len(g.statuses) > 0 {
		status = g.statuses[len(g.statuses)-1]
	} else {
		status = &api.TransactionStatus{ResultCode: "1", ResultDesc: "Transaction is being processed"}
	}
	g.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if err != nil {
		return nil, err
	}
	return status, nil
}

func (g *fakeGateway) queryCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queries
}

type fakeStore struct {
	mu       sync.Mutex
	payments map[string]*api.Payment
	alloc    *api.RoomAllocation
	mealPlan int
	active   bool
	createFn func(p *api.Payment) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{payments: make(map[string]*api.Payment), alloc: testAllocation()}
}

func (s *fakeStore) HasActivePayment(ctx context.Context, studentID, month, category string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return true, nil
	}
	for _, p := range s.payments {
		if p.StudentID == studentID && p.Month == month && p.Category == category && p.Status != api.StatusFailed {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) CreatePendingPayment(ctx context.Context, p *api.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createFn != nil {
		if err := s.createFn(p); err != nil {
			return err
		}
	}
	p.Status = api.StatusPending
	p.PaymentDate = time.Now()
	stored := *p
	s.payments[p.ID] = &stored
	return nil
}

func (s *fakeStore) CompletePayment(ctx context.Context, id, transactionCode, resultDesc string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok || p.Status != api.StatusPending {
		return false, nil
	}
	p.Status = api.StatusCompleted
	p.TransactionCode = &transactionCode
	return true, nil
}

func (s *fakeStore) FailPayment(ctx context.Context, id, resultDesc string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok || p.Status != api.StatusPending {
		return false, nil
	}
	p.Status = api.StatusFailed
	p.TransactionCode = nil
	p.ResultDesc = &resultDesc
	return true, nil
}

func (s *fakeStore) GetPayment(ctx context.Context, id string) (*api.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, tools.ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *fakeStore) ListStalePending(ctx context.Context, olderThan time.Duration) ([]api.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []api.Payment
	for _, p := range s.payments {
		if p.Status == api.StatusPending && time.Since(p.PaymentDate) >= olderThan {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *fakeStore) ApprovedAllocation(ctx context.Context, studentID string) (*api.RoomAllocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alloc, nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payments)
}

func (s *fakeStore) ActiveMealPlan(ctx context.Context, studentID string) (int, bool, error) {
	return s.mealPlan, s.mealPlan != 0, nil
}

func (s *fakeStore) status(id string) api.PaymentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payments[id].Status
}

func (s *fakeStore) put(p *api.Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.payments[p.ID] = &cp
}

type fakeLocks struct {
	mu        sync.Mutex
	held      map[string]bool
	refs      map[string]bool
	callbacks map[string]*api.TransactionStatus
	abandoned map[string]bool
	released  int
	refTaken  bool
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{
		held:      make(map[string]bool),
		refs:      make(map[string]bool),
		callbacks: make(map[string]*api.TransactionStatus),
		abandoned: make(map[string]bool),
	}
}

func (l *fakeLocks) AcquireAttemptLock(ctx context.Context, studentID, month, category string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := studentID + month + category
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *fakeLocks) ReleaseAttemptLock(ctx context.Context, studentID, month, category string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, studentID+month+category)
	l.released++
	return nil
}

func (l *fakeLocks) ReserveReference(ctx context.Context, reference string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refTaken || l.refs[reference] {
		return false, nil
	}
	l.refs[reference] = true
	return true, nil
}

func (l *fakeLocks) GetCallbackStatus(ctx context.Context, checkoutRequestID string) (*api.TransactionStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.callbacks[checkoutRequestID], nil
}

func (l *fakeLocks) IsAbandonRequested(ctx context.Context, paymentID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.abandoned[paymentID], nil
}

func (l *fakeLocks) abandon(paymentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.abandoned[paymentID] = true
}

func testAllocation() *api.RoomAllocation {
	return &api.RoomAllocation{
		BookingID: "b-1",
		StudentID: "abcd1234-student",
		Room: api.Room{
			ID:            "r-1",
			RoomNumber:    "A101",
			PricePerMonth: decimal.NewFromInt(8000),
		},
	}
}

func testPayload(items ...string) api.PaymentPayload {
	return api.PaymentPayload{Month: "2024-03", PhoneNumber: "0712345678", LineItems: items}
}

var rejected = &mpesa.ChargeRejectedError{Code: "1", Description: "Invalid PhoneNumber"}
