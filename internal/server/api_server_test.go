package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/abjerry97/go_hostel/api"
	"github.com/abjerry97/go_hostel/internal/mpesa"
	"github.com/abjerry97/go_hostel/internal/processors"
	"github.com/abjerry97/go_hostel/internal/tools"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret        = "test-secret"
	testCallbackToken = "cb-token"
	callbackPath      = "/api/v1/mpesa/callback/" + testCallbackToken
)

func signToken(secret, subject, role string, ttl time.Duration) (string, error) {
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

type fakeEngine struct {
	payment *api.Payment
	err     error
	payload api.PaymentPayload
}

func (e *fakeEngine) Initiate(ctx context.Context, studentID string, payload api.PaymentPayload) (*api.Payment, error) {
	e.payload = payload
	if e.err != nil {
		return nil, e.err
	}
	p := *e.payment
	p.StudentID = studentID
	return &p, nil
}

func (e *fakeEngine) Quote(ctx context.Context, studentID string, items []string) (decimal.Decimal, []api.LineItem, error) {
	bill, err := processors.PriceLineItems(items, nil, 1)
	if err != nil {
		return decimal.Zero, nil, err
	}
	return bill.Total, bill.Items, nil
}

type fakeWorker struct {
	mu        sync.Mutex
	enqueued  []string
	cancelled []string
}

func (w *fakeWorker) Enqueue(ctx context.Context, payment *api.Payment) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.enqueued = append(w.enqueued, payment.ID)
	return nil
}

func (w *fakeWorker) Cancel(paymentID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancelled = append(w.cancelled, paymentID)
	return true
}

type fakeDB struct {
	payments map[string]*api.Payment
	filter   api.PaymentFilter
	alloc    *api.RoomAllocation
	pending  bool
	bookErr  error
	approved []string
	rejected []string
	seeded   int
	mealPlan int
}

func (d *fakeDB) GetPayment(ctx context.Context, id string) (*api.Payment, error) {
	p, ok := d.payments[id]
	if !ok {
		return nil, tools.ErrPaymentNotFound
	}
	return p, nil
}

func (d *fakeDB) ListPayments(ctx context.Context, filter api.PaymentFilter) ([]api.Payment, int, error) {
	d.filter = filter
	var out []api.Payment
	for _, p := range d.payments {
		if filter.StudentID == "" || p.StudentID == filter.StudentID {
			out = append(out, *p)
		}
	}
	return out, len(out), nil
}

func (d *fakeDB) GetPaymentStats(ctx context.Context, month string) (*tools.PaymentStats, error) {
	return &tools.PaymentStats{TotalPayments: len(d.payments)}, nil
}

func (d *fakeDB) ListRooms(ctx context.Context, availableOnly bool) ([]api.Room, error) {
	return []api.Room{{ID: "r-1", RoomNumber: "A101"}}, nil
}

func (d *fakeDB) ApprovedAllocation(ctx context.Context, studentID string) (*api.RoomAllocation, error) {
	return d.alloc, nil
}

func (d *fakeDB) HasPendingBooking(ctx context.Context, studentID string) (bool, error) {
	return d.pending, nil
}

func (d *fakeDB) CreateBookingRequest(ctx context.Context, studentID, roomID string) (*api.BookingRequest, error) {
	if d.bookErr != nil {
		return nil, d.bookErr
	}
	return &api.BookingRequest{ID: "b-1", StudentID: studentID, RoomID: roomID, Status: api.BookingPending}, nil
}

func (d *fakeDB) ListBookings(ctx context.Context, status api.BookingStatus) ([]api.BookingRequest, error) {
	return nil, nil
}

func (d *fakeDB) ApproveBooking(ctx context.Context, bookingID string) error {
	if d.bookErr != nil {
		return d.bookErr
	}
	d.approved = append(d.approved, bookingID)
	return nil
}

func (d *fakeDB) RejectBooking(ctx context.Context, bookingID string) error {
	if d.bookErr != nil {
		return d.bookErr
	}
	d.rejected = append(d.rejected, bookingID)
	return nil
}

func (d *fakeDB) ActiveMealPlan(ctx context.Context, studentID string) (int, bool, error) {
	return d.mealPlan, d.mealPlan != 0, nil
}

func (d *fakeDB) SubscribeMealPlan(ctx context.Context, studentID string, planID int) error {
	d.mealPlan = planID
	return nil
}

func (d *fakeDB) SeedRooms(ctx context.Context, count int) (int64, error) {
	d.seeded += count
	return int64(count), nil
}

func (d *fakeDB) GetRoomCount(ctx context.Context) (int, error) {
	return d.seeded, nil
}

type fakeCache struct {
	statuses  map[string]*api.TransactionStatus
	abandoned []string
}

func (f *fakeCache) CacheCallbackStatus(ctx context.Context, status *api.TransactionStatus, ttl time.Duration) error {
	f.statuses[status.CheckoutRequestID] = status
	return nil
}

func (f *fakeCache) RequestAbandon(ctx context.Context, paymentID string, ttl time.Duration) error {
	f.abandoned = append(f.abandoned, paymentID)
	return nil
}

func (f *fakeCache) QueueSize(ctx context.Context) (int64, error) {
	return 3, nil
}

type harness struct {
	engine *fakeEngine
	worker *fakeWorker
	db     *fakeDB
	cache  *fakeCache
	server *APIServer
}

func init() {
	gin.SetMode(gin.TestMode)
}

func newHarness() *harness {
	checkout := "ws_CO_1"
	h := &harness{
		engine: &fakeEngine{payment: &api.Payment{
			ID:                "pay-1",
			Amount:            decimal.NewFromInt(1800),
			Status:            api.StatusPending,
			ReferenceNumber:   "PAY-STU1-202403-ABC123",
			CheckoutRequestID: &checkout,
		}},
		worker: &fakeWorker{},
		db:     &fakeDB{payments: map[string]*api.Payment{}},
		cache:  &fakeCache{statuses: map[string]*api.TransactionStatus{}},
	}
	h.server = NewAPIServer(h.engine, h.worker, h.db, h.cache, Options{JWTSecret: testSecret, WorkerCount: 4, CallbackToken: testCallbackToken})
	return h
}

func (h *harness) do(t *testing.T, method, path, role, subject, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		token, err := signToken(testSecret, subject, role, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

func TestHealthIsPublic(t *testing.T) {
	h := newHarness()

	w, out := h.do(t, http.MethodGet, "/api/v1/health", "", "", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", out["status"])
}

func TestAuthRequired(t *testing.T) {
	h := newHarness()

	w, _ := h.do(t, http.MethodGet, "/api/v1/payments", "", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/payments", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	other, err := signToken("other-secret", "stu-1", RoleStudent, time.Hour)
	require.NoError(t, err)
	_, err = ParseToken(testSecret, other)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	h := newHarness()

	w, _ := h.do(t, http.MethodGet, "/api/v1/admin/stats", RoleStudent, "stu-1", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, out := h.do(t, http.MethodGet, "/api/v1/admin/stats", RoleAdmin, "adm-1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(3), out["queue"].(map[string]any)["size"])
	assert.Equal(t, float64(4), out["workers"].(map[string]any)["count"])
}

func TestCreatePaymentAcceptedAndQueued(t *testing.T) {
	h := newHarness()

	w, out := h.do(t, http.MethodPost, "/api/v1/payments", RoleStudent, "stu-1",
		`{"month":"2024-03","phone_number":"0712345678","line_items":["wifi","water"]}`)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "pay-1", out["payment_id"])
	assert.Equal(t, "ws_CO_1", out["checkout_request_id"])
	assert.Equal(t, "pending", out["payment_status"])
	assert.Equal(t, []string{"pay-1"}, h.worker.enqueued)
	assert.Equal(t, []string{"wifi", "water"}, h.engine.payload.LineItems)
}

func TestCreatePaymentErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantMsg  string
	}{
		{"invalid phone", mpesa.ErrInvalidPhoneNumber, http.StatusBadRequest, mpesa.ErrInvalidPhoneNumber.Error()},
		{"nothing selected", processors.ErrNoBillableItemSelected, http.StatusBadRequest, processors.ErrNoBillableItemSelected.Error()},
		{"duplicate", tools.ErrDuplicatePayment, http.StatusConflict, tools.ErrDuplicatePayment.Error()},
		{"no allocation", processors.ErrNoApprovedAllocation, http.StatusForbidden, processors.ErrNoApprovedAllocation.Error()},
		{
			"rejected by provider",
			fmt.Errorf("%w: %w", processors.ErrInitiationFailed, &mpesa.ChargeRejectedError{Code: "1", Description: "Invalid PhoneNumber"}),
			http.StatusBadGateway,
			"Invalid PhoneNumber",
		},
		{"unexpected", fmt.Errorf("boom"), http.StatusInternalServerError, "Failed to process payment. Please try again."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.engine.err = tt.err

			w, out := h.do(t, http.MethodPost, "/api/v1/payments", RoleStudent, "stu-1",
				`{"month":"2024-03","phone_number":"0712345678","line_items":["wifi"]}`)

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantMsg, out["error"])
			assert.Empty(t, h.worker.enqueued)
		})
	}
}

func TestCreatePaymentBindingErrors(t *testing.T) {
	h := newHarness()

	w, _ := h.do(t, http.MethodPost, "/api/v1/payments", RoleStudent, "stu-1", `{"month":"2024-3","phone_number":"0712345678"}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQuote(t *testing.T) {
	h := newHarness()

	w, out := h.do(t, http.MethodGet, "/api/v1/payments/quote?items=wifi,gym&items=meal", RoleStudent, "stu-1", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "4800", out["total"])
	assert.Len(t, out["items"], 3)
}

func TestGetPaymentOwnership(t *testing.T) {
	h := newHarness()
	h.db.payments["pay-1"] = &api.Payment{ID: "pay-1", StudentID: "stu-1", Status: api.StatusPending}

	w, _ := h.do(t, http.MethodGet, "/api/v1/payments/pay-1", RoleStudent, "stu-1", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = h.do(t, http.MethodGet, "/api/v1/payments/pay-1", RoleStudent, "stu-2", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = h.do(t, http.MethodGet, "/api/v1/payments/pay-1", RoleAdmin, "adm-1", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = h.do(t, http.MethodGet, "/api/v1/payments/missing", RoleStudent, "stu-1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAbandonPendingPayment(t *testing.T) {
	h := newHarness()
	h.db.payments["pay-1"] = &api.Payment{ID: "pay-1", StudentID: "stu-1", Status: api.StatusPending}

	w, _ := h.do(t, http.MethodPost, "/api/v1/payments/pay-1/abandon", RoleStudent, "stu-1", "")

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"pay-1"}, h.cache.abandoned)
	assert.Equal(t, []string{"pay-1"}, h.worker.cancelled)
}

func TestAbandonTerminalPaymentConflicts(t *testing.T) {
	h := newHarness()
	h.db.payments["pay-1"] = &api.Payment{ID: "pay-1", StudentID: "stu-1", Status: api.StatusCompleted}

	w, _ := h.do(t, http.MethodPost, "/api/v1/payments/pay-1/abandon", RoleStudent, "stu-1", "")

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Empty(t, h.worker.cancelled)
}

func TestListPaymentsScopesToCaller(t *testing.T) {
	h := newHarness()
	h.db.payments["a"] = &api.Payment{ID: "a", StudentID: "stu-1"}
	h.db.payments["b"] = &api.Payment{ID: "b", StudentID: "stu-2"}

	w, out := h.do(t, http.MethodGet, "/api/v1/payments?student_id=stu-2&month=2024-03&status=completed&limit=500", RoleStudent, "stu-1", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "stu-1", h.db.filter.StudentID)
	assert.Equal(t, "2024-03", h.db.filter.Month)
	assert.Equal(t, api.StatusCompleted, h.db.filter.Status)
	assert.Equal(t, 100, h.db.filter.Limit)
	assert.Len(t, out["payments"], 1)

	w, _ = h.do(t, http.MethodGet, "/api/v1/admin/payments?student_id=stu-2", RoleAdmin, "adm-1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "stu-2", h.db.filter.StudentID)

	w, _ = h.do(t, http.MethodGet, "/api/v1/payments?status=refunded", RoleStudent, "stu-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCallbackCachesStatus(t *testing.T) {
	h := newHarness()
	body := `{"Body":{"stkCallback":{
		"MerchantRequestID":"29115-34620561-1",
		"CheckoutRequestID":"ws_CO_191220191020363925",
		"ResultCode":0,
		"ResultDesc":"The service request is processed successfully.",
		"CallbackMetadata":{"Item":[
			{"Name":"Amount","Value":1.00},
			{"Name":"MpesaReceiptNumber","Value":"NLJ7RT61SV"},
			{"Name":"PhoneNumber","Value":254708374149}
		]}}}}`

	w, out := h.do(t, http.MethodPost, callbackPath, "", "", body)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Accepted", out["ResultDesc"])
	status := h.cache.statuses["ws_CO_191220191020363925"]
	require.NotNil(t, status)
	assert.True(t, status.IsSuccess())
	assert.Equal(t, "NLJ7RT61SV", status.MpesaReceiptNumber)
}

func TestCallbackCancelled(t *testing.T) {
	h := newHarness()
	body := `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_2","ResultCode":1032,"ResultDesc":"Request cancelled by user"}}}`

	w, _ := h.do(t, http.MethodPost, callbackPath, "", "", body)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, h.cache.statuses["ws_CO_2"].IsCancelled())
}

func TestCallbackRejectsUnknownToken(t *testing.T) {
	h := newHarness()
	body := `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_3","ResultCode":0,"ResultDesc":"ok",
		"CallbackMetadata":{"Item":[{"Name":"MpesaReceiptNumber","Value":"FORGED"}]}}}}`

	for _, path := range []string{"/api/v1/mpesa/callback/wrong", "/api/v1/mpesa/callback"} {
		w, _ := h.do(t, http.MethodPost, path, "", "", body)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
	assert.Empty(t, h.cache.statuses)
}

func TestBookingFlow(t *testing.T) {
	h := newHarness()

	w, out := h.do(t, http.MethodPost, "/api/v1/bookings", RoleStudent, "stu-1", `{"room_id":"r-1"}`)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "pending", out["status"])

	h.db.pending = true
	w, out = h.do(t, http.MethodGet, "/api/v1/bookings/me", RoleStudent, "stu-1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, out["has_pending"])
	assert.Equal(t, false, out["can_pay"])

	w, _ = h.do(t, http.MethodPost, "/api/v1/admin/bookings/b-1/approve", RoleAdmin, "adm-1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"b-1"}, h.db.approved)

	h.db.alloc = &api.RoomAllocation{BookingID: "b-1", StudentID: "stu-1"}
	w, out = h.do(t, http.MethodGet, "/api/v1/bookings/me", RoleStudent, "stu-1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, out["can_pay"])
}

func TestBookingErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		path     string
		body     string
		role     string
		wantCode int
	}{
		{"room occupied", tools.ErrRoomOccupied, "/api/v1/bookings", `{"room_id":"r-1"}`, RoleStudent, http.StatusConflict},
		{"room missing", tools.ErrRoomNotFound, "/api/v1/bookings", `{"room_id":"r-9"}`, RoleStudent, http.StatusNotFound},
		{"already pending", tools.ErrBookingExists, "/api/v1/bookings", `{"room_id":"r-1"}`, RoleStudent, http.StatusConflict},
		{"approve occupied room", tools.ErrRoomOccupied, "/api/v1/admin/bookings/b-2/approve", "", RoleAdmin, http.StatusConflict},
		{"approve non-pending", tools.ErrBookingNotPending, "/api/v1/admin/bookings/b-1/approve", "", RoleAdmin, http.StatusConflict},
		{"reject missing", tools.ErrBookingNotFound, "/api/v1/admin/bookings/b-9/reject", "", RoleAdmin, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.db.bookErr = tt.err

			w, _ := h.do(t, http.MethodPost, tt.path, tt.role, "u-1", tt.body)

			assert.Equal(t, tt.wantCode, w.Code)
		})
	}
}

func TestSeedRooms(t *testing.T) {
	h := newHarness()

	w, out := h.do(t, http.MethodPost, "/api/v1/admin/seed-rooms", RoleAdmin, "adm-1", `{"count":12}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(12), out["total_rooms"])

	w, _ = h.do(t, http.MethodPost, "/api/v1/admin/seed-rooms", RoleAdmin, "adm-1", `{"count":0}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMealPlans(t *testing.T) {
	h := newHarness()

	w, out := h.do(t, http.MethodGet, "/api/v1/meal-plans", RoleStudent, "stu-1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, out["plans"], 3)
	assert.Nil(t, out["active_plan_id"])

	w, _ = h.do(t, http.MethodPost, "/api/v1/meal-plans", RoleStudent, "stu-1", `{"plan_id":2}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, h.db.mealPlan)

	w, out = h.do(t, http.MethodGet, "/api/v1/meal-plans", RoleStudent, "stu-1", "")
	assert.Equal(t, float64(2), out["active_plan_id"])

	w, _ = h.do(t, http.MethodPost, "/api/v1/meal-plans", RoleStudent, "stu-1", `{"plan_id":7}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
