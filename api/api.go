package api

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	StatusPending   PaymentStatus = "pending"
	StatusCompleted PaymentStatus = "completed"
	StatusFailed    PaymentStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s PaymentStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type BookingStatus string

const (
	BookingPending  BookingStatus = "pending"
	BookingApproved BookingStatus = "approved"
	BookingRejected BookingStatus = "rejected"
)

const (
	CategoryRoom     = "room"
	CategoryServices = "services"

	MethodMpesa = "mpesa"
)

// Line item identifiers accepted in PaymentPayload.LineItems.
const (
	ItemRoom        = "room"
	ItemWifi        = "wifi"
	ItemElectricity = "electricity"
	ItemWater       = "water"
	ItemGym         = "gym"
	ItemMeal        = "meal"
	ItemMaintenance = "maintenance"
)

type LineItem struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Amount decimal.Decimal `json:"amount"`
}

// PaymentPayload is what a student submits to start a payment attempt.
type PaymentPayload struct {
	Month       string   `json:"month" binding:"required,len=7"`
	PhoneNumber string   `json:"phone_number" binding:"required"`
	LineItems   []string `json:"line_items"`
}

type PaymentResponse struct {
	Status            string           `json:"status"`
	Message           string           `json:"message"`
	PaymentID         string           `json:"payment_id,omitempty"`
	ReferenceNumber   string           `json:"reference_number,omitempty"`
	CheckoutRequestID string           `json:"checkout_request_id,omitempty"`
	Amount            *decimal.Decimal `json:"amount,omitempty"`
	PaymentStatus     PaymentStatus    `json:"payment_status,omitempty"`
}

// Payment is the persisted record of one payment attempt.
type Payment struct {
	ID                string          `json:"id"`
	StudentID         string          `json:"student_id"`
	Amount            decimal.Decimal `json:"amount"`
	Status            PaymentStatus   `json:"status"`
	Category          string          `json:"category"`
	PaymentDate       time.Time       `json:"payment_date"`
	PaymentMethod     string          `json:"payment_method"`
	ReferenceNumber   string          `json:"reference_number"`
	Month             string          `json:"month"`
	CheckoutRequestID *string         `json:"checkout_request_id,omitempty"`
	TransactionCode   *string         `json:"transaction_code,omitempty"`
	ResultDesc        *string         `json:"result_desc,omitempty"`
}

type PaymentFilter struct {
	StudentID string
	Month     string
	Status    PaymentStatus
	Limit     int
	Offset    int
}

// PaymentRequest is constructed fresh for every charge attempt and never stored.
type PaymentRequest struct {
	Amount                 decimal.Decimal
	PhoneNumber            string
	AccountReference       string
	TransactionDescription string
}

// CheckoutSession is the provider's answer to a charge initiation.
type CheckoutSession struct {
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

const (
	ResultSuccess       = "0"
	ResultUserCancelled = "1032"
)

// TransactionStatus is one polled view of a checkout. An empty ResultCode
// means the provider is still processing.
type TransactionStatus struct {
	ResultCode         string `json:"ResultCode"`
	ResultDesc         string `json:"ResultDesc"`
	MpesaReceiptNumber string `json:"MpesaReceiptNumber,omitempty"`
	CheckoutRequestID  string `json:"CheckoutRequestID,omitempty"`
}

func (s *TransactionStatus) IsSuccess() bool   { return s.ResultCode == ResultSuccess }
func (s *TransactionStatus) IsCancelled() bool { return s.ResultCode == ResultUserCancelled }
func (s *TransactionStatus) IsPending() bool   { return s.ResultCode == "" }

// STKPushPayload is the provider's charge-initiation body.
type STKPushPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type StatusQueryPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

// ReconcileJob is queued after a successful initiation and consumed by the workers.
type ReconcileJob struct {
	PaymentID         string    `json:"payment_id"`
	StudentID         string    `json:"student_id"`
	CheckoutRequestID string    `json:"checkout_request_id"`
	ReferenceNumber   string    `json:"reference_number"`
	EnqueuedAt        time.Time `json:"enqueued_at"`
}

type Room struct {
	ID            string          `json:"id"`
	RoomNumber    string          `json:"room_number"`
	Floor         int             `json:"floor"`
	Capacity      int             `json:"capacity"`
	Type          string          `json:"type"`
	PricePerMonth decimal.Decimal `json:"price_per_month"`
	IsOccupied    bool            `json:"is_occupied"`
}

type BookingRequest struct {
	ID          string        `json:"id"`
	StudentID   string        `json:"student_id"`
	RoomID      string        `json:"room_id"`
	Status      BookingStatus `json:"status"`
	RequestDate time.Time     `json:"request_date"`
	UpdatedAt   time.Time     `json:"updated_at"`
	Room        *Room         `json:"room,omitempty"`
}

type BookingPayload struct {
	RoomID string `json:"room_id" binding:"required"`
}

// RoomAllocation is the student's approved booking together with its room.
type RoomAllocation struct {
	BookingID string    `json:"booking_id"`
	StudentID string    `json:"student_id"`
	StartDate time.Time `json:"start_date"`
	Room      Room      `json:"room"`
}

type MealPlan struct {
	ID    int             `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}
