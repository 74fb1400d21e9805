package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/abjerry97/go_hostel/api"
	"github.com/abjerry97/go_hostel/internal/mpesa"
	"github.com/abjerry97/go_hostel/internal/processors"
	"github.com/abjerry97/go_hostel/internal/tools"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// paymentError maps engine and store errors to a status code and a message
// safe to show the student.
func paymentError(err error) (int, string) {
	var rejected *mpesa.ChargeRejectedError
	switch {
	case errors.Is(err, processors.ErrInvalidMonth),
		errors.Is(err, processors.ErrNoBillableItemSelected),
		errors.Is(err, processors.ErrUnknownLineItem),
		errors.Is(err, mpesa.ErrInvalidPhoneNumber),
		errors.Is(err, mpesa.ErrInvalidAmount):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, processors.ErrNoApprovedAllocation):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, tools.ErrDuplicatePayment),
		errors.Is(err, processors.ErrAttemptInFlight):
		return http.StatusConflict, err.Error()
	case errors.As(err, &rejected) && rejected.Description != "":
		return http.StatusBadGateway, rejected.Description
	case errors.Is(err, processors.ErrInitiationFailed):
		return http.StatusBadGateway, "Failed to initiate payment. Please check your phone number."
	case errors.Is(err, tools.ErrPaymentNotFound):
		return http.StatusNotFound, "Payment not found"
	default:
		return http.StatusInternalServerError, "Failed to process payment. Please try again."
	}
}

func (s *APIServer) handlePayment(c *gin.Context) {
	var payload api.PaymentPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	studentID := userID(c)

	payment, err := s.engine.Initiate(ctx, studentID, payload)
	if err != nil {
		code, msg := paymentError(err)
		if code >= http.StatusInternalServerError {
			log.WithError(err).WithField("student_id", studentID).Error("Payment initiation failed")
		}
		c.JSON(code, gin.H{"error": msg})
		return
	}

	if err := s.worker.Enqueue(ctx, payment); err != nil {
		log.WithError(err).WithField("payment_id", payment.ID).Error("Failed to queue payment for reconciliation")
	}

	c.JSON(http.StatusAccepted, api.PaymentResponse{
		Status:            "accepted",
		Message:           "Please check your phone to complete the M-Pesa payment. Do not close this page.",
		PaymentID:         payment.ID,
		ReferenceNumber:   payment.ReferenceNumber,
		CheckoutRequestID: *payment.CheckoutRequestID,
		Amount:            &payment.Amount,
		PaymentStatus:     payment.Status,
	})
}

func (s *APIServer) handleQuote(c *gin.Context) {
	var items []string
	for _, v := range c.QueryArray("items") {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				items = append(items, id)
			}
		}
	}

	total, lines, err := s.engine.Quote(c.Request.Context(), userID(c), items)
	if err != nil {
		code, msg := paymentError(err)
		c.JSON(code, gin.H{"error": msg})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"items": lines,
		"total": total,
	})
}

func (s *APIServer) handleGetPayment(c *gin.Context) {
	payment, ok := s.ownedPayment(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, payment)
}

// handleAbandon stops polling for a pending payment. The local worker is
// cancelled directly; the redis flag reaches workers on other instances.
func (s *APIServer) handleAbandon(c *gin.Context) {
	payment, ok := s.ownedPayment(c)
	if !ok {
		return
	}

	if payment.Status.IsTerminal() {
		c.JSON(http.StatusConflict, gin.H{
			"error":  "Payment is already " + string(payment.Status),
			"status": payment.Status,
		})
		return
	}

	if err := s.cache.RequestAbandon(c.Request.Context(), payment.ID, s.opts.AbandonTTL); err != nil {
		log.WithError(err).WithField("payment_id", payment.ID).Warn("Failed to publish abandon flag")
	}
	local := s.worker.Cancel(payment.ID)

	c.JSON(http.StatusAccepted, gin.H{
		"message":    "Payment abandonment requested",
		"payment_id": payment.ID,
		"local":      local,
	})
}

func (s *APIServer) ownedPayment(c *gin.Context) (*api.Payment, bool) {
	payment, err := s.db.GetPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		code, msg := paymentError(err)
		c.JSON(code, gin.H{"error": msg})
		return nil, false
	}
	if payment.StudentID != userID(c) && !isAdmin(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Payment not found"})
		return nil, false
	}
	return payment, true
}

func (s *APIServer) handleMyPayments(c *gin.Context) {
	s.listPayments(c, userID(c))
}

func (s *APIServer) handleListPayments(c *gin.Context) {
	s.listPayments(c, c.Query("student_id"))
}

func (s *APIServer) listPayments(c *gin.Context, studentID string) {
	limit, offset := pagination(c)
	filter := api.PaymentFilter{
		StudentID: studentID,
		Month:     c.Query("month"),
		Status:    api.PaymentStatus(c.Query("status")),
		Limit:     limit,
		Offset:    offset,
	}

	switch filter.Status {
	case "", api.StatusPending, api.StatusCompleted, api.StatusFailed:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be pending, completed or failed"})
		return
	}

	payments, total, err := s.db.ListPayments(c.Request.Context(), filter)
	if err != nil {
		log.WithError(err).Error("Failed to list payments")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch payments"})
		return
	}
	if payments == nil {
		payments = []api.Payment{}
	}

	c.JSON(http.StatusOK, gin.H{
		"payments": payments,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}
