package server

import (
	"errors"
	"net/http"

	"github.com/abjerry97/go_hostel/api"
	"github.com/abjerry97/go_hostel/internal/tools"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

func bookingError(err error) (int, string) {
	switch {
	case errors.Is(err, tools.ErrRoomNotFound),
		errors.Is(err, tools.ErrBookingNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, tools.ErrRoomOccupied),
		errors.Is(err, tools.ErrBookingExists),
		errors.Is(err, tools.ErrBookingNotPending),
		errors.Is(err, tools.ErrAlreadyAllocated):
		return http.StatusConflict, err.Error()
	default:
		return http.StatusInternalServerError, "Failed to process booking request"
	}
}

func (s *APIServer) handleListRooms(c *gin.Context) {
	rooms, err := s.db.ListRooms(c.Request.Context(), c.Query("available") == "true")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch rooms"})
		return
	}
	if rooms == nil {
		rooms = []api.Room{}
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

func (s *APIServer) handleCreateBooking(c *gin.Context) {
	var payload api.BookingPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	booking, err := s.db.CreateBookingRequest(c.Request.Context(), userID(c), payload.RoomID)
	if err != nil {
		code, msg := bookingError(err)
		if code == http.StatusInternalServerError {
			log.WithError(err).Error("Failed to create booking request")
		}
		c.JSON(code, gin.H{"error": msg})
		return
	}

	c.JSON(http.StatusCreated, booking)
}

// handleMyBooking reports the caller's approved allocation, or whether a
// request is still waiting for review.
func (s *APIServer) handleMyBooking(c *gin.Context) {
	ctx := c.Request.Context()
	studentID := userID(c)

	alloc, err := s.db.ApprovedAllocation(ctx, studentID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch room allocation"})
		return
	}

	pending := false
	if alloc == nil {
		if pending, err = s.db.HasPendingBooking(ctx, studentID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch booking status"})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"allocation":  alloc,
		"has_pending": pending,
		"can_pay":     alloc != nil,
	})
}

func (s *APIServer) handleListBookings(c *gin.Context) {
	status := api.BookingStatus(c.Query("status"))
	switch status {
	case "", api.BookingPending, api.BookingApproved, api.BookingRejected:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be pending, approved or rejected"})
		return
	}

	bookings, err := s.db.ListBookings(c.Request.Context(), status)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch booking requests"})
		return
	}
	if bookings == nil {
		bookings = []api.BookingRequest{}
	}
	c.JSON(http.StatusOK, gin.H{"bookings": bookings})
}

func (s *APIServer) handleApproveBooking(c *gin.Context) {
	s.reviewBooking(c, api.BookingApproved)
}

func (s *APIServer) handleRejectBooking(c *gin.Context) {
	s.reviewBooking(c, api.BookingRejected)
}

func (s *APIServer) reviewBooking(c *gin.Context, to api.BookingStatus) {
	bookingID := c.Param("id")

	var err error
	if to == api.BookingApproved {
		err = s.db.ApproveBooking(c.Request.Context(), bookingID)
	} else {
		err = s.db.RejectBooking(c.Request.Context(), bookingID)
	}
	if err != nil {
		code, msg := bookingError(err)
		if code == http.StatusInternalServerError {
			log.WithError(err).WithField("booking_id", bookingID).Error("Booking review failed")
		}
		c.JSON(code, gin.H{"error": msg})
		return
	}

	log.WithFields(log.Fields{
		"booking_id": bookingID,
		"status":     to,
		"admin_id":   userID(c),
	}).Info("Booking reviewed")

	c.JSON(http.StatusOK, gin.H{
		"booking_id": bookingID,
		"status":     to,
	})
}
