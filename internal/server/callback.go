package server

import (
	"crypto/subtle"
	"fmt"
	"net/http"

	"github.com/abjerry97/go_hostel/api"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

type stkCallback struct {
	Body struct {
		STKCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string `json:"Name"`
					Value any    `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

func (cb *stkCallback) status() *api.TransactionStatus {
	inner := cb.Body.STKCallback
	status := &api.TransactionStatus{
		ResultCode:        fmt.Sprintf("%d", inner.ResultCode),
		ResultDesc:        inner.ResultDesc,
		CheckoutRequestID: inner.CheckoutRequestID,
	}
	for _, item := range inner.CallbackMetadata.Item {
		if item.Name == "MpesaReceiptNumber" && item.Value != nil {
			status.MpesaReceiptNumber = fmt.Sprint(item.Value)
		}
	}
	return status
}

// handleCallback records the provider's result for the poller. It never
// touches payment rows and the poller only uses it after the provider itself
// confirms the same result.
func (s *APIServer) handleCallback(c *gin.Context) {
	if !s.validCallbackToken(c.Param("token")) {
		log.WithField("client_ip", c.ClientIP()).Warn("STK callback with unknown token")
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
		return
	}

	var cb stkCallback
	if err := c.ShouldBindJSON(&cb); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ResultCode": 1, "ResultDesc": "Rejected"})
		return
	}

	status := cb.status()
	logger := log.WithFields(log.Fields{
		"checkout_id": status.CheckoutRequestID,
		"result_code": status.ResultCode,
		"receipt":     status.MpesaReceiptNumber,
	})

	if err := s.cache.CacheCallbackStatus(c.Request.Context(), status, s.opts.CallbackTTL); err != nil {
		logger.WithError(err).Warn("Failed to cache STK callback")
	} else {
		logger.Info("STK callback received")
	}

	c.JSON(http.StatusOK, gin.H{"ResultCode": 0, "ResultDesc": "Accepted"})
}

func (s *APIServer) validCallbackToken(token string) bool {
	if s.opts.CallbackToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.CallbackToken)) == 1
}
