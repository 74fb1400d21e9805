// Package proxy is the payment proxy: it injects the merchant credentials and
// forwards STK push and status calls to the provider without interpreting them.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/abjerry97/go_hostel/internal/mpesa"
	"github.com/abjerry97/go_hostel/internal/tools"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

var requiredStatusFields = []string{"CheckoutRequestID", "BusinessShortCode", "Password", "Timestamp"}

// Upstream is the provider surface the proxy forwards to.
type Upstream interface {
	AccessToken(ctx context.Context) (string, error)
	STKPush(ctx context.Context, payload []byte) ([]byte, error)
	STKQuery(ctx context.Context, payload []byte) ([]byte, error)
}

type ProxyServer struct {
	upstream Upstream
	router   *gin.Engine
}

func NewProxyServer(cfg *tools.ProxyConfig, upstream Upstream) *ProxyServer {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("[%s] %s %s %d %s\n",
			param.TimeStamp.Format("2006-01-02 15:04:05"),
			param.Method,
			param.Path,
			param.StatusCode,
			param.Latency,
		)
	}))
	router.Use(cors.New(tools.CORSConfig(cfg.AllowedOrigins)))

	server := &ProxyServer{
		upstream: upstream,
		router:   router,
	}

	server.setupRoutes()
	return server
}

func (s *ProxyServer) setupRoutes() {
	s.router.GET("/api/v1/health", s.handleHealth)
	s.router.GET("/api/mpesa/token", s.handleToken)
	s.router.POST("/api/mpesa/stkpush", s.handleSTKPush)
	s.router.POST("/api/mpesa/status", s.handleStatus)
}

func (s *ProxyServer) Handler() http.Handler {
	return s.router
}

func (s *ProxyServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *ProxyServer) handleToken(c *gin.Context) {
	token, err := s.upstream.AccessToken(c.Request.Context())
	if err != nil {
		log.WithError(err).Error("Token endpoint error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get access token", "details": errorDetails(err)})
		return
	}

	c.JSON(http.StatusOK, gin.H{"access_token": token})
}

func (s *ProxyServer) handleSTKPush(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil || !json.Valid(body) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON body"})
		return
	}

	resp, err := s.upstream.STKPush(c.Request.Context(), body)
	if err != nil {
		log.WithError(err).Error("STK push error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to initiate payment", "details": errorDetails(err)})
		return
	}

	log.WithField("response", string(resp)).Debug("STK push response")
	c.Data(http.StatusOK, "application/json; charset=utf-8", resp)
}

func (s *ProxyServer) handleStatus(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON body"})
		return
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON body"})
		return
	}
	if missing := missingFields(fields); len(missing) > 0 {
		log.WithField("missing", missing).Warn("Missing required fields in status check request")
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Missing required fields",
			"details": "CheckoutRequestID, BusinessShortCode, Password, and Timestamp are required",
		})
		return
	}

	resp, err := s.upstream.STKQuery(c.Request.Context(), body)
	if err != nil {
		log.WithError(err).Warn("Status check error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to check transaction status", "details": errorDetails(err)})
		return
	}

	var status map[string]any
	if err := json.Unmarshal(resp, &status); err != nil || status == nil {
		c.Data(http.StatusOK, "application/json; charset=utf-8", resp)
		return
	}
	c.JSON(http.StatusOK, withPendingDefault(status))
}

// missingFields treats a key as present unless it is absent or null; an empty
// string counts as present.
func missingFields(fields map[string]json.RawMessage) []string {
	var missing []string
	for _, name := range requiredStatusFields {
		raw, ok := fields[name]
		if !ok || string(raw) == "null" {
			missing = append(missing, name)
		}
	}
	return missing
}

// withPendingDefault fills in a processing status when the provider response
// carries no usable ResultCode.
func withPendingDefault(status map[string]any) map[string]any {
	code, ok := status["ResultCode"]
	if ok && code != nil && code != "" {
		return status
	}
	status["ResultCode"] = "1"
	if desc, ok := status["ResultDesc"].(string); !ok || desc == "" {
		status["ResultDesc"] = "Transaction is being processed"
	}
	return status
}

func errorDetails(err error) any {
	var upstream *mpesa.UpstreamError
	if errors.As(err, &upstream) {
		if json.Valid(upstream.Body) {
			return json.RawMessage(upstream.Body)
		}
		return string(upstream.Body)
	}
	return err.Error()
}
