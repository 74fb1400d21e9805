package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/abjerry97/go_hostel/api"
	"github.com/abjerry97/go_hostel/internal/tools"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// Engine is the synchronous half of a payment attempt.
type Engine interface {
	Initiate(ctx context.Context, studentID string, payload api.PaymentPayload) (*api.Payment, error)
	Quote(ctx context.Context, studentID string, items []string) (decimal.Decimal, []api.LineItem, error)
}

// Worker runs the polling half of an attempt in the background.
type Worker interface {
	Enqueue(ctx context.Context, payment *api.Payment) error
	Cancel(paymentID string) bool
}

type Store interface {
	GetPayment(ctx context.Context, id string) (*api.Payment, error)
	ListPayments(ctx context.Context, filter api.PaymentFilter) ([]api.Payment, int, error)
	GetPaymentStats(ctx context.Context, month string) (*tools.PaymentStats, error)

	ListRooms(ctx context.Context, availableOnly bool) ([]api.Room, error)
	ApprovedAllocation(ctx context.Context, studentID string) (*api.RoomAllocation, error)
	HasPendingBooking(ctx context.Context, studentID string) (bool, error)
	CreateBookingRequest(ctx context.Context, studentID, roomID string) (*api.BookingRequest, error)
	ListBookings(ctx context.Context, status api.BookingStatus) ([]api.BookingRequest, error)
	ApproveBooking(ctx context.Context, bookingID string) error
	RejectBooking(ctx context.Context, bookingID string) error
	ActiveMealPlan(ctx context.Context, studentID string) (int, bool, error)
	SubscribeMealPlan(ctx context.Context, studentID string, planID int) error
	SeedRooms(ctx context.Context, count int) (int64, error)
	GetRoomCount(ctx context.Context) (int, error)
}

type Cache interface {
	CacheCallbackStatus(ctx context.Context, status *api.TransactionStatus, ttl time.Duration) error
	RequestAbandon(ctx context.Context, paymentID string, ttl time.Duration) error
	QueueSize(ctx context.Context) (int64, error)
}

type Options struct {
	JWTSecret      string
	AllowedOrigins []string
	WorkerCount    int
	// AbandonTTL should outlive the longest poll.
	AbandonTTL  time.Duration
	CallbackTTL time.Duration
	// CallbackToken is the secret path segment the provider calls back on.
	CallbackToken string
}

type APIServer struct {
	engine Engine
	worker Worker
	db     Store
	cache  Cache
	opts   Options
	router *gin.Engine
}

func NewAPIServer(engine Engine, worker Worker, db Store, cache Cache, opts Options) *APIServer {
	if opts.CallbackTTL <= 0 {
		opts.CallbackTTL = 10 * time.Minute
	}
	if opts.AbandonTTL <= 0 {
		opts.AbandonTTL = 5 * time.Minute
	}

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
	router.Use(cors.New(tools.CORSConfig(opts.AllowedOrigins)))

	server := &APIServer{
		engine: engine,
		worker: worker,
		db:     db,
		cache:  cache,
		opts:   opts,
		router: router,
	}

	server.setupRoutes()
	return server
}

func (s *APIServer) setupRoutes() {
	s.router.GET("/", s.handleRoot)
	s.router.GET("/api/v1/health", s.handleHealth)
	s.router.POST("/api/v1/mpesa/callback/:token", s.handleCallback)

	v1 := s.router.Group("/api/v1", AuthRequired(s.opts.JWTSecret))
	v1.GET("/rooms", s.handleListRooms)
	v1.POST("/bookings", s.handleCreateBooking)
	v1.GET("/bookings/me", s.handleMyBooking)
	v1.GET("/meal-plans", s.handleMealPlans)
	v1.POST("/meal-plans", s.handleSubscribeMealPlan)
	v1.GET("/payments/quote", s.handleQuote)
	v1.POST("/payments", s.handlePayment)
	v1.GET("/payments", s.handleMyPayments)
	v1.GET("/payments/:id", s.handleGetPayment)
	v1.POST("/payments/:id/abandon", s.handleAbandon)

	admin := v1.Group("/admin", RequireRole(RoleAdmin))
	admin.GET("/payments", s.handleListPayments)
	admin.GET("/bookings", s.handleListBookings)
	admin.POST("/bookings/:id/approve", s.handleApproveBooking)
	admin.POST("/bookings/:id/reject", s.handleRejectBooking)
	admin.POST("/seed-rooms", s.handleSeedRooms)
	admin.GET("/stats", s.handleStats)
}

func (s *APIServer) Handler() http.Handler {
	return s.router
}

func (s *APIServer) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "Hostel Payments API",
		"version": "1.0.0",
		"docs":    "/api/v1/health",
	})
}

func (s *APIServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *APIServer) handleStats(c *gin.Context) {
	ctx := c.Request.Context()

	stats, err := s.db.GetPaymentStats(ctx, c.Query("month"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch statistics"})
		return
	}

	queueSize, _ := s.cache.QueueSize(ctx)
	rooms, _ := s.db.GetRoomCount(ctx)

	c.JSON(http.StatusOK, gin.H{
		"database": stats,
		"rooms":    rooms,
		"queue": gin.H{
			"size": queueSize,
		},
		"workers": gin.H{
			"count": s.opts.WorkerCount,
		},
	})
}

func (s *APIServer) handleSeedRooms(c *gin.Context) {
	ctx := c.Request.Context()

	var request struct {
		Count int `json:"count" binding:"required,min=1,max=1000"`
	}

	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	inserted, err := s.db.SeedRooms(ctx, request.Count)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	count, _ := s.db.GetRoomCount(ctx)

	c.JSON(http.StatusOK, gin.H{
		"message":     "Rooms seeded successfully",
		"requested":   request.Count,
		"inserted":    inserted,
		"total_rooms": count,
	})
}

func pagination(c *gin.Context) (limit, offset int) {
	limit, offset = 20, 0

	if l := c.Query("limit"); l != "" {
		fmt.Sscanf(l, "%d", &limit)
	}
	if o := c.Query("offset"); o != "" {
		fmt.Sscanf(o, "%d", &offset)
	}

	if limit > 100 {
		limit = 100
	}
	if limit < 1 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
