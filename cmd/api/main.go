package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/abjerry97/go_hostel/internal/gateway"
	"github.com/abjerry97/go_hostel/internal/processors"
	"github.com/abjerry97/go_hostel/internal/server"
	"github.com/abjerry97/go_hostel/internal/tools"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

func main() {
	tools.LoadEnvFile()
	config := tools.LoadConfig()
	tools.SetupLogging(config.LogLevel, config.LogFormat)

	if err := config.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	db, err := tools.NewDatabaseService(ctx, config.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to prepare schema: %v", err)
	}

	redisService, err := tools.NewRedisService(config.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisService.Close()

	client := gateway.NewClient(config.ProxyURL, config.ShortCode, config.PassKey, config.CallbackEndpoint(), config.QueryTimeout)
	ceiling := config.PollCeiling()
	engine := processors.NewReconciler(client, db, redisService, processors.ReconcilerConfig{
		Interval:      config.PollInterval,
		MaxAttempts:   config.PollMaxAttempts,
		TerminalCodes: config.TerminalResultCodes,
		LockTTL:       time.Minute,
	})

	processor := processors.NewPaymentProcessor(engine, redisService, db, config.WorkerCount, 2*ceiling)
	processor.Start(ctx)

	gin.SetMode(gin.ReleaseMode)
	api := server.NewAPIServer(engine, processor, db, redisService, server.Options{
		JWTSecret:      config.JWTSecret,
		AllowedOrigins: config.AllowedOrigins,
		WorkerCount:    config.WorkerCount,
		AbandonTTL:     ceiling + time.Minute,
		CallbackTTL:    10 * time.Minute,
		CallbackToken:  config.CallbackToken,
	})

	srv := &http.Server{
		Addr:              ":" + config.Port,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("HTTP shutdown did not complete")
		}
		processor.Stop()
		stop()
	}()

	log.Printf("Server starting on port %s", config.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Failed to start server: %v", err)
	}
	<-ctx.Done()
}
