package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/abjerry97/go_hostel/internal/mpesa"
	"github.com/abjerry97/go_hostel/internal/proxy"
	"github.com/abjerry97/go_hostel/internal/tools"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

func main() {
	tools.LoadEnvFile()
	config := tools.LoadProxyConfig()
	tools.SetupLogging(config.LogLevel, config.LogFormat)

	if err := config.Validate(); err != nil {
		log.Errorf("Missing M-Pesa credentials: %v", err)
		os.Exit(1)
	}

	upstream := mpesa.NewDaraja(config.BaseURL, config.ConsumerKey, config.ConsumerSecret, config.UpstreamTimeout)

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              ":" + config.Port,
		Handler:           proxy.NewProxyServer(config, upstream).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down proxy...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("Proxy shutdown did not complete")
		}
	}()

	log.WithField("upstream", config.BaseURL).Infof("Proxy server running on port %s", config.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Failed to start proxy: %v", err)
	}
	<-done
}
