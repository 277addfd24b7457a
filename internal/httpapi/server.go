// Package httpapi exposes the credit ledger to the web app: wallet reads,
// signup bootstrap, gated generation requests, and payment confirmations.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/socialflowhq/creditledger/internal/balancecache"
	"github.com/socialflowhq/creditledger/internal/extern"
	"github.com/socialflowhq/creditledger/pkg/ledger"
)

// Server holds the wired dependencies behind the HTTP routes.
type Server struct {
	cfg           Config
	logger        *zap.Logger
	service       *ledger.Service
	gate          *ledger.Gate
	confirmations *ledger.PaymentConfirmations
	cache         *balancecache.Cache
	generator     extern.Generator
	publisher     extern.Publisher
}

// NewServer validates the configuration and assembles the server. The cache
// and publisher may be nil; generation requests then run unpublished and
// wallet reads always hit the store.
func NewServer(
	cfg Config,
	logger *zap.Logger,
	service *ledger.Service,
	gate *ledger.Gate,
	confirmations *ledger.PaymentConfirmations,
	cache *balancecache.Cache,
	generator extern.Generator,
	publisher extern.Publisher,
) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if service == nil || gate == nil || confirmations == nil {
		return nil, errors.New("httpapi: ledger dependencies are nil")
	}
	if generator == nil {
		return nil, errors.New("httpapi: generator dependency is nil")
	}
	return &Server{
		cfg:           cfg,
		logger:        logger,
		service:       service,
		gate:          gate,
		confirmations: confirmations,
		cache:         cache,
		generator:     generator,
		publisher:     publisher,
	}, nil
}

var setGinModeOnce sync.Once

// Router builds the gin engine with all routes attached.
func (server *Server) Router() *gin.Engine {
	setGinModeOnce.Do(func() { gin.SetMode(gin.ReleaseMode) })
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestMetrics())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.Use(sessionAuth(server.cfg))

	api.GET("/wallet", server.handleWallet)
	api.POST("/bootstrap", server.handleBootstrap)
	api.POST("/generations", server.handleGeneration)
	api.POST("/payments/confirmations", server.handlePaymentConfirmation)

	return router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
