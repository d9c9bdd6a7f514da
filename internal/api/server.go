package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/leaguehq/regsync/internal/config"
	"github.com/leaguehq/regsync/internal/reconcile"
	"github.com/leaguehq/regsync/pkg/models"
)

var validate = validator.New()

// OrderProcessor reconciles one completed payment order.
type OrderProcessor interface {
	ProcessOrder(ctx context.Context, order models.PaymentOrder) (*reconcile.Result, error)
}

// RegistrationLister reads back authoritative records for an order.
type RegistrationLister interface {
	ListByOrder(ctx context.Context, orderID string) ([]models.RegistrationRecord, error)
}

// Server is the HTTP surface of the reconciliation engine: the
// completed-order webhook plus health, metrics, and read-back routes.
type Server struct {
	router    *gin.Engine
	http      *http.Server
	processor OrderProcessor
	registry  RegistrationLister
	logger    *zap.Logger
}

// NewServer builds the gin router with logging, recovery, and CORS
// middleware and registers all routes.
func NewServer(cfg config.ServerConfig, processor OrderProcessor, registry RegistrationLister, logger *zap.Logger) *Server {
	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(cors.New(cors.Config{
		AllowOrigins:  cfg.AllowedOrigins,
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	server := &Server{
		router:    router,
		processor: processor,
		registry:  registry,
		logger:    logger.Named("api"),
		http: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
	server.registerRoutes()
	return server
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/v1")
	{
		v1.POST("/orders/completed", s.orderCompleted)
		v1.GET("/orders/:order_id/registrations", s.listRegistrations)
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

// orderCompleted is the webhook for completed payment orders.
// Reconciliation runs inline: commerce platforms retry non-2xx
// deliveries, and processing is idempotent under redelivery.
func (s *Server) orderCompleted(c *gin.Context) {
	var order models.PaymentOrder
	if err := c.ShouldBindJSON(&order); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order payload: " + err.Error()})
		return
	}
	if err := validate.Struct(order); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order payload: " + err.Error()})
		return
	}

	result, err := s.processor.ProcessOrder(c.Request.Context(), order)
	if err != nil {
		if errors.Is(err, reconcile.ErrInvalidOrder) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if reconcile.IsDataLoss(err) {
			// Escalated already; the delivery is retryable once
			// intents become recoverable again.
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":    "no registration intents recoverable for order",
				"order_id": order.OrderID,
			})
			return
		}
		s.logger.Error("order reconciliation failed",
			zap.String("order_id", order.OrderID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed"})
		return
	}

	status := http.StatusOK
	if !result.Duplicate && result.Outcome.Successful+result.Outcome.Partial > 0 {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"order_id":      order.OrderID,
		"state":         result.State,
		"duplicate":     result.Duplicate,
		"successful":    result.Outcome.Successful,
		"partial":       result.Outcome.Partial,
		"failed":        result.Outcome.Failed,
		"unmatched":     len(result.Unmatched),
		"recovery_used": result.RecoveryUsed,
	})
}

func (s *Server) listRegistrations(c *gin.Context) {
	orderID := c.Param("order_id")
	records, err := s.registry.ListByOrder(c.Request.Context(), orderID)
	if err != nil {
		s.logger.Error("failed to list registrations",
			zap.String("order_id", orderID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list registrations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": orderID, "registrations": records})
}
