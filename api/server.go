// Package api exposes the engine over HTTP: trade intake from the upstream
// decision layer, trade queries, manual closes, and reflection pickup.
package api

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nmdc00/Thufir-Hawat-sub003/ledger"
	"github.com/nmdc00/Thufir-Hawat-sub003/manager"
)

// Server HTTP API server
type Server struct {
	router  *gin.Engine
	service *manager.Service
	port    int
}

// NewServer creates API server
func NewServer(service *manager.Service, port int) *Server {
	// Set to Release mode (reduces log output)
	gin.SetMode(gin.ReleaseMode)

	router := gin.Default()

	// Request logging middleware for debugging
	router.Use(func(c *gin.Context) {
		log.Printf("📥 Incoming request: %s %s (from %s)",
			c.Request.Method, c.Request.URL.Path, c.ClientIP())
		c.Next()
	})

	// Enable CORS
	router.Use(corsMiddleware())

	s := &Server{
		router:  router,
		service: service,
		port:    port,
	}

	s.setupRoutes()

	return s
}

// corsMiddleware CORS middleware
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Cache-Control")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	}
}

// setupRoutes sets up routes
func (s *Server) setupRoutes() {
	// Health check
	s.router.Any("/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		// Engine lifecycle
		api.GET("/status", s.handleStatus)
		api.POST("/engine/start", s.handleStart)
		api.POST("/engine/stop", s.handleStop)

		// Trade intake and queries. POST routes registered first so they
		// are matched before the GET routes.
		api.POST("/trades", s.handleSubmitTrade)
		api.POST("/trades/:id/close", s.handleCloseTrade)
		api.GET("/trades", s.handleOpenTrades)
		api.GET("/trades/closed", s.handleClosedTrades)
		api.GET("/trades/:id", s.handleGetTrade)

		// Post-mortem pickup for the upstream reasoning layer
		api.GET("/reflections", s.handleReflections)
		api.POST("/reflections/:id/ack", s.handleAckReflection)
	}
}

// Start starts the server (blocking)
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	log.Printf("🌐 API server listening on %s", addr)
	return s.router.Run(addr)
}

// handleHealth health check
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"running": s.service.Running(),
		"venue":   s.service.VenueName(),
	})
}

// handleStatus engine status
func (s *Server) handleStatus(c *gin.Context) {
	open, err := s.service.OpenTrades(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	pending := 0
	for _, e := range open {
		if e.ClosePending {
			pending++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"running":        s.service.Running(),
		"venue":          s.service.VenueName(),
		"open_trades":    len(open),
		"pending_closes": pending,
	})
}

func (s *Server) handleStart(c *gin.Context) {
	s.service.Start()
	c.JSON(http.StatusOK, gin.H{"running": true})
}

func (s *Server) handleStop(c *gin.Context) {
	s.service.Stop()
	c.JSON(http.StatusOK, gin.H{"running": false})
}

// handleSubmitTrade accepts an entry for management
func (s *Server) handleSubmitTrade(c *gin.Context) {
	var intake manager.TradeIntake
	if err := c.ShouldBindJSON(&intake); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid intake: %v", err)})
		return
	}

	envelope, err := s.service.SubmitTrade(c.Request.Context(), intake)
	if err != nil {
		if errors.Is(err, manager.ErrDisabled) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, envelope)
}

// handleCloseTrade manual close
func (s *Server) handleCloseTrade(c *gin.Context) {
	tradeID := c.Param("id")
	record, err := s.service.CloseTrade(c.Request.Context(), tradeID)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, ledger.ErrClosed):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, manager.ErrDisabled):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, record)
}

// handleOpenTrades lists open envelopes
func (s *Server) handleOpenTrades(c *gin.Context) {
	trades, err := s.service.OpenTrades(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

// handleGetTrade fetches one envelope
func (s *Server) handleGetTrade(c *gin.Context) {
	envelope, err := s.service.GetTrade(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, envelope)
}

// handleClosedTrades lists recent close records (?limit=N, default 50)
func (s *Server) handleClosedTrades(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	records, err := s.service.ClosedTrades(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": records, "count": len(records)})
}

// handleReflections lists post-mortems awaiting pickup
func (s *Server) handleReflections(c *gin.Context) {
	reflections, err := s.service.PendingReflections(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reflections": reflections, "count": len(reflections)})
}

// handleAckReflection marks a reflection as picked up
func (s *Server) handleAckReflection(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid reflection id"})
		return
	}
	if err := s.service.AckReflection(c.Request.Context(), id); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"acked": id})
}
