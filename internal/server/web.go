package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Relay is what the web server needs from the chat server.
type Relay interface {
	Snapshot() DashboardData
	Post(ctx context.Context, target, content string) error
	Metrics() *Metrics
}

type DashboardData struct {
	Users    []UserInfo    `json:"users"`
	Channels []ChannelInfo `json:"channels"`
}

type UserInfo struct {
	Nickname    string    `json:"nickname"`
	Channel     string    `json:"channel"`
	ConnectedAt time.Time `json:"connected_at"`
}

type ChannelInfo struct {
	Name       string `json:"name"`
	Members    int    `json:"members"`
	HistoryLen int    `json:"history_len"`
}

// SendRequest is the body of POST /api/send.
type SendRequest struct {
	Target  string `json:"target" binding:"required"`
	Content string `json:"content" binding:"required"`
}

// WebServer exposes relay status and operator messaging over HTTP.
type WebServer struct {
	relay  Relay
	logger *zap.Logger
	engine *gin.Engine

	mu     sync.Mutex
	srv    *http.Server
	closed bool
}

// NewWebServer builds the router for relay.
func NewWebServer(relay Relay, logger *zap.Logger) *WebServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)

	ws := &WebServer{
		relay:  relay,
		logger: logger.Named("web"),
		engine: gin.New(),
	}
	ws.engine.Use(gin.Recovery(), ws.requestLogger())

	ws.engine.GET("/healthz", ws.handleHealth)
	ws.engine.GET("/api/data", ws.handleAPIData)
	ws.engine.POST("/api/send", ws.handleAPISend)
	ws.engine.GET("/metrics", gin.WrapH(relay.Metrics().Handler()))
	return ws
}

// Handler returns the HTTP handler, for embedding or tests.
func (ws *WebServer) Handler() http.Handler {
	return ws.engine
}

// Start serves on addr until Shutdown.
func (ws *WebServer) Start(addr string) error {
	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		return nil
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           ws.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	ws.srv = srv
	ws.mu.Unlock()

	ws.logger.Info("web server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web server: %w", err)
	}
	return nil
}

// Shutdown stops the web server. A later Start returns immediately.
func (ws *WebServer) Shutdown(ctx context.Context) error {
	ws.mu.Lock()
	ws.closed = true
	srv := ws.srv
	ws.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (ws *WebServer) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		ws.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func (ws *WebServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (ws *WebServer) handleAPIData(c *gin.Context) {
	c.JSON(http.StatusOK, ws.relay.Snapshot())
}

func (ws *WebServer) handleAPISend(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if err := ws.relay.Post(c.Request.Context(), req.Target, req.Content); err != nil {
		if errors.Is(err, ErrUnknownRecipient) {
			c.JSON(http.StatusNotFound, gin.H{"error": FormatError(err)})
			return
		}
		ws.logger.Error("failed to post message", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusOK)
}
