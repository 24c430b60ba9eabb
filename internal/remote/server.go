package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/roach88/fecore/internal/ir"
)

// Relay timeouts.
const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// Server exposes a Remote over HTTP and websocket.
//
// Routes:
//
//	GET    /v1/ping
//	GET    /v1/tables/:table/rows?partition=P
//	PUT    /v1/tables/:table/rows
//	DELETE /v1/tables/:table/rows/:partition/:id?device=D
//	GET    /v1/realtime   (websocket)
type Server struct {
	remote   Remote
	logger   *slog.Logger
	router   *gin.Engine
	upgrader websocket.Upgrader
}

// NewServer creates a relay for remote. A nil logger uses slog.Default().
func NewServer(remote Remote, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		remote: remote,
		logger: logger,
		router: gin.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	// Route on the escaped path so ids containing '/' stay one segment.
	s.router.UseRawPath = true
	s.router.UnescapePathValues = true
	s.router.Use(gin.Recovery(), s.requestLogger())

	v1 := s.router.Group("/v1")
	v1.GET("/ping", s.handlePing)
	v1.GET("/tables/:table/rows", s.handleSelect)
	v1.PUT("/tables/:table/rows", s.handleUpsert)
	v1.DELETE("/tables/:table/rows/:partition/:id", s.handleDelete)
	v1.GET("/realtime", s.handleRealtime)
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: handshakeTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("relay listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("relay: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("relay shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("relay: %w", err)
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("relay request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (s *Server) handlePing(c *gin.Context) {
	if err := s.remote.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleSelect(c *gin.Context) {
	partition := c.Query("partition")
	if partition == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "partition is required"})
		return
	}
	rows, err := s.remote.Select(c.Request.Context(), c.Param("table"), partition)
	if err != nil {
		s.fail(c, http.StatusServiceUnavailable, err)
		return
	}
	if rows == nil {
		rows = []Row{}
	}
	c.JSON(http.StatusOK, rowsResponse{Rows: rows})
}

func (s *Server) handleUpsert(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	var row Row
	if err := ir.DecodeJSON(body, &row); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid row: " + err.Error()})
		return
	}
	if err := row.validateKey(); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := s.remote.Upsert(c.Request.Context(), c.Param("table"), row); err != nil {
		s.fail(c, http.StatusServiceUnavailable, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDelete(c *gin.Context) {
	key := Row{
		ColID:            c.Param("id"),
		ColPartition:     c.Param("partition"),
		ColUpdatedDevice: c.Query("device"),
	}
	if err := s.remote.Delete(c.Request.Context(), c.Param("table"), key); err != nil {
		s.fail(c, http.StatusServiceUnavailable, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) fail(c *gin.Context, status int, err error) {
	s.logger.Warn("relay request failed", "path", c.FullPath(), "err", err)
	c.JSON(status, errorResponse{Error: err.Error()})
}

// handleRealtime upgrades to a websocket carrying one subscription.
// The client sends a subscribe message; the server acknowledges and then
// streams change messages until either side closes.
func (s *Server) handleRealtime(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(msg wireMessage) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(msg)
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var req wireMessage
	if err := conn.ReadJSON(&req); err != nil {
		return
	}
	if req.Type != msgSubscribe || req.Filter == nil {
		_ = send(wireMessage{Type: msgError, Error: "expected subscribe message"})
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	sub, err := s.remote.Subscribe(c.Request.Context(), *req.Filter, func(ch Change) {
		if err := send(wireMessage{Type: msgChange, Change: &ch}); err != nil {
			s.logger.Debug("realtime write failed", "err", err)
		}
	})
	if err != nil {
		_ = send(wireMessage{Type: msgError, Error: err.Error()})
		return
	}
	defer s.remote.Unsubscribe(sub)

	if err := send(wireMessage{Type: msgSubscribed, SubID: sub.ID}); err != nil {
		return
	}
	s.logger.Debug("realtime subscribed",
		"subscription", sub.ID,
		"partition", req.Filter.Partition,
		"tables", req.Filter.Tables,
	)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-closed:
	case <-sub.Done():
		msg := "subscription ended"
		if err := sub.Err(); err != nil {
			msg = err.Error()
		}
		_ = send(wireMessage{Type: msgError, Error: msg})
	}
}
