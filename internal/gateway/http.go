package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/maestro/maestro/internal/common/errors"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Remote clients are phones on arbitrary networks; the token is the
	// authentication boundary, not the Origin header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Router builds the gin handler: the WebSocket endpoint plus the HTTP side
// channel. One-shot endpoints carry the token as a path segment.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "maestro"})
	})

	// Token optional here: a tokenless upgrade must authenticate in its
	// first frame.
	r.GET("/ws", s.handleWS(false))

	authed := r.Group("/:token", s.requireToken)
	authed.GET("/ws", s.handleWS(true))
	authed.POST("/session/:id/interrupt", s.handleInterrupt)
	authed.GET("/session/:id", s.handleGetSession)

	return r
}

func (s *Server) requireToken(c *gin.Context) {
	if !tokenMatches(s.token, c.Param("token")) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
	}
}

func (s *Server) handleWS(preauthed bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			s.logger.Error("websocket upgrade failed", zap.Error(err))
			return
		}

		client := newClient(uuid.New().String(), conn, s.hub, s.newDispatcher(), preauthed, s.logger)
		s.hub.Register(client)
		if preauthed {
			s.hub.sendSnapshot(client)
		}

		go client.writePump()
		client.readPump(c.Request.Context())
	}
}

func (s *Server) handleInterrupt(c *gin.Context) {
	if err := s.agents.Interrupt(c.Param("id")); err != nil {
		c.JSON(errors.GetHTTPStatus(err), gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.registry.Get(c.Param("id"))
	if err != nil {
		c.JSON(errors.GetHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	if tabID := c.Query("tabId"); tabID != "" {
		tab := sess.TabByID(tabID)
		if tab == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "tab not found"})
			return
		}
		c.JSON(http.StatusOK, s.tabViewOf(tab, sess.Name, 0))
		return
	}
	c.JSON(http.StatusOK, s.sessionViewOf(sess, 0))
}

// Listen binds the configured address. Port 0 picks a free port; the
// chosen one is returned so the GUI can display it.
func (s *Server) Listen() (net.Listener, int, error) {
	addr := fmt.Sprintf("%s:%d", s.cfg.Remote.Host, s.cfg.Remote.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, 0, errors.Wrap(err, "bind gateway listener")
	}
	port := ln.Addr().(*net.TCPAddr).Port
	s.logger.Info("gateway listening", zap.Int("port", port))
	return ln, port, nil
}

// Serve runs the HTTP server on the listener until the context ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.Remote.ReadTimeoutDuration(),
		WriteTimeout: s.cfg.Remote.WriteTimeoutDuration(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
