// Package admin is the HTTP control surface for one link: health, a snapshot
// of queues and epoch, metrics, and operator actions (send, flush, cancel,
// reset). Mutating routes require a bearer token when one is configured.
package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/peerlink/internal/auth"
	"github.com/danmuck/peerlink/internal/link"
	"github.com/danmuck/peerlink/internal/observability"
)

const version = "0.1.0"

// Controller is the part of a link the admin surface drives.
type Controller interface {
	Snapshot() link.Snapshot
	SendMessage(msgType string, body []byte, ack bool, cb link.Callbacks) (int64, error)
	SendBinary(body []byte, ack bool, cb link.Callbacks) int64
	SendBackground(body []byte, ack bool, cb link.Callbacks) int64
	SendState(body []byte, ack bool, cb link.Callbacks) int64
	Flush(ch link.Channel) int
	FlushType(msgType string) int
	Cancel(ch link.Channel, ts int64) bool
	ResetSession(reason string, cb link.Callbacks) (int64, error)
}

var _ Controller = (*link.Link)(nil)

type Config struct {
	Peer        string
	Addr        string
	CorsOrigins []string
	// Token guards mutating routes. Empty leaves them open.
	Token string
}

type Server struct {
	Peer     string
	Addr     string
	Appeared time.Time

	ctl    Controller
	auth   auth.Validator
	router *gin.Engine
}

func New(cfg Config, ctl Controller) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(cfg.Peer))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CorsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	var validator auth.Validator = auth.AllowAll
	if cfg.Token != "" {
		validator = auth.StaticToken{Token: cfg.Token}
	}
	s := &Server{
		Peer:     cfg.Peer,
		Addr:     cfg.Addr,
		Appeared: time.Now(),
		ctl:      ctl,
		auth:     validator,
		router:   r,
	}
	s.RegisterRoutes()
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

// Serve runs the HTTP server until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("peer", s.Peer).Str("addr", s.Addr).Msg("admin listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

// requireToken rejects requests whose bearer token the validator refuses.
func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := auth.BearerToken(c.GetHeader("Authorization"))
		if err := s.auth.Validate(token); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
