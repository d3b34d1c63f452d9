// Package api exposes the operator-facing HTTP surface of spec §6: follower
// CRUD, master credential/trading control, manual close, and the live
// status/metrics feed. Adapted from the teacher's gin Server (middleware
// stack, JWT auth, request-ID/rate-limit/timeout/CORS chain) down from a
// multi-tenant strategy API to a single-operator relay control plane.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"copytrade-relay/internal/gateway"
	"copytrade-relay/internal/netsession"
	"copytrade-relay/internal/notifier"
	"copytrade-relay/internal/supervisor"
	"copytrade-relay/pkg/crypto"
	"copytrade-relay/pkg/db"
	"copytrade-relay/pkg/metrics"
)

// Server wires the relay's HTTP control plane.
type Server struct {
	Router *gin.Engine

	// ctx is the process lifetime context, used to run each follower's
	// NetworkSession ping loop past the lifetime of the HTTP request that
	// wired it in.
	ctx context.Context

	DB         *db.Database
	Supervisor *supervisor.Supervisor
	Gateways   *gateway.Manager
	Notifier   *notifier.Bus
	Metrics    *metrics.Relay
	Keys       *crypto.KeyManager

	OperatorPasswordHash string
	JWTSecret            string
	Meta                 SystemMeta

	sessionsMu sync.Mutex
	sessions   map[int]*netsession.Session
}

// SystemMeta describes static runtime info exposed to the UI.
type SystemMeta struct {
	Venue     string
	QuoteAsset string
	Version   string
}

// NewServer builds the gin router and registers every route. ctx is the
// process lifetime context: it outlives any single HTTP request and bounds
// the background NetworkSession ping loops this server spawns as followers
// are wired in.
func NewServer(
	ctx context.Context,
	database *db.Database,
	sup *supervisor.Supervisor,
	gateways *gateway.Manager,
	bus *notifier.Bus,
	m *metrics.Relay,
	keys *crypto.KeyManager,
	operatorPasswordHash, jwtSecret string,
	meta SystemMeta,
) *Server {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(m))
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:               r,
		ctx:                  ctx,
		DB:                   database,
		Supervisor:           sup,
		Gateways:             gateways,
		Notifier:             bus,
		Metrics:              m,
		Keys:                 keys,
		OperatorPasswordHash: operatorPasswordHash,
		JWTSecret:            jwtSecret,
		Meta:                 meta,
		sessions:             make(map[int]*netsession.Session),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)
	s.Router.POST("/api/v1/auth/login", s.login)

	api := s.Router.Group("/api/v1")
	api.Use(AuthMiddleware(s.JWTSecret))
	{
		api.GET("/status", s.getStatus)
		api.GET("/metrics", s.getMetrics)

		api.GET("/followers", s.listFollowers)
		api.GET("/followers/export", s.exportFollowersYAML)
		api.POST("/followers/import", s.importFollowersYAML)
		api.PUT("/followers/:id", s.upsertFollower)
		api.DELETE("/followers/:id", s.deleteFollower)
		api.POST("/followers/:id/enable", s.setFollowerEnabled(true))
		api.POST("/followers/:id/disable", s.setFollowerEnabled(false))
		api.GET("/followers/:id/pnl", s.listFollowerPnL)

		api.PUT("/master/credentials", s.setMasterCredentials)
		api.POST("/master/trading/start", s.setTradingEnabled(true))
		api.POST("/master/trading/stop", s.setTradingEnabled(false))
		api.POST("/master/hardstop", s.hardStop)

		api.POST("/manual_close", s.manualClose)
	}
}

func (s *Server) health(c *gin.Context) {
	if err := s.DB.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_unreachable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start runs the HTTP server on addr (e.g. ":8080").
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
