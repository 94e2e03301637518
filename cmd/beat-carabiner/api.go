package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	carabiner "github.com/brunchboy/beat-carabiner"
	"github.com/brunchboy/beat-carabiner/store"
)

// APIServer exposes the bridge over HTTP: a REST surface for introspection
// and control, plus the websocket status feed for UIs.
type APIServer struct {
	engine *carabiner.Engine
	store  *store.Store
	feed   *statusFeed
	echo   *echo.Echo
}

// NewAPIServer constructs an APIServer and registers all routes.
func NewAPIServer(engine *carabiner.Engine, st *store.Store, feed *statusFeed) *APIServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Printf("[api] %s %s %d", v.Method, v.URI, v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = jsonErrorHandler

	s := &APIServer{engine: engine, store: st, feed: feed, echo: e}
	s.registerRoutes()
	return s
}

func (s *APIServer) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/state", s.handleState)
	s.echo.PUT("/api/settings", s.handlePutSettings)
	s.echo.POST("/api/connect", s.handleConnect)
	s.echo.POST("/api/disconnect", s.handleDisconnect)
	s.echo.POST("/api/sync-mode", s.handleSyncMode)
	s.echo.POST("/api/tempo", s.handleLockTempo)
	s.echo.DELETE("/api/tempo", s.handleUnlockTempo)
	s.echo.POST("/api/link-tempo", s.handleLinkTempo)
	s.echo.POST("/api/transport/start", s.handleStartTransport)
	s.echo.POST("/api/transport/stop", s.handleStopTransport)
	s.echo.GET("/api/sessions", s.handleSessions)
	s.echo.GET("/api/metrics", s.handleMetrics)
	s.echo.GET("/api/version", s.handleVersion)
	s.echo.GET("/ws", s.feed.handleWS)
}

// Run starts the Echo HTTP server on addr and blocks until ctx is cancelled.
func (s *APIServer) Run(ctx context.Context, addr string) {
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()
	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutCtx); err != nil {
		log.Printf("[api] shutdown: %v", err)
	}
}

// HealthResponse is the payload for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Active bool   `json:"active"`
}

func (s *APIServer) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Active: s.engine.Active()})
}

func (s *APIServer) handleState(c echo.Context) error {
	return c.JSON(http.StatusOK, s.engine.State())
}

// SettingsRequest is the body for PUT /api/settings. Absent fields are left
// unchanged.
type SettingsRequest struct {
	Port     *int  `json:"port,omitempty"`
	Latency  *int  `json:"latency,omitempty"`
	BarAlign *bool `json:"bar_align,omitempty"`
}

func (s *APIServer) handlePutSettings(c echo.Context) error {
	var req SettingsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Port != nil {
		if err := s.engine.SetCarabinerPort(*req.Port); err != nil {
			return domainError(err)
		}
		s.persist(store.KeyCarabinerPort, strconv.Itoa(*req.Port))
	}
	if req.Latency != nil {
		if err := s.engine.SetLatency(*req.Latency); err != nil {
			return domainError(err)
		}
		s.persist(store.KeyLatency, strconv.Itoa(*req.Latency))
	}
	if req.BarAlign != nil {
		s.engine.SetSyncBars(*req.BarAlign)
		s.persist(store.KeyBarAlign, strconv.FormatBool(*req.BarAlign))
	}
	return c.JSON(http.StatusOK, s.engine.State())
}

func (s *APIServer) persist(key, value string) {
	if s.store == nil {
		return
	}
	if err := s.store.SetSetting(key, value); err != nil {
		log.Printf("[api] persist %s: %v", key, err)
	}
}

func (s *APIServer) handleConnect(c echo.Context) error {
	var failure string
	s.engine.Connect(func(message string) { failure = message })
	if failure != "" {
		return echo.NewHTTPError(http.StatusBadGateway, failure)
	}
	return c.JSON(http.StatusOK, s.engine.State())
}

func (s *APIServer) handleDisconnect(c echo.Context) error {
	s.engine.Disconnect()
	return c.JSON(http.StatusOK, s.engine.State())
}

// SyncModeRequest is the body for POST /api/sync-mode.
type SyncModeRequest struct {
	Mode string `json:"mode"`
}

func (s *APIServer) handleSyncMode(c echo.Context) error {
	var req SyncModeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.engine.SetSyncMode(carabiner.SyncMode(req.Mode)); err != nil {
		return domainError(err)
	}
	s.persist(store.KeySyncMode, req.Mode)
	return c.JSON(http.StatusOK, s.engine.State())
}

// TempoRequest is the body for POST /api/tempo and /api/link-tempo.
type TempoRequest struct {
	BPM float64 `json:"bpm"`
}

func (s *APIServer) handleLockTempo(c echo.Context) error {
	var req TempoRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.engine.LockTempo(req.BPM); err != nil {
		return domainError(err)
	}
	return c.JSON(http.StatusOK, s.engine.State())
}

func (s *APIServer) handleUnlockTempo(c echo.Context) error {
	s.engine.UnlockTempo()
	return c.JSON(http.StatusOK, s.engine.State())
}

func (s *APIServer) handleLinkTempo(c echo.Context) error {
	var req TempoRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.engine.SetLinkTempo(req.BPM); err != nil {
		return domainError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *APIServer) handleStartTransport(c echo.Context) error {
	if err := s.engine.StartTransport(0); err != nil {
		return domainError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *APIServer) handleStopTransport(c echo.Context) error {
	if err := s.engine.StopTransport(0); err != nil {
		return domainError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *APIServer) handleSessions(c echo.Context) error {
	if s.store == nil {
		return c.JSON(http.StatusOK, []store.Session{})
	}
	sessions, err := s.store.RecentSessions(50)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	return c.JSON(http.StatusOK, sessions)
}

func (s *APIServer) handleMetrics(c echo.Context) error {
	return c.JSON(http.StatusOK, s.engine.Metrics())
}

// Version is the current bridge version. Set at build time via -ldflags.
var Version = "0.1.0-dev"

// VersionResponse is the payload for GET /api/version.
type VersionResponse struct {
	Version string `json:"version"`
}

func (s *APIServer) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, VersionResponse{Version: Version})
}

// domainError maps engine precondition failures onto HTTP statuses: state
// conflicts are 409, bad arguments 400.
func domainError(err error) error {
	switch {
	case errors.Is(err, carabiner.ErrInvalidState):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, carabiner.ErrInvalidArgument):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// jsonErrorHandler ensures all error responses have a consistent JSON body:
//
//	{"error": "message"}
//
// This replaces Echo's default handler which varies between text and JSON.
func jsonErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if c.Response().Committed {
		return
	}
	if err := c.JSON(code, map[string]string{"error": msg}); err != nil {
		log.Printf("[api] error response: %v", err)
	}
}
