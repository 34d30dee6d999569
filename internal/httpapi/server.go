package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"charla/server/internal/core"
	"charla/server/internal/ws"
)

// Server is the Echo application: websocket transport, diagnostics, and the
// administrative collaborator (reset, ban).
type Server struct {
	echo   *echo.Echo
	router *core.Router
}

// New constructs the Echo app. staticDir, when non-empty, is served at the
// site root for the bundled web client.
func New(router *core.Router, staticDir string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, router: router}
	s.registerRoutes(staticDir)
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes(staticDir string) {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/state", s.handleState)
	s.echo.POST("/api/reset", s.handleReset)
	s.echo.POST("/api/ban", s.handleBan)
	ws.NewHandler(s.router).Register(s.echo)

	if staticDir = strings.TrimSpace(staticDir); staticDir != "" {
		s.echo.Static("/", staticDir)
	}
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status string `json:"status"`
	Online int    `json:"online"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status: "ok",
		Online: s.router.Online(),
	})
}

type stateResponse struct {
	Server       string   `json:"server"`
	Online       []string `json:"online"`
	Groups       []string `json:"groups"`
	Banned       int      `json:"banned"`
	Routed       uint64   `json:"routed"`
	DroppedSends uint64   `json:"dropped_sends"`
	SoftErrors   uint64   `json:"soft_errors"`
}

func (s *Server) handleState(c echo.Context) error {
	online := s.router.Names()
	if online == nil {
		online = []string{}
	}
	groups := s.router.GroupNames()
	if groups == nil {
		groups = []string{}
	}
	routed, dropped, softErrors := s.router.Stats()
	return c.JSON(http.StatusOK, stateResponse{
		Server:       s.router.ServerName(),
		Online:       online,
		Groups:       groups,
		Banned:       s.router.BannedCount(),
		Routed:       routed,
		DroppedSends: dropped,
		SoftErrors:   softErrors,
	})
}

func (s *Server) handleReset(c echo.Context) error {
	if err := s.router.Reset(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

type banRequest struct {
	Nickname string `json:"nickname"`
}

func (s *Server) handleBan(c echo.Context) error {
	var req banRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.Nickname = strings.TrimSpace(req.Nickname)
	if req.Nickname == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "nickname is required")
	}
	s.router.Ban(req.Nickname)
	return c.NoContent(http.StatusNoContent)
}
