package worker

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/opensandbox/pipagent/internal/auth"
	"github.com/opensandbox/pipagent/internal/cas"
	"github.com/opensandbox/pipagent/internal/execlog"
	"github.com/opensandbox/pipagent/internal/metrics"
)

// HTTPServer serves the worker's admin surface: health, metrics, the
// execution journal and content store statistics.
type HTTPServer struct {
	echo     *echo.Echo
	store    *cas.Store
	journal  *execlog.Journal // nil if not configured
	exec     *ExecServer
	workerID string
}

// NewHTTPServer creates the admin server. Journal and CAS routes require a
// channel token when jwtIssuer is set.
func NewHTTPServer(store *cas.Store, journal *execlog.Journal, execSrv *ExecServer, jwtIssuer *auth.JWTIssuer, workerID string) *HTTPServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &HTTPServer{
		echo:     e,
		store:    store,
		journal:  journal,
		exec:     execSrv,
		workerID: workerID,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(metrics.EchoMiddleware())

	// Health check and metrics (no auth)
	e.GET("/health", s.health)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	api := e.Group("")
	api.Use(auth.BearerMiddleware(jwtIssuer, workerID))
	api.GET("/executions", s.listExecutions)
	api.GET("/cas/stats", s.casStats)

	return s
}

func (s *HTTPServer) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"role":      "worker",
		"worker_id": s.workerID,
		"active":    s.exec.Active(),
		"capacity":  s.exec.Capacity(),
	})
}

func (s *HTTPServer) listExecutions(c echo.Context) error {
	if s.journal == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "journal not configured"})
	}
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 1000"})
		}
		limit = n
	}
	execs, err := s.journal.RecentExecutions(limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if execs == nil {
		execs = []execlog.Execution{}
	}
	return c.JSON(http.StatusOK, execs)
}

func (s *HTTPServer) casStats(c echo.Context) error {
	stats, err := s.store.Stats()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, stats)
}

// ServeHTTP lets tests drive the server without a listener.
func (s *HTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start starts the HTTP server on the given address.
func (s *HTTPServer) Start(addr string) error {
	return s.echo.Start(addr)
}

// Close gracefully shuts down the server.
func (s *HTTPServer) Close() error {
	return s.echo.Close()
}
