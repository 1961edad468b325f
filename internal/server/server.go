package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"crmsync/internal/auth"
	"crmsync/internal/models"
	"crmsync/internal/syncer"
)

// UserSyncer runs a reconciliation for one user.
type UserSyncer interface {
	Sync(ctx context.Context, userID string) (*models.SyncOutcome, error)
}

// ReportRunner runs a reconciliation for every connected user.
type ReportRunner interface {
	Run(ctx context.Context) *models.Report
}

// Connector runs the OAuth consent flow.
type Connector interface {
	// AuthURL returns a single-use consent link for userID.
	AuthURL(userID string) string
	// Complete stores the credential of the user the state was issued to.
	Complete(ctx context.Context, state, code string) (string, error)
}

// ConnectResponse is the body of a started consent flow.
type ConnectResponse struct {
	AuthURL string `json:"auth_url"`
}

// SyncResponse is the body of a manual sync. A failed run is still a 200 response.
type SyncResponse struct {
	Outcome *models.SyncOutcome `json:"outcome"`
	Error   string              `json:"error,omitempty"`
}

// ErrorResponse is the body of a rejected request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// API exposes the scheduler and the manual sync over HTTP.
type API struct {
	logger    *slog.Logger
	scheduler ReportRunner
	syncer    UserSyncer
	connect   Connector
	ping      func() error
}

// NewAPI creates the API. connect and ping may be nil.
func NewAPI(logger *slog.Logger, scheduler ReportRunner, syncer UserSyncer, connect Connector, ping func() error) *API {
	return &API{
		logger:    logger,
		scheduler: scheduler,
		syncer:    syncer,
		connect:   connect,
		ping:      ping,
	}
}

// New returns an echo instance with the API routes registered.
func New(api *API) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	api.RegisterRoutes(e)
	return e
}

// RegisterRoutes registers the sync routes.
func (a *API) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", a.HealthHandler)
	e.POST("/api/sync", a.RunAllHandler)
	e.POST("/api/users/:user/sync", a.SyncUserHandler)
	if a.connect != nil {
		e.POST("/api/users/:user/connect", a.ConnectHandler)
		e.GET("/oauth/callback", a.CallbackHandler)
	}
}

// HealthHandler reports whether the database is reachable.
func (a *API) HealthHandler(c echo.Context) error {
	if a.ping != nil {
		if err := a.ping(); err != nil {
			return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// RunAllHandler syncs every connected user. It always answers 200 with the report.
func (a *API) RunAllHandler(c echo.Context) error {
	report := a.scheduler.Run(c.Request().Context())
	return c.JSON(http.StatusOK, report)
}

// SyncUserHandler is the manual "sync now" for one user.
func (a *API) SyncUserHandler(c echo.Context) error {
	userID := c.Param("user")
	outcome, err := a.syncer.Sync(c.Request().Context(), userID)
	switch {
	case errors.Is(err, syncer.ErrNoCredential):
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case errors.Is(err, syncer.ErrSyncInProgress):
		return c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
	}

	resp := SyncResponse{Outcome: outcome}
	if err != nil {
		resp.Error = err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

// ConnectHandler starts the consent flow for a user.
func (a *API) ConnectHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, ConnectResponse{AuthURL: a.connect.AuthURL(c.Param("user"))})
}

// CallbackHandler completes the OAuth consent flow. The user is the one the
// state was issued to; unknown or reused states are rejected.
func (a *API) CallbackHandler(c echo.Context) error {
	if msg := c.QueryParam("error"); msg != "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg})
	}
	code := c.QueryParam("code")
	state := c.QueryParam("state")
	if code == "" || state == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "code and state are required"})
	}

	userID, err := a.connect.Complete(c.Request().Context(), state, code)
	if errors.Is(err, auth.ErrUnknownState) {
		a.logger.Warn("Rejected OAuth callback with unknown state.")
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	}
	if err != nil {
		a.logger.Error("Failed to connect calendar.", "user", userID, "error", err)
		return c.JSON(http.StatusBadGateway, ErrorResponse{Error: "failed to connect calendar"})
	}
	a.logger.Info("Calendar connected.", "user", userID)
	return c.JSON(http.StatusOK, map[string]string{"status": "connected", "user": userID})
}
