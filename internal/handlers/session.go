package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/telesyncapp/telesync/internal/auth"
	"github.com/telesyncapp/telesync/internal/session"
)

// SessionHandler serves the credential and login lifecycle under /api/session.
type SessionHandler struct {
	sessions *session.Service
	logger   *slog.Logger
}

// ConfirmRequest is the body for POST /api/session/confirm.
type ConfirmRequest struct {
	ChallengeID string `json:"challengeId"`
	Code        string `json:"code"`
}

// ChallengeResponse carries the challenge id the client echoes back on confirm.
type ChallengeResponse struct {
	ChallengeID string `json:"challengeId"`
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(log *slog.Logger, sessions *session.Service) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		logger:   log.With(slog.String("handler", "session")),
	}
}

// Register mounts the session routes on the Echo instance.
func (h *SessionHandler) Register(e *echo.Echo) {
	group := e.Group("/api/session")
	group.POST("/connect", h.Connect)
	group.POST("/challenge", h.Challenge)
	group.POST("/confirm", h.Confirm)
	group.POST("/disconnect", h.Disconnect)
	group.GET("/status", h.Status)
}

// Connect godoc
// @Summary Store upstream credentials
// @Description Validate and store the caller's upstream credentials; replaces existing ones and tears down a live session
// @Tags session
// @Param payload body session.Credentials true "Upstream credentials"
// @Success 200 {object} session.Session
// @Failure 400 {object} ErrorResponse
// @Router /api/session/connect [post]
func (h *SessionHandler) Connect(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	var req session.Credentials
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sess, err := h.sessions.Connect(c.Request().Context(), userID, req)
	if err != nil {
		return sessionHTTPError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

// Challenge godoc
// @Summary Issue a login challenge
// @Description Generate a one-time code and deliver it out of band via the upstream platform
// @Tags session
// @Success 200 {object} ChallengeResponse
// @Failure 404 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /api/session/challenge [post]
func (h *SessionHandler) Challenge(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	challengeID, err := h.sessions.IssueChallenge(c.Request().Context(), userID)
	if err != nil {
		return sessionHTTPError(err)
	}
	return c.JSON(http.StatusOK, ChallengeResponse{ChallengeID: challengeID})
}

// Confirm godoc
// @Summary Confirm a login challenge
// @Description Verify the delivered code, dial the upstream platform and start the caller's channel monitor
// @Tags session
// @Param payload body ConfirmRequest true "Challenge confirmation"
// @Success 200 {object} session.Session
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /api/session/confirm [post]
func (h *SessionHandler) Confirm(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	var req ConfirmRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sess, err := h.sessions.ConfirmChallenge(c.Request().Context(), userID, req.ChallengeID, req.Code)
	if err != nil {
		return sessionHTTPError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

// Disconnect godoc
// @Summary Disconnect the session
// @Description Stop the caller's channel monitor and mark the session disconnected; queued and running downloads finish
// @Tags session
// @Success 204 "No Content"
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/session/disconnect [post]
func (h *SessionHandler) Disconnect(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	if err := h.sessions.Disconnect(c.Request().Context(), userID); err != nil {
		return sessionHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Status godoc
// @Summary Get session status
// @Description Return the caller's session state
// @Tags session
// @Success 200 {object} session.Session
// @Failure 404 {object} ErrorResponse
// @Router /api/session/status [get]
func (h *SessionHandler) Status(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	sess, err := h.sessions.Status(userID)
	if err != nil {
		return sessionHTTPError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func sessionHTTPError(err error) error {
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrChallengeNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrInvalidCredentials),
		errors.Is(err, session.ErrChallengeMismatch),
		errors.Is(err, session.ErrChallengeExpired):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrNotConnected):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
}
