// Package handlers provides HTTP API handlers for the sync server.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/telesyncapp/telesync/internal/auth"
	"github.com/telesyncapp/telesync/internal/channels"
)

// ChannelsHandler serves the per-user channel registry under /api/channels.
type ChannelsHandler struct {
	registry *channels.Registry
	logger   *slog.Logger
}

// AddChannelRequest is the body for POST /api/channels.
type AddChannelRequest struct {
	SourceRef   string `json:"sourceRef"`
	DisplayName string `json:"displayName"`
}

// ToggleChannelRequest is the body for PATCH /api/channels/:id.
type ToggleChannelRequest struct {
	Active bool `json:"active"`
}

// NewChannelsHandler creates a channels handler.
func NewChannelsHandler(log *slog.Logger, registry *channels.Registry) *ChannelsHandler {
	return &ChannelsHandler{
		registry: registry,
		logger:   log.With(slog.String("handler", "channels")),
	}
}

// Register mounts the channel routes on the Echo instance.
func (h *ChannelsHandler) Register(e *echo.Echo) {
	group := e.Group("/api/channels")
	group.POST("", h.Add)
	group.GET("", h.List)
	group.PATCH("/:id", h.Toggle)
	group.DELETE("/:id", h.Remove)
}

// Add godoc
// @Summary Register a channel
// @Description Add a channel to the caller's registry; allowed while disconnected
// @Tags channels
// @Param payload body AddChannelRequest true "Channel to watch"
// @Success 201 {object} channels.Channel
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/channels [post]
func (h *ChannelsHandler) Add(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	var req AddChannelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	channel, err := h.registry.Add(userID, req.SourceRef, req.DisplayName)
	if err != nil {
		if errors.Is(err, channels.ErrDuplicateChannel) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, channel)
}

// List godoc
// @Summary List channels
// @Description Return the caller's channels in registration order
// @Tags channels
// @Success 200 {array} channels.Channel
// @Router /api/channels [get]
func (h *ChannelsHandler) List(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	list := h.registry.List(userID)
	if list == nil {
		list = []channels.Channel{}
	}
	return c.JSON(http.StatusOK, list)
}

// Toggle godoc
// @Summary Toggle channel monitoring
// @Description Activate or deactivate a channel without removing it
// @Tags channels
// @Param payload body ToggleChannelRequest true "Target state"
// @Success 200 {object} channels.Channel
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/channels/{id} [patch]
func (h *ChannelsHandler) Toggle(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	channelID := strings.TrimSpace(c.Param("id"))
	if channelID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "channel id is required")
	}
	var req ToggleChannelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	channel, err := h.registry.Toggle(userID, channelID, req.Active)
	if err != nil {
		if errors.Is(err, channels.ErrChannelNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, channel)
}

// Remove godoc
// @Summary Remove a channel
// @Description Delete a channel from the caller's registry
// @Tags channels
// @Success 204 "No Content"
// @Failure 404 {object} ErrorResponse
// @Router /api/channels/{id} [delete]
func (h *ChannelsHandler) Remove(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	channelID := strings.TrimSpace(c.Param("id"))
	if channelID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "channel id is required")
	}
	if err := h.registry.Remove(userID, channelID); err != nil {
		if errors.Is(err, channels.ErrChannelNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
