package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/telesyncapp/telesync/internal/auth"
	"github.com/telesyncapp/telesync/internal/pipeline"
	"github.com/telesyncapp/telesync/internal/storage"
)

// defaultListLimit caps GET /api/downloads pages when the client sends none.
const defaultListLimit = 50

// DownloadsHandler serves the download log and stored artifacts under
// /api/downloads.
type DownloadsHandler struct {
	pipeline *pipeline.Service
	store    storage.Adapter
	logger   *slog.Logger
}

// ListDownloadsResponse is the paged body for GET /api/downloads.
type ListDownloadsResponse struct {
	Items  []pipeline.Task `json:"items"`
	Total  int             `json:"total"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

// NewDownloadsHandler creates a downloads handler.
func NewDownloadsHandler(log *slog.Logger, pipe *pipeline.Service, store storage.Adapter) *DownloadsHandler {
	return &DownloadsHandler{
		pipeline: pipe,
		store:    store,
		logger:   log.With(slog.String("handler", "downloads")),
	}
}

// Register mounts the download routes on the Echo instance.
func (h *DownloadsHandler) Register(e *echo.Echo) {
	group := e.Group("/api/downloads")
	group.GET("", h.List)
	group.POST("/:id/retry", h.Retry)
	group.DELETE("/:id", h.Delete)
	group.GET("/:id/file", h.File)
}

// List godoc
// @Summary List downloads
// @Description Return the caller's download tasks, newest first, with paging
// @Tags downloads
// @Param limit query int false "Page size (default 50)"
// @Param offset query int false "Items to skip"
// @Success 200 {object} ListDownloadsResponse
// @Router /api/downloads [get]
func (h *DownloadsHandler) List(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	limit := queryInt(c, "limit", defaultListLimit)
	offset := queryInt(c, "offset", 0)
	if limit <= 0 {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	items, total := h.pipeline.List(userID, limit, offset)
	if items == nil {
		items = []pipeline.Task{}
	}
	return c.JSON(http.StatusOK, ListDownloadsResponse{
		Items:  items,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// Retry godoc
// @Summary Retry a failed download
// @Description Move a failed task back to queued; only failed tasks are retriable
// @Tags downloads
// @Success 200 {object} pipeline.Task
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/downloads/{id}/retry [post]
func (h *DownloadsHandler) Retry(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	taskID := strings.TrimSpace(c.Param("id"))
	if taskID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task id is required")
	}
	task, err := h.pipeline.Retry(c.Request().Context(), userID, taskID)
	if err != nil {
		return downloadHTTPError(err)
	}
	return c.JSON(http.StatusOK, task)
}

// Delete godoc
// @Summary Delete a download
// @Description Remove the task record and any stored artifact; the item becomes detectable again
// @Tags downloads
// @Success 204 "No Content"
// @Failure 404 {object} ErrorResponse
// @Router /api/downloads/{id} [delete]
func (h *DownloadsHandler) Delete(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	taskID := strings.TrimSpace(c.Param("id"))
	if taskID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task id is required")
	}
	if err := h.pipeline.Delete(c.Request().Context(), userID, taskID); err != nil {
		return downloadHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// File godoc
// @Summary Download the stored artifact
// @Description Stream the payload of a completed task
// @Tags downloads
// @Success 200 {file} binary
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/downloads/{id}/file [get]
func (h *DownloadsHandler) File(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	taskID := strings.TrimSpace(c.Param("id"))
	if taskID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task id is required")
	}
	task, err := h.pipeline.Get(userID, taskID)
	if err != nil {
		return downloadHTTPError(err)
	}
	if task.Status != pipeline.StatusCompleted || task.StoragePath == "" {
		return echo.NewHTTPError(http.StatusConflict, "download is not completed")
	}

	body, artifact, err := h.store.Get(c.Request().Context(), task.StoragePath)
	if err != nil {
		return downloadHTTPError(err)
	}
	defer body.Close()

	contentType := artifact.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=%q", artifact.Filename))
	if artifact.ByteSize > 0 {
		c.Response().Header().Set(echo.HeaderContentLength,
			strconv.FormatInt(artifact.ByteSize, 10))
	}
	return c.Stream(http.StatusOK, contentType, body)
}

func downloadHTTPError(err error) error {
	switch {
	case errors.Is(err, pipeline.ErrTaskNotFound),
		errors.Is(err, storage.ErrArtifactNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, pipeline.ErrNotRetriable):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// queryInt reads an integer query parameter, falling back on absent or
// malformed values.
func queryInt(c echo.Context, name string, fallback int) int {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
