package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	syncpkg "github.com/deskhubhq/deskhub/internal/sync"
)

// SyncHandler exposes the sync orchestrator.
type SyncHandler struct {
	logger       *slog.Logger
	orchestrator *syncpkg.Orchestrator
}

func NewSyncHandler(log *slog.Logger, orchestrator *syncpkg.Orchestrator) *SyncHandler {
	return &SyncHandler{
		logger:       log.With(slog.String("handler", "sync")),
		orchestrator: orchestrator,
	}
}

func (h *SyncHandler) Register(e *echo.Echo) {
	e.POST("/api/sync/links/:link_id", h.Start)
	e.POST("/api/sync/jobs/:sync_id/cancel", h.Cancel)
	e.GET("/api/sync/jobs/:sync_id", h.Status)
	e.GET("/api/sync/links/:link_id/history", h.History)
}

// Start launches a background sync for a platform link and returns the
// pending record.
func (h *SyncHandler) Start(c echo.Context) error {
	linkID := trimmedParam(c, "link_id")
	if linkID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "link id is required")
	}
	record, err := h.orchestrator.StartSync(c.Request().Context(), linkID)
	if err != nil {
		if errors.Is(err, syncpkg.ErrPlatformNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "platform link not found")
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusAccepted, record)
}

// Cancel requests cancellation of a running sync job.
func (h *SyncHandler) Cancel(c echo.Context) error {
	syncID := trimmedParam(c, "sync_id")
	if syncID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "sync id is required")
	}
	if !h.orchestrator.CancelSync(c.Request().Context(), syncID) {
		return echo.NewHTTPError(http.StatusNotFound, "no running sync with this id")
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "cancelled"})
}

// Status returns the record for one sync job.
func (h *SyncHandler) Status(c echo.Context) error {
	syncID := trimmedParam(c, "sync_id")
	if syncID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "sync id is required")
	}
	record, err := h.orchestrator.GetSyncStatus(c.Request().Context(), syncID)
	if err != nil {
		if errors.Is(err, syncpkg.ErrSyncNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "sync record not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, record)
}

// History returns past sync runs for a link, most recent first.
func (h *SyncHandler) History(c echo.Context) error {
	linkID := trimmedParam(c, "link_id")
	if linkID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "link id is required")
	}
	limit := queryInt(c, "limit", 20)
	offset := queryInt(c, "offset", 0)
	records, err := h.orchestrator.GetSyncHistory(c.Request().Context(), linkID, limit, offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"items": records})
}

func queryInt(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
