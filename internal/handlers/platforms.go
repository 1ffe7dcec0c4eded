package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/deskhubhq/deskhub/internal/platform"
)

// PlatformsHandler lists the configured platforms and their
// capability matrices, so clients can disable unsupported content
// kinds before trying to send them.
type PlatformsHandler struct {
	logger   *slog.Logger
	registry *platform.Registry
}

func NewPlatformsHandler(log *slog.Logger, registry *platform.Registry) *PlatformsHandler {
	return &PlatformsHandler{
		logger:   log.With(slog.String("handler", "platforms")),
		registry: registry,
	}
}

func (h *PlatformsHandler) Register(e *echo.Echo) {
	e.GET("/api/platforms", h.List)
}

func (h *PlatformsHandler) List(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"items": h.registry.Descriptors()})
}
