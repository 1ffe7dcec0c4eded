package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/deskhubhq/deskhub/internal/platform"
)

const webhookMaxBodyBytes int64 = 1 << 20 // 1 MiB

// WebhookHandler receives platform webhook deliveries on the public,
// unauthenticated webhook routes. Authentication is the platform's
// own: each connector validates its token or signature and answers its
// challenge handshake.
type WebhookHandler struct {
	logger   *slog.Logger
	registry *platform.Registry
}

func NewWebhookHandler(log *slog.Logger, registry *platform.Registry) *WebhookHandler {
	return &WebhookHandler{
		logger:   log.With(slog.String("handler", "webhook")),
		registry: registry,
	}
}

func (h *WebhookHandler) Register(e *echo.Echo) {
	e.GET("/webhooks/:platform", h.HandleProbe)
	e.POST("/webhooks/:platform", h.Handle)
}

// HandleProbe responds to health probes on the webhook URL.
func (h *WebhookHandler) HandleProbe(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// Handle dispatches one webhook delivery to its connector.
func (h *WebhookHandler) Handle(c echo.Context) error {
	platformType, ok := platform.ParseType(c.Param("platform"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown platform")
	}
	conn, err := h.registry.Get(platformType)
	if err != nil {
		if errors.Is(err, platform.ErrUnregisteredPlatform) {
			return echo.NewHTTPError(http.StatusNotFound, "platform not configured")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, webhookMaxBodyBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
	}
	if int64(len(body)) > webhookMaxBodyBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, fmt.Sprintf("payload too large: max %d bytes", webhookMaxBodyBytes))
	}
	req := platform.WebhookRequest{Body: body, Header: c.Request().Header}

	// Verification handshakes carry no events and must be echoed back
	// before normal processing.
	if challenger, ok := h.registry.Challenger(platformType); ok {
		if response, answered := challenger.Challenge(req); answered {
			h.logger.Info("webhook challenge answered", slog.String("platform", platformType.String()))
			return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, response)
		}
	}

	if err := conn.HandleWebhook(c.Request().Context(), req); err != nil {
		if errors.Is(err, platform.ErrInvalidWebhook) {
			h.logger.Warn("webhook rejected",
				slog.String("platform", platformType.String()),
				slog.Any("error", err),
			)
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid webhook payload")
		}
		h.logger.Error("webhook failed",
			slog.String("platform", platformType.String()),
			slog.Any("error", err),
		)
		return echo.NewHTTPError(http.StatusInternalServerError, "webhook processing failed")
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func trimmedParam(c echo.Context, name string) string {
	return strings.TrimSpace(c.Param(name))
}
