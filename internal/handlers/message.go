package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/deskhubhq/deskhub/internal/platform"
	"github.com/deskhubhq/deskhub/internal/reconcile"
)

// MessageHandler exposes outbound sending to agents.
type MessageHandler struct {
	logger   *slog.Logger
	registry *platform.Registry
	links    reconcile.LinkStore
}

func NewMessageHandler(log *slog.Logger, registry *platform.Registry, links reconcile.LinkStore) *MessageHandler {
	return &MessageHandler{
		logger:   log.With(slog.String("handler", "message")),
		registry: registry,
		links:    links,
	}
}

func (h *MessageHandler) Register(e *echo.Echo) {
	e.POST("/api/messages/send", h.Send)
}

type sendRequest struct {
	CustomerID string           `json:"customer_id"`
	Platform   string           `json:"platform"`
	Content    platform.Content `json:"content"`
}

type sendResponse struct {
	Receipt platform.DeliveryReceipt `json:"receipt"`
}

// Send delivers content to a customer over one of their linked
// platforms. The connector persists the outbound message itself.
func (h *MessageHandler) Send(c echo.Context) error {
	var req sendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.CustomerID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "customer_id is required")
	}
	platformType, ok := platform.ParseType(req.Platform)
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown platform")
	}
	if req.Content.IsEmpty() {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}

	conn, err := h.registry.Get(platformType)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "platform not configured")
	}
	link, err := h.links.FindLinkByCustomer(c.Request().Context(), req.CustomerID, platformType)
	if err != nil {
		if errors.Is(err, reconcile.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "customer has no link on this platform")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	receipt, err := conn.SendMessage(c.Request().Context(), link.NativeID, req.Content)
	if err != nil {
		if errors.Is(err, platform.ErrUnsupportedContent) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		h.logger.Error("send failed",
			slog.String("platform", platformType.String()),
			slog.String("customer_id", req.CustomerID),
			slog.Any("error", err),
		)
		return echo.NewHTTPError(http.StatusBadGateway, "platform delivery failed")
	}
	return c.JSON(http.StatusOK, sendResponse{Receipt: receipt})
}
