package handler

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"assistant-billing/internal/service"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Billing-Signature"

type WebhookHandler struct {
	webhookService service.WebhookService
	db             *gorm.DB
}

func NewWebhookHandler(webhookService service.WebhookService, db *gorm.DB) *WebhookHandler {
	return &WebhookHandler{
		webhookService: webhookService,
		db:             db,
	}
}

func (h *WebhookHandler) HandleWebhook(c echo.Context) error {
	ctx := c.Request().Context()

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.NoContent(http.StatusBadRequest)
	}

	outcome := h.webhookService.HandleEvent(ctx, c.RealIP(), c.Request().Header.Get(SignatureHeader), body)
	return c.NoContent(outcome.Code)
}

// Health reports 200 when the database behind configuration and state is
// reachable.
func (h *WebhookHandler) Health(c echo.Context) error {
	sqlDB, err := h.db.DB()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"status": "degraded"})
	}
	if err := sqlDB.PingContext(c.Request().Context()); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"status": "degraded"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
