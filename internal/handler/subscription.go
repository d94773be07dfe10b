package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"assistant-billing/internal/dto"
	"assistant-billing/internal/middleware"
	"assistant-billing/internal/model"
	"assistant-billing/internal/service"
)

type SubscriptionHandler struct {
	subscriptionService service.SubscriptionService
}

func NewSubscriptionHandler(subscriptionService service.SubscriptionService) *SubscriptionHandler {
	return &SubscriptionHandler{
		subscriptionService: subscriptionService,
	}
}

func (h *SubscriptionHandler) CreateSubscription(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.CreateSubscriptionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid req body")
	}

	sub, err := h.subscriptionService.CreateSubscription(ctx, middleware.CustomerID(c), req.PlanID)
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusCreated, subscriptionResponse(sub))
}

func (h *SubscriptionHandler) ChangePlan(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.ChangePlanRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid req body")
	}

	sub, err := h.loadOwned(c)
	if err != nil {
		return err
	}

	updated, err := h.subscriptionService.ChangePlan(ctx, sub.ID, req.PlanID)
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, subscriptionResponse(updated))
}

func (h *SubscriptionHandler) CancelSubscription(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.CancelSubscriptionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid req body")
	}

	sub, err := h.loadOwned(c)
	if err != nil {
		return err
	}

	updated, err := h.subscriptionService.Cancel(ctx, sub.ID, req.Immediate)
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, subscriptionResponse(updated))
}

func (h *SubscriptionHandler) GetSubscription(c echo.Context) error {
	sub, err := h.loadOwned(c)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, subscriptionResponse(sub))
}

// loadOwned fetches the subscription in the path and hides other customers'
// subscriptions behind a 404.
func (h *SubscriptionHandler) loadOwned(c echo.Context) (*model.Subscription, error) {
	sub, err := h.subscriptionService.GetSubscription(c.Request().Context(), c.Param("id"))
	if err != nil {
		return nil, httpError(err)
	}
	if sub.CustomerID != middleware.CustomerID(c) {
		return nil, echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	return sub, nil
}

func subscriptionResponse(sub *model.Subscription) *dto.SubscriptionResponse {
	return &dto.SubscriptionResponse{
		ID:                 sub.ID,
		PlanID:             sub.PlanID,
		Status:             sub.Status,
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		ProrationDue:       sub.ProrationDue,
	}
}
