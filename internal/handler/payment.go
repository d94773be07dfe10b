package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"assistant-billing/internal/dto"
	"assistant-billing/internal/middleware"
	"assistant-billing/internal/model"
	"assistant-billing/internal/service"
)

type PaymentHandler struct {
	paymentService service.PaymentService
}

func NewPaymentHandler(paymentService service.PaymentService) *PaymentHandler {
	return &PaymentHandler{
		paymentService: paymentService,
	}
}

func (h *PaymentHandler) CreatePayment(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.CreatePaymentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid req body")
	}

	intent, err := h.paymentService.CreatePaymentIntent(ctx, &service.CreateIntentInput{
		CustomerID:      middleware.CustomerID(c),
		Amount:          req.Amount,
		Currency:        req.Currency,
		RateClass:       req.RateClass,
		PaymentMethodID: req.PaymentMethodID,
		SubscriptionID:  req.SubscriptionID,
	})
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusCreated, intentResponse(intent))
}

func (h *PaymentHandler) ConfirmPayment(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.ConfirmPaymentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid req body")
	}

	intent, err := h.paymentService.ConfirmPayment(ctx, c.Param("id"), req.PaymentMethodID)
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, intentResponse(intent))
}

func (h *PaymentHandler) GetPayment(c echo.Context) error {
	ctx := c.Request().Context()

	intent, err := h.paymentService.GetIntent(ctx, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	if intent.CustomerID != middleware.CustomerID(c) {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}

	return c.JSON(http.StatusOK, intentResponse(intent))
}

func (h *PaymentHandler) AddPaymentMethod(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.AddMethodRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid req body")
	}

	method, err := h.paymentService.AddPaymentMethod(ctx, &service.AddMethodInput{
		CustomerID: middleware.CustomerID(c),
		Type:       req.Type,
		Token:      req.Token,
	})
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusCreated, methodResponse(method))
}

func (h *PaymentHandler) RemovePaymentMethod(c echo.Context) error {
	ctx := c.Request().Context()

	err := h.paymentService.RemovePaymentMethod(ctx, middleware.CustomerID(c), c.Param("id"))
	if err != nil {
		return httpError(err)
	}

	return c.NoContent(http.StatusNoContent)
}

func (h *PaymentHandler) ListPaymentMethods(c echo.Context) error {
	ctx := c.Request().Context()

	methods, err := h.paymentService.ListPaymentMethods(ctx, middleware.CustomerID(c))
	if err != nil {
		return httpError(err)
	}

	resp := make([]*dto.PaymentMethodResponse, len(methods))
	for i, m := range methods {
		resp[i] = methodResponse(m)
	}
	return c.JSON(http.StatusOK, resp)
}

func intentResponse(intent *model.PaymentIntent) *dto.PaymentIntentResponse {
	return &dto.PaymentIntentResponse{
		ID:              intent.ID,
		Status:          intent.Status,
		Amount:          intent.Amount,
		TaxAmount:       intent.TaxAmount,
		Total:           intent.Amount + intent.TaxAmount,
		Currency:        intent.Currency,
		PaymentMethodID: intent.PaymentMethodID,
		FailureReason:   intent.FailureReason,
		CreatedAt:       intent.CreatedAt,
	}
}

func methodResponse(method *model.PaymentMethod) *dto.PaymentMethodResponse {
	return &dto.PaymentMethodResponse{
		ID:    method.ID,
		Type:  method.Type,
		Brand: method.Brand,
		Last4: method.Last4,
	}
}
