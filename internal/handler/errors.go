package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"assistant-billing/internal/service"
)

// httpError maps the service error taxonomy onto HTTP statuses. Messages
// stay human readable and never echo secrets or ciphertext.
func httpError(err error) error {
	var ve *service.ValidationError
	if errors.As(err, &ve) {
		return echo.NewHTTPError(http.StatusBadRequest, ve.Reason)
	}
	var ae *service.AuthenticationError
	if errors.As(err, &ae) {
		return echo.NewHTTPError(http.StatusUnauthorized, ae.Reason)
	}
	if errors.Is(err, service.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	if errors.Is(err, service.ErrInvalidStateTransition) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if errors.Is(err, service.ErrConflict) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	var ge *service.GatewayError
	if errors.As(err, &ge) {
		if ge.Retryable {
			return echo.NewHTTPError(http.StatusBadGateway, "payment gateway unavailable, retry later")
		}
		return echo.NewHTTPError(http.StatusBadGateway, "payment gateway rejected the request")
	}
	var ce *service.ConfigurationError
	if errors.As(err, &ce) {
		return echo.NewHTTPError(http.StatusInternalServerError, "service misconfigured")
	}
	return err
}
