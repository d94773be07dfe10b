package server

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"assistant-billing/internal/handler"
	"assistant-billing/internal/middleware"
)

type Server struct {
	echo                *echo.Echo
	paymentHandler      *handler.PaymentHandler
	subscriptionHandler *handler.SubscriptionHandler
	webhookHandler      *handler.WebhookHandler
	jwtSecret           string
}

func NewServer(
	paymentHandler *handler.PaymentHandler,
	subscriptionHandler *handler.SubscriptionHandler,
	webhookHandler *handler.WebhookHandler,
	jwtSecret string,
) *Server {
	e := echo.New()
	e.HideBanner = true

	e.Use(echomw.Logger())
	e.Use(echomw.Recover())
	e.Use(echomw.CORS())

	s := &Server{
		echo:                e,
		paymentHandler:      paymentHandler,
		subscriptionHandler: subscriptionHandler,
		webhookHandler:      webhookHandler,
		jwtSecret:           jwtSecret,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Gateway-facing: authenticated by signature, not by bearer token.
	s.echo.POST("/webhook", s.webhookHandler.HandleWebhook, echomw.BodyLimit("1M"))

	api := s.echo.Group("/api")
	api.GET("/health", s.webhookHandler.Health)

	v1 := api.Group("/v1", middleware.Auth(s.jwtSecret))

	// -------- payments --------
	v1.POST("/payments", s.paymentHandler.CreatePayment)
	v1.POST("/payments/:id/confirm", s.paymentHandler.ConfirmPayment)
	v1.GET("/payments/:id", s.paymentHandler.GetPayment)

	// -------- payment methods --------
	v1.GET("/payment-methods", s.paymentHandler.ListPaymentMethods)
	v1.POST("/payment-methods", s.paymentHandler.AddPaymentMethod)
	v1.DELETE("/payment-methods/:id", s.paymentHandler.RemovePaymentMethod)

	// -------- subscriptions --------
	v1.POST("/subscriptions", s.subscriptionHandler.CreateSubscription)
	v1.GET("/subscriptions/:id", s.subscriptionHandler.GetSubscription)
	v1.POST("/subscriptions/:id/change-plan", s.subscriptionHandler.ChangePlan)
	v1.POST("/subscriptions/:id/cancel", s.subscriptionHandler.CancelSubscription)
}

func (s *Server) Start(address string) error {
	return s.echo.Start(address)
}

func (s *Server) Shutdown() error {
	return s.echo.Close()
}
