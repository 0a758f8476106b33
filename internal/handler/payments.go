package handler

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/tidwall/gjson"

	"signup-site-go/internal/client"
	"signup-site-go/internal/config"
	"signup-site-go/internal/dispatch"
)

// paymentMaxLen bounds the token body posted by the checkout page.
const paymentMaxLen = 255

type paymentsPage struct {
	Title     string
	StripeKey string
}

// PaymentsHandler sells the starter license through Stripe.
type PaymentsHandler struct {
	stripe    *client.StripeClient
	plan      string
	publicKey string
	logger    *slog.Logger
}

// NewPaymentsHandler creates a PaymentsHandler.
func NewPaymentsHandler(cfg *config.Config, sc *client.StripeClient, logger *slog.Logger) *PaymentsHandler {
	return &PaymentsHandler{
		stripe:    sc,
		plan:      cfg.Stripe.Plan,
		publicKey: cfg.Stripe.PublicKey,
		logger:    logger.With("component", "payments_handler"),
	}
}

// Handle renders the checkout page on GET and subscribes the posted card
// token on POST.
func (h *PaymentsHandler) Handle(c echo.Context) (dispatch.Plan, error) {
	switch c.Request().Method {
	case http.MethodGet, http.MethodHead:
		return dispatch.Plan{}, c.Render(http.StatusOK, "payments.html", paymentsPage{
			Title:     "Get the npm Enterprise Starter License",
			StripeKey: h.publicKey,
		})
	case http.MethodPost:
		return dispatch.Plan{MaxLen: paymentMaxLen, Body: dispatch.Raw(h.subscribe)}, nil
	default:
		return dispatch.Plan{}, echo.NewHTTPError(http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// subscribe reads the checkout token ({"id": ..., "email": ...}).
func (h *PaymentsHandler) subscribe(c echo.Context, body string) error {
	if !gjson.Valid(body) {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed payment token")
	}
	token := gjson.Parse(body)
	card := token.Get("id").String()
	if card == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "payment token has no id")
	}
	email := token.Get("email").String()

	id, err := h.stripe.CreateCustomer(c.Request().Context(), card, h.plan, email+" npm Enterprise Starter License")
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "payment failed").SetInternal(err)
	}

	h.logger.Info("starter license purchased", "stripe_customer", id)
	return c.String(http.StatusOK, "OK")
}
