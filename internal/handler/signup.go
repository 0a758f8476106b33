package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"signup-site-go/internal/client"
	"signup-site-go/internal/dispatch"
	"signup-site-go/internal/keys"
	"signup-site-go/internal/model"
	"signup-site-go/internal/service"
	"signup-site-go/internal/site"
)

// formMaxLen bounds the signup and contact-me form bodies.
const formMaxLen = 1 << 20

type titlePage struct {
	Title string
}

type errorPage struct {
	Title        string
	ErrorMessage string
	ErrorCode    string
}

type agreementPage struct {
	Title         string
	CustomerID    string
	CustomerEmail string
	Token         string
}

type completePage struct {
	Title string
	model.Completion
}

// SignupHandler serves the enterprise landing page and the signup steps.
type SignupHandler struct {
	svc    *service.SignupService
	signer *keys.Signer
	logger *slog.Logger
}

// NewSignupHandler creates a SignupHandler.
func NewSignupHandler(svc *service.SignupService, signer *keys.Signer, logger *slog.Logger) *SignupHandler {
	return &SignupHandler{
		svc:    svc,
		signer: signer,
		logger: logger.With("component", "signup_handler"),
	}
}

// Landing renders the enterprise landing page.
func (h *SignupHandler) Landing(c echo.Context) (dispatch.Plan, error) {
	return dispatch.Plan{}, c.Render(http.StatusOK, "enterprise.html", titlePage{
		Title: "npm Enterprise: on-premises private npm registry",
	})
}

// Step1 takes the signup form, records the lead and shows the license
// agreement.
func (h *SignupHandler) Step1(c echo.Context) (dispatch.Plan, error) {
	if c.Request().Method != http.MethodPost {
		return dispatch.Plan{}, echo.ErrMethodNotAllowed
	}
	return dispatch.Plan{MaxLen: formMaxLen, Body: dispatch.Form(h.register)}, nil
}

func (h *SignupHandler) register(c echo.Context, form url.Values) error {
	employees := form.Get("numemployees")
	if employees == "" {
		// Older copies of the form misspell the field.
		employees = form.Get("numeployees")
	}
	lead := model.Lead{
		FirstName:    form.Get("firstname"),
		LastName:     form.Get("lastname"),
		Email:        form.Get("email"),
		Phone:        form.Get("phone"),
		Company:      form.Get("company"),
		NumEmployees: employees,
		Comments:     form.Get("comments"),
	}

	cust, err := h.svc.Register(c.Request().Context(), lead)
	if err != nil {
		return h.fail(c, err)
	}

	// The page carries both id and email, signed, so an id cannot be guessed.
	token, err := h.signer.Sign(cust.ID, cust.Email)
	if err != nil {
		return err
	}
	return c.Render(http.StatusOK, "enterprise-signup-2.html", agreementPage{
		Title:         "Terms and Conditions",
		CustomerID:    cust.ID,
		CustomerEmail: cust.Email,
		Token:         token,
	})
}

// ContactMe records that the visitor wants sales to reach out rather than
// accept the agreement.
func (h *SignupHandler) ContactMe(c echo.Context) (dispatch.Plan, error) {
	if c.Request().Method != http.MethodPost {
		return dispatch.Plan{}, echo.ErrMethodNotAllowed
	}
	return dispatch.Plan{MaxLen: formMaxLen, Body: dispatch.Form(func(c echo.Context, form url.Values) error {
		if err := h.svc.ContactMe(c.Request().Context(), form.Get("contact_customer_email")); err != nil {
			return h.fail(c, err)
		}
		return c.Render(http.StatusOK, "enterprise-contact-me.html", titlePage{Title: "We will contact you shortly"})
	})}, nil
}

// Step2 accepts the license agreement, starts the trial and mails the
// verification link.
func (h *SignupHandler) Step2(c echo.Context) (dispatch.Plan, error) {
	if c.Request().Method != http.MethodPost {
		return dispatch.Plan{}, echo.ErrMethodNotAllowed
	}
	return dispatch.Plan{Body: dispatch.Form(h.agree)}, nil
}

func (h *SignupHandler) agree(c echo.Context, form url.Values) error {
	claims, err := h.signer.Verify(form.Get("token"))
	if err == nil && (claims.CustomerID != form.Get("customer_id") || claims.Email != form.Get("customer_email")) {
		err = keys.ErrInvalidToken
	}
	if err != nil {
		return h.fail(c, &service.SignupError{
			Code:    "2002",
			Title:   "Problem with signup",
			Message: "Unable to verify your customer record",
			Err:     err,
		})
	}

	if err := h.svc.AgreeToLicense(c.Request().Context(), claims.Email, claims.CustomerID); err != nil {
		return h.fail(c, err)
	}
	// Redirect so a refresh does not resubmit the agreement.
	return c.Redirect(http.StatusFound, "/enterprise-signup-3")
}

// Step3 tells the customer to check their email.
func (h *SignupHandler) Step3(c echo.Context) (dispatch.Plan, error) {
	return dispatch.Plan{}, c.Render(http.StatusOK, "enterprise-signup-3.html", titlePage{
		Title: "Thanks for signing up for npm Enterprise!",
	})
}

// Verify handles the link from the verification email.
func (h *SignupHandler) Verify(c echo.Context) (dispatch.Plan, error) {
	done, err := h.svc.Verify(c.Request().Context(), c.QueryParam("v"))
	if err != nil {
		return dispatch.Plan{}, h.fail(c, err)
	}
	return dispatch.Plan{}, c.Render(http.StatusOK, "enterprise-complete.html", completePage{
		Title:      "Signup complete!",
		Completion: *done,
	})
}

// fail renders a business failure on the error page. Anything else goes to
// the central error handler.
func (h *SignupHandler) fail(c echo.Context, err error) error {
	var se *service.SignupError
	if !errors.As(err, &se) {
		return err
	}

	logger := site.Logger(c)
	if se.Err != nil {
		logger.Warn("signup step failed", "code", se.Code, "err", client.Sanitize(se.Err))
	} else {
		logger.Warn("signup step failed", "code", se.Code)
	}

	return c.Render(http.StatusOK, "enterprise-error.html", errorPage{
		Title:        se.Title,
		ErrorMessage: se.Message,
		ErrorCode:    se.Code,
	})
}
