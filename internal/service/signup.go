// Package service implements the enterprise signup flow: CRM lead capture,
// customer and trial records, and the verification and license emails.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"signup-site-go/internal/client"
	"signup-site-go/internal/config"
	"signup-site-go/internal/mail"
	"signup-site-go/internal/model"
)

// CRM submits lead forms.
type CRM interface {
	SubmitForm(ctx context.Context, formGUID string, fields url.Values, hsCtx *client.FormContext) error
}

// Licenses is the license API.
type Licenses interface {
	GetCustomer(ctx context.Context, emailOrID string) (*model.Customer, error)
	CreateCustomer(ctx context.Context, nc model.NewCustomer) (*model.Customer, error)
	GetTrialByEmail(ctx context.Context, productID, email string) (*model.Trial, error)
	CreateTrial(ctx context.Context, nt model.NewTrial) (*model.Trial, error)
	GetTrialByKey(ctx context.Context, key string) (*model.Trial, error)
	VerifyTrial(ctx context.Context, trialID string) (*model.Trial, error)
	GetLicenses(ctx context.Context, productID, customerID string) ([]model.License, error)
}

const (
	titleSignup       = "Problem with signup"
	titleVerifyEmail  = "Error verifying email"
	titleVerification = "Problem with verification"
	titleVerifyTrial  = "Problem verifying trial"
	titleShowLicense  = "Problem displaying license"
	titleSendLicense  = "Problem sending license"
)

// SignupError is a business failure shown to the customer on the error page.
type SignupError struct {
	Code    string
	Title   string
	Message string
	Err     error
}

func (e *SignupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("signup %s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("signup %s: %s", e.Code, e.Message)
}

func (e *SignupError) Unwrap() error { return e.Err }

func fail(code, title, msg string, err error) *SignupError {
	return &SignupError{Code: code, Title: title, Message: msg, Err: err}
}

// ErrMissingKey is reported when the verification link has no key.
var ErrMissingKey = fail("4001", titleVerifyEmail,
	"We could not find your verification key. Try cutting and pasting the URL from the email instead.", nil)

// SignupService runs the signup steps against the CRM, license API and mailer.
type SignupService struct {
	crm      CRM
	licenses Licenses
	mailer   mail.Mailer
	cfg      *config.Config
	logger   *slog.Logger
}

// NewSignupService creates a SignupService.
func NewSignupService(cfg *config.Config, crm CRM, licenses Licenses, mailer mail.Mailer, logger *slog.Logger) *SignupService {
	return &SignupService{
		crm:      crm,
		licenses: licenses,
		mailer:   mailer,
		cfg:      cfg,
		logger:   logger.With("component", "signup_service"),
	}
}

// Register records the lead with the CRM and returns the matching customer,
// creating one when the email is new.
func (s *SignupService) Register(ctx context.Context, lead model.Lead) (*model.Customer, error) {
	fields := url.Values{
		"comments":     {lead.Comments},
		"firstname":    {lead.FirstName},
		"lastname":     {lead.LastName},
		"email":        {lead.Email},
		"phone":        {lead.Phone},
		"company":      {lead.Company},
		"numemployees": {lead.NumEmployees},
	}
	if err := s.crm.SubmitForm(ctx, s.cfg.Hubspot.SignupForm, fields, &client.FormContext{PageName: "enterprise-signup"}); err != nil {
		return nil, fail("1001", titleSignup, "Could not register your details", err)
	}

	cust, err := s.licenses.GetCustomer(ctx, lead.Email)
	if err != nil {
		return nil, fail("1003", titleSignup, "There was an unknown problem with your customer record", err)
	}
	if cust != nil {
		return cust, nil
	}

	cust, err = s.licenses.CreateCustomer(ctx, model.NewCustomer{
		Email: lead.Email,
		Name:  lead.FullName(),
		Phone: lead.Phone,
	})
	if err != nil {
		return nil, fail("1002", titleSignup, "There was a problem creating your customer record", err)
	}
	s.logger.Info("customer created", "customer_id", cust.ID)
	return cust, nil
}

// ContactMe asks the CRM to have sales reach out instead of starting a trial.
func (s *SignupService) ContactMe(ctx context.Context, email string) error {
	fields := url.Values{"email": {email}}
	if err := s.crm.SubmitForm(ctx, s.cfg.Hubspot.ContactMeForm, fields, nil); err != nil {
		return fail("2004", titleSignup, "Could not register you to be contacted. Contact support.", err)
	}
	return nil
}

// AgreeToLicense records acceptance of the license agreement, makes sure the
// customer has a trial and mails its verification link.
func (s *SignupService) AgreeToLicense(ctx context.Context, email, customerID string) error {
	fields := url.Values{"email": {email}}
	if err := s.crm.SubmitForm(ctx, s.cfg.Hubspot.AgreedULAForm, fields, nil); err != nil {
		return fail("2005", titleSignup, "Could not register your agreement to the license", err)
	}

	cust, err := s.licenses.GetCustomer(ctx, email)
	if err != nil {
		return fail("2001", titleSignup, "There was an unknown problem with your customer record", err)
	}
	if cust == nil {
		return fail("2003", titleSignup, "Unable to locate your customer record", nil)
	}
	if cust.ID != customerID {
		return fail("2002", titleSignup, "Unable to verify your customer record", nil)
	}

	trial, err := s.trialFor(ctx, cust)
	if err != nil {
		return err
	}

	msg := mail.VerificationMessage(s.cfg.Site.EmailFrom, s.cfg.Site.Host, *cust, *trial)
	if err := s.mailer.Send(ctx, msg); err != nil {
		return fail("7001", titleSignup, "We were unable to send your verification email.", err)
	}
	return nil
}

// trialFor returns the customer's existing trial or starts one. A customer
// gets one trial per product.
func (s *SignupService) trialFor(ctx context.Context, cust *model.Customer) (*model.Trial, error) {
	productID := s.cfg.License.ProductID

	trial, err := s.licenses.GetTrialByEmail(ctx, productID, cust.Email)
	switch {
	case err == nil:
		return trial, nil
	case errors.Is(err, client.ErrNotFound):
	default:
		return nil, fail("3003", titleSignup, "There was an unknown problem with your trial", err)
	}

	trial, err = s.licenses.CreateTrial(ctx, model.NewTrial{
		CustomerID: cust.ID,
		ProductID:  productID,
		Length:     s.cfg.License.TrialLength,
		Seats:      s.cfg.License.TrialSeats,
	})
	if err != nil {
		return nil, fail("3001", titleSignup, "There was a problem creating your trial", err)
	}
	s.logger.Info("trial created", "customer_id", cust.ID, "trial_id", trial.ID)
	return trial, nil
}

// Verify confirms the trial a verification key belongs to, then mails the
// customer their license.
func (s *SignupService) Verify(ctx context.Context, key string) (*model.Completion, error) {
	if key == "" {
		return nil, ErrMissingKey
	}

	trial, err := s.licenses.GetTrialByKey(ctx, key)
	switch {
	case errors.Is(err, client.ErrNotFound):
		return nil, fail("5002", titleVerifyTrial, "Your verification key was not found", err)
	case err != nil:
		return nil, fail("5003", titleVerifyTrial, "There was an unknown problem with your trial", err)
	}

	if !trial.Verified {
		trial, err = s.licenses.VerifyTrial(ctx, trial.ID)
		if err != nil {
			return nil, fail("5001", titleVerification, "There was a problem starting your trial", err)
		}
	}

	return s.sendLicense(ctx, trial)
}

func (s *SignupService) sendLicense(ctx context.Context, trial *model.Trial) (*model.Completion, error) {
	const unknown = "There was an unknown problem with your trial license"

	cust, err := s.licenses.GetCustomer(ctx, trial.CustomerID)
	if err != nil {
		return nil, fail("6001", titleShowLicense, unknown, err)
	}
	if cust == nil {
		return nil, fail("6001", titleShowLicense, unknown, fmt.Errorf("customer %s: %w", trial.CustomerID, client.ErrNotFound))
	}

	licenses, err := s.licenses.GetLicenses(ctx, s.cfg.License.ProductID, trial.CustomerID)
	if err != nil {
		return nil, fail("6001", titleShowLicense, unknown, err)
	}
	// Zero licenses is broken; more than one is ambiguous.
	if len(licenses) != 1 {
		return nil, fail("6001", titleShowLicense, unknown, fmt.Errorf("customer has %d licenses", len(licenses)))
	}
	license := licenses[0]

	from := s.cfg.Site.EmailFrom
	if err := s.mailer.Send(ctx, mail.LicenseMessage(from, *cust, license)); err != nil {
		return nil, fail("6002", titleSendLicense, "We were unable to send the email containing your license.", err)
	}

	return &model.Completion{
		Email:           cust.Email,
		LicenseKey:      license.LicenseKey,
		RequirementsURL: mail.RequirementsURL,
		InstructionsURL: mail.InstructionsURL,
		SupportEmail:    from,
	}, nil
}
