package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"testing"

	"signup-site-go/internal/client"
	"signup-site-go/internal/config"
	"signup-site-go/internal/mail"
	"signup-site-go/internal/model"
)

type submission struct {
	form   string
	fields url.Values
	hsCtx  *client.FormContext
}

type fakeCRM struct {
	err         error
	submissions []submission
}

func (f *fakeCRM) SubmitForm(_ context.Context, form string, fields url.Values, hsCtx *client.FormContext) error {
	f.submissions = append(f.submissions, submission{form, fields, hsCtx})
	return f.err
}

type fakeLicenses struct {
	customers map[string]*model.Customer // by email and by id
	getErr    error
	createErr error

	trial       *model.Trial
	trialErr    error
	createdTrial *model.NewTrial
	createTrErr error

	byKey     map[string]*model.Trial
	keyErr    error
	verifyErr error
	verified  []string

	licenses   []model.License
	licenseErr error
}

func (f *fakeLicenses) GetCustomer(_ context.Context, emailOrID string) (*model.Customer, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.customers[emailOrID], nil
}

func (f *fakeLicenses) CreateCustomer(_ context.Context, nc model.NewCustomer) (*model.Customer, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &model.Customer{ID: "new-1", Email: nc.Email, Name: nc.Name, Phone: nc.Phone}, nil
}

func (f *fakeLicenses) GetTrialByEmail(context.Context, string, string) (*model.Trial, error) {
	if f.trialErr != nil {
		return nil, f.trialErr
	}
	return f.trial, nil
}

func (f *fakeLicenses) CreateTrial(_ context.Context, nt model.NewTrial) (*model.Trial, error) {
	f.createdTrial = &nt
	if f.createTrErr != nil {
		return nil, f.createTrErr
	}
	return &model.Trial{ID: "t-new", CustomerID: nt.CustomerID, VerificationKey: "fresh-key"}, nil
}

func (f *fakeLicenses) GetTrialByKey(_ context.Context, key string) (*model.Trial, error) {
	if f.keyErr != nil {
		return nil, f.keyErr
	}
	t, ok := f.byKey[key]
	if !ok {
		return nil, client.ErrNotFound
	}
	return t, nil
}

func (f *fakeLicenses) VerifyTrial(_ context.Context, id string) (*model.Trial, error) {
	f.verified = append(f.verified, id)
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	return &model.Trial{ID: id, CustomerID: "42", Verified: true}, nil
}

func (f *fakeLicenses) GetLicenses(context.Context, string, string) ([]model.License, error) {
	return f.licenses, f.licenseErr
}

type fakeMailer struct {
	err  error
	sent []mail.Message
}

func (f *fakeMailer) Send(_ context.Context, msg mail.Message) error {
	f.sent = append(f.sent, msg)
	return f.err
}

var ada = &model.Customer{ID: "42", Email: "ada@example.com", Name: "Ada L"}

func testConfig() *config.Config {
	return &config.Config{
		Site:    config.SiteConfig{Host: "www.example.com", EmailFrom: "support@example.com"},
		Hubspot: config.HubspotConfig{SignupForm: "signup-guid", ContactMeForm: "contact-guid", AgreedULAForm: "ula-guid"},
		License: config.LicenseConfig{ProductID: "prod-1", TrialLength: 30, TrialSeats: 50},
	}
}

func newTestService(crm *fakeCRM, lic *fakeLicenses, m *fakeMailer) *SignupService {
	return NewSignupService(testConfig(), crm, lic, m, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	var se *SignupError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *SignupError %s", err, code)
	}
	if se.Code != code {
		t.Errorf("code = %q, want %q (%v)", se.Code, code, err)
	}
}

func TestRegister(t *testing.T) {
	lead := model.Lead{FirstName: "Ada", LastName: "L", Email: "ada@example.com", Phone: "555", NumEmployees: "10"}

	t.Run("existing customer", func(t *testing.T) {
		crm := &fakeCRM{}
		svc := newTestService(crm, &fakeLicenses{customers: map[string]*model.Customer{"ada@example.com": ada}}, &fakeMailer{})

		cust, err := svc.Register(context.Background(), lead)
		if err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		if cust.ID != "42" {
			t.Errorf("customer id = %q, want %q", cust.ID, "42")
		}
		if len(crm.submissions) != 1 {
			t.Fatalf("submissions = %d, want 1", len(crm.submissions))
		}
		sub := crm.submissions[0]
		if sub.form != "signup-guid" {
			t.Errorf("form = %q, want %q", sub.form, "signup-guid")
		}
		if sub.fields.Get("numemployees") != "10" {
			t.Errorf("numemployees = %q, want %q", sub.fields.Get("numemployees"), "10")
		}
		if sub.hsCtx == nil || sub.hsCtx.PageName != "enterprise-signup" {
			t.Errorf("hs_context = %+v", sub.hsCtx)
		}
	})

	t.Run("new customer", func(t *testing.T) {
		svc := newTestService(&fakeCRM{}, &fakeLicenses{}, &fakeMailer{})
		cust, err := svc.Register(context.Background(), lead)
		if err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		if cust.Name != "Ada L" {
			t.Errorf("name = %q, want %q", cust.Name, "Ada L")
		}
	})

	tests := []struct {
		name string
		crm  *fakeCRM
		lic  *fakeLicenses
		code string
	}{
		{"crm down", &fakeCRM{err: client.ErrUnexpectedStatus}, &fakeLicenses{}, "1001"},
		{"lookup fails", &fakeCRM{}, &fakeLicenses{getErr: errors.New("boom")}, "1003"},
		{"create fails", &fakeCRM{}, &fakeLicenses{createErr: errors.New("boom")}, "1002"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestService(tt.crm, tt.lic, &fakeMailer{}).Register(context.Background(), lead)
			wantCode(t, err, tt.code)
		})
	}
}

func TestContactMe(t *testing.T) {
	crm := &fakeCRM{}
	if err := newTestService(crm, &fakeLicenses{}, &fakeMailer{}).ContactMe(context.Background(), "ada@example.com"); err != nil {
		t.Fatalf("ContactMe() error = %v", err)
	}
	if crm.submissions[0].form != "contact-guid" {
		t.Errorf("form = %q, want %q", crm.submissions[0].form, "contact-guid")
	}

	err := newTestService(&fakeCRM{err: errors.New("down")}, &fakeLicenses{}, &fakeMailer{}).ContactMe(context.Background(), "x")
	wantCode(t, err, "2004")
}

func TestAgreeToLicense(t *testing.T) {
	known := map[string]*model.Customer{"ada@example.com": ada}

	t.Run("creates trial and mails link", func(t *testing.T) {
		lic := &fakeLicenses{customers: known, trialErr: client.ErrNotFound}
		m := &fakeMailer{}
		if err := newTestService(&fakeCRM{}, lic, m).AgreeToLicense(context.Background(), "ada@example.com", "42"); err != nil {
			t.Fatalf("AgreeToLicense() error = %v", err)
		}
		if lic.createdTrial == nil || lic.createdTrial.Seats != 50 || lic.createdTrial.ProductID != "prod-1" {
			t.Errorf("created trial = %+v", lic.createdTrial)
		}
		if len(m.sent) != 1 || !strings.Contains(m.sent[0].Text, "enterprise-verify?v=fresh-key") {
			t.Errorf("verification mail not sent with the new key: %+v", m.sent)
		}
	})

	t.Run("reuses existing trial", func(t *testing.T) {
		lic := &fakeLicenses{customers: known, trial: &model.Trial{ID: "t1", VerificationKey: "old-key"}}
		m := &fakeMailer{}
		if err := newTestService(&fakeCRM{}, lic, m).AgreeToLicense(context.Background(), "ada@example.com", "42"); err != nil {
			t.Fatalf("AgreeToLicense() error = %v", err)
		}
		if lic.createdTrial != nil {
			t.Error("a second trial was created")
		}
		if len(m.sent) != 1 || !strings.Contains(m.sent[0].Text, "v=old-key") {
			t.Errorf("verification mail should resend the existing key")
		}
	})

	tests := []struct {
		name       string
		crm        *fakeCRM
		lic        *fakeLicenses
		mailer     *fakeMailer
		customerID string
		code       string
	}{
		{"crm down", &fakeCRM{err: errors.New("x")}, &fakeLicenses{}, &fakeMailer{}, "42", "2005"},
		{"lookup fails", &fakeCRM{}, &fakeLicenses{getErr: errors.New("x")}, &fakeMailer{}, "42", "2001"},
		{"customer mismatch", &fakeCRM{}, &fakeLicenses{customers: known}, &fakeMailer{}, "41", "2002"},
		{"customer missing", &fakeCRM{}, &fakeLicenses{}, &fakeMailer{}, "42", "2003"},
		{"trial create fails", &fakeCRM{}, &fakeLicenses{customers: known, trialErr: client.ErrNotFound, createTrErr: errors.New("x")}, &fakeMailer{}, "42", "3001"},
		{"trial lookup fails", &fakeCRM{}, &fakeLicenses{customers: known, trialErr: client.ErrUnexpectedStatus}, &fakeMailer{}, "42", "3003"},
		{"mail fails", &fakeCRM{}, &fakeLicenses{customers: known, trial: &model.Trial{ID: "t1"}}, &fakeMailer{err: errors.New("smtp")}, "42", "7001"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := newTestService(tt.crm, tt.lic, tt.mailer).AgreeToLicense(context.Background(), "ada@example.com", tt.customerID)
			wantCode(t, err, tt.code)
		})
	}
}

func TestVerify(t *testing.T) {
	known := map[string]*model.Customer{"42": ada}
	oneLicense := []model.License{{LicenseKey: "LIC-1"}}

	t.Run("verifies and mails license", func(t *testing.T) {
		lic := &fakeLicenses{
			customers: known,
			byKey:     map[string]*model.Trial{"k1": {ID: "t1", CustomerID: "42"}},
			licenses:  oneLicense,
		}
		m := &fakeMailer{}
		done, err := newTestService(&fakeCRM{}, lic, m).Verify(context.Background(), "k1")
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if len(lic.verified) != 1 || lic.verified[0] != "t1" {
			t.Errorf("verified = %v, want [t1]", lic.verified)
		}
		if done.LicenseKey != "LIC-1" || done.Email != "ada@example.com" {
			t.Errorf("completion = %+v", done)
		}
		if len(m.sent) != 1 || m.sent[0].Subject != "npm Enterprise: trial license key and instructions" {
			t.Errorf("license mail not sent: %+v", m.sent)
		}
	})

	t.Run("already verified", func(t *testing.T) {
		lic := &fakeLicenses{
			customers: known,
			byKey:     map[string]*model.Trial{"k1": {ID: "t1", CustomerID: "42", Verified: true}},
			licenses:  oneLicense,
		}
		if _, err := newTestService(&fakeCRM{}, lic, &fakeMailer{}).Verify(context.Background(), "k1"); err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if len(lic.verified) != 0 {
			t.Errorf("verified trial was verified again: %v", lic.verified)
		}
	})

	unverified := map[string]*model.Trial{"k1": {ID: "t1", CustomerID: "42"}}
	tests := []struct {
		name   string
		key    string
		lic    *fakeLicenses
		mailer *fakeMailer
		code   string
	}{
		{"missing key", "", &fakeLicenses{}, &fakeMailer{}, "4001"},
		{"unknown key", "nope", &fakeLicenses{}, &fakeMailer{}, "5002"},
		{"trial api down", "k1", &fakeLicenses{keyErr: client.ErrUnexpectedStatus}, &fakeMailer{}, "5003"},
		{"verification fails", "k1", &fakeLicenses{byKey: unverified, verifyErr: errors.New("x")}, &fakeMailer{}, "5001"},
		{"no licenses", "k1", &fakeLicenses{customers: known, byKey: unverified}, &fakeMailer{}, "6001"},
		{"two licenses", "k1", &fakeLicenses{customers: known, byKey: unverified, licenses: append(oneLicense, model.License{})}, &fakeMailer{}, "6001"},
		{"customer gone", "k1", &fakeLicenses{byKey: unverified, licenses: oneLicense}, &fakeMailer{}, "6001"},
		{"mail fails", "k1", &fakeLicenses{customers: known, byKey: unverified, licenses: oneLicense}, &fakeMailer{err: errors.New("smtp")}, "6002"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestService(&fakeCRM{}, tt.lic, tt.mailer).Verify(context.Background(), tt.key)
			wantCode(t, err, tt.code)
		})
	}
}

func TestSignupError_Unwrap(t *testing.T) {
	err := fail("5002", titleVerifyTrial, "Your verification key was not found", client.ErrNotFound)
	if !errors.Is(err, client.ErrNotFound) {
		t.Error("SignupError should unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "5002") {
		t.Errorf("Error() = %q, want it to include the code", err.Error())
	}
}
