package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"

	"signup-site-go/internal/client"
	"signup-site-go/internal/config"
	"signup-site-go/internal/dispatch"
	"signup-site-go/internal/keys"
	"signup-site-go/internal/mail"
	"signup-site-go/internal/metrics"
	"signup-site-go/internal/model"
	"signup-site-go/internal/service"
	"signup-site-go/internal/site"
)

// fakeUpstream plays the CRM, the license API and Stripe.
type fakeUpstream struct {
	mu         sync.Mutex
	formStatus int
	forms      map[string]url.Values // by form guid
	customers  map[string]*model.Customer
	trials     map[string]*model.Trial // by verification key
	stripeCard string
}

func newFakeUpstream(t *testing.T) (*fakeUpstream, *httptest.Server) {
	t.Helper()
	f := &fakeUpstream{
		formStatus: http.StatusNoContent,
		forms:      map[string]url.Values{},
		customers:  map[string]*model.Customer{},
		trials:     map[string]*model.Trial{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /uploads/form/v2/{portal}/{guid}", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		f.mu.Lock()
		defer f.mu.Unlock()
		f.forms[r.PathValue("guid")] = r.PostForm
		w.WriteHeader(f.formStatus)
	})
	mux.HandleFunc("GET /customer/{key}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, c := range f.customers {
			if c.ID == r.PathValue("key") || c.Email == r.PathValue("key") {
				_ = json.NewEncoder(w).Encode(c)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("PUT /customer", func(w http.ResponseWriter, r *http.Request) {
		var nc model.NewCustomer
		_ = json.NewDecoder(r.Body).Decode(&nc)
		f.mu.Lock()
		defer f.mu.Unlock()
		c := &model.Customer{ID: "c-1", Email: nc.Email, Name: nc.Name, Phone: nc.Phone}
		f.customers[c.ID] = c
		_ = json.NewEncoder(w).Encode(c)
	})
	mux.HandleFunc("GET /trial/{product}/{email}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, tr := range f.trials {
			if c := f.customers[tr.CustomerID]; c != nil && c.Email == r.PathValue("email") {
				_ = json.NewEncoder(w).Encode(tr)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("PUT /trial", func(w http.ResponseWriter, r *http.Request) {
		var nt model.NewTrial
		_ = json.NewDecoder(r.Body).Decode(&nt)
		f.mu.Lock()
		defer f.mu.Unlock()
		tr := &model.Trial{ID: "t-1", CustomerID: nt.CustomerID, ProductID: nt.ProductID, VerificationKey: "vk-1"}
		f.trials[tr.VerificationKey] = tr
		_ = json.NewEncoder(w).Encode(tr)
	})
	mux.HandleFunc("GET /trial/{key}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if tr, ok := f.trials[r.PathValue("key")]; ok {
			_ = json.NewEncoder(w).Encode(tr)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("PUT /trial/{id}/verification", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, tr := range f.trials {
			if tr.ID == r.PathValue("id") {
				tr.Verified = true
				_ = json.NewEncoder(w).Encode(tr)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("GET /license/{product}/{customer}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var out []model.License
		for _, tr := range f.trials {
			if tr.Verified && tr.CustomerID == r.PathValue("customer") {
				out = append(out, model.License{LicenseKey: "LIC-1", CustomerID: tr.CustomerID})
			}
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("POST /v1/customers", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		card := r.PostForm.Get("card")
		f.mu.Lock()
		f.stripeCard = card
		f.mu.Unlock()
		if card == "tok_declined" {
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = w.Write([]byte(`{"error":{"message":"Your card was declined."}}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"cus_1"}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeUpstream) form(guid string) url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forms[guid]
}

func (f *fakeUpstream) card() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stripeCard
}

func (f *fakeUpstream) failForms(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.formStatus = status
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []mail.Message
}

func (f *fakeMailer) Send(_ context.Context, msg mail.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeMailer) messages() []mail.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mail.Message(nil), f.sent...)
}

type testSite struct {
	echo     *echo.Echo
	upstream *fakeUpstream
	mailer   *fakeMailer
	signer   *keys.Signer
}

func newTestSite(t *testing.T) *testSite {
	t.Helper()
	up, srv := newFakeUpstream(t)

	cfg := &config.Config{
		Site: config.SiteConfig{
			Host:            "www.example.com",
			EmailFrom:       "support@example.com",
			Keys:            []string{"0123456789abcdef0123456789abcdef"},
			TokenTTLMinutes: 60,
		},
		Hubspot: config.HubspotConfig{
			FormsURL:      srv.URL + "/uploads/form/v2/:portal_id/:form_guid",
			PortalID:      "419",
			SignupForm:    "signup",
			ContactMeForm: "contact",
			AgreedULAForm: "ula",
		},
		License: config.LicenseConfig{
			BaseURL:         srv.URL,
			ProductID:       "prod-1",
			TrialLength:     30,
			TrialSeats:      50,
			TimeoutSeconds:  5,
			IdleConnections: 2,
		},
		Stripe: config.StripeConfig{
			BaseURL:   srv.URL,
			SecretKey: "sk_test",
			PublicKey: "pk_test_abc",
			Plan:      "enterprise-starter-pack",
		},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	mailer := &fakeMailer{}

	upstream := client.NewUpstream(cfg, logger, m)
	svc := service.NewSignupService(cfg,
		client.NewHubspotClient(cfg, upstream, logger),
		client.NewLicenseClient(cfg, upstream, logger),
		mailer, logger)

	signer, err := keys.NewSigner(cfg)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	renderer, err := site.NewRenderer()
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}

	e := echo.New()
	e.Renderer = renderer
	e.HTTPErrorHandler = site.ErrorHandler(logger)
	d := dispatch.New(e, dispatch.Options{
		Decorate: site.Decorator(cfg, logger),
		Metrics:  m,
		Logger:   logger,
	})

	RegisterRoutes(d, cfg, m,
		NewSignupHandler(svc, signer, logger),
		NewPaymentsHandler(cfg, client.NewStripeClient(cfg, upstream, logger), logger),
		NewHealthHandler(cfg, "test"),
	)

	return &testSite{echo: e, upstream: up, mailer: mailer, signer: signer}
}

func (s *testSite) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func (s *testSite) postForm(path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	return s.do(req)
}
