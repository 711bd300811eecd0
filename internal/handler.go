package forms

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jordan-wright/email"

	"github.com/Momo-444/toitureai-forms/internal/address"
	"github.com/Momo-444/toitureai-forms/internal/fingerprint"
	"github.com/Momo-444/toitureai-forms/internal/ratelimit"
	"github.com/Momo-444/toitureai-forms/internal/stats"
	"github.com/Momo-444/toitureai-forms/internal/webhook"
	"github.com/Momo-444/toitureai-forms/internal/widget"
)

// ContactRequest is the form payload (JSON or form-encoded). Website is the
// honeypot field; Fingerprint is the client-derived rate-limit identifier;
// Token is the opaque verification-widget token, forwarded verbatim.
type ContactRequest struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	Address     string `json:"address"`
	City        string `json:"city"`
	PostalCode  string `json:"postalCode"`
	Message     string `json:"message"`
	Website     string `json:"website,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Token       string `json:"token,omitempty"`
}

// Gateway holds every collaborator the contact endpoints need. It replaces
// the package-level config/limiter globals so independent instances (and
// tests) do not share state.
type Gateway struct {
	cfg      *Config
	limiter  *ratelimit.Limiter
	stats    stats.Store
	widgets  map[string]*widget.Loader
	address  *address.Client
	webhooks map[string]*webhook.Client

	sendEmail func(*SmtpCfg, *email.Email) error
}

type GatewayOption func(*Gateway)

// WithLimiter replaces the fixed-window limiter (tests inject a clock).
func WithLimiter(l *ratelimit.Limiter) GatewayOption {
	return func(g *Gateway) { g.limiter = l }
}

// WithStats replaces the decision-stats store.
func WithStats(s stats.Store) GatewayOption {
	return func(g *Gateway) { g.stats = s }
}

// WithWidgetFetcher replaces the widget-script fetcher for every site.
func WithWidgetFetcher(f widget.Fetcher) GatewayOption {
	return func(g *Gateway) {
		for _, cs := range g.cfg.Sites {
			if cs.WidgetEnabled() {
				g.widgets[cs.Key] = widget.NewLoader(cs.TurnstileSiteKey, g.cfg.WidgetScriptURL, f,
					widget.WithTheme(g.cfg.WidgetTheme), widget.WithLogger(fallbackLogger))
			}
		}
	}
}

// WithAddressClient replaces the autocomplete client.
func WithAddressClient(c *address.Client) GatewayOption {
	return func(g *Gateway) { g.address = c }
}

// WithWebhookClient replaces one site's webhook client.
func WithWebhookClient(siteKey string, c *webhook.Client) GatewayOption {
	return func(g *Gateway) { g.webhooks[siteKey] = c }
}

// WithEmailSender replaces the SMTP fallback transport.
func WithEmailSender(send func(*SmtpCfg, *email.Email) error) GatewayOption {
	return func(g *Gateway) { g.sendEmail = send }
}

func NewGateway(cfg *Config, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		cfg:       cfg,
		limiter:   ratelimit.New(cfg.RateLimitMax, cfg.RateLimitWindow),
		stats:     stats.NewMemoryStore(),
		widgets:   map[string]*widget.Loader{},
		webhooks:  map[string]*webhook.Client{},
		address:   address.NewClient(cfg.GeocodeBaseURL, cfg.GeocodeAPIKey, cfg.GeocodeRPS),
		sendEmail: sendSMTP,
	}
	for _, cs := range cfg.Sites {
		if cs.WidgetEnabled() {
			g.widgets[cs.Key] = widget.NewLoader(cs.TurnstileSiteKey, cfg.WidgetScriptURL, nil,
				widget.WithTheme(cfg.WidgetTheme), widget.WithLogger(fallbackLogger))
		}
		wh := webhook.NewClient(cs.WebhookURL, cs.WebhookSecret)
		wh.Source = cfg.SubmissionSource
		g.webhooks[cs.Key] = wh
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Routes mounts the public surface.
func (g *Gateway) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", g.HandleHealth)
	r.Route("/v1/contact/{siteKey}", func(r chi.Router) {
		r.Options("/", g.HandlePreflight)
		r.Post("/", g.HandleContact)
		r.Get("/widget.js", g.HandleWidgetScript)
		r.Get("/address", g.HandleAddress)
	})
	return r
}

func (g *Gateway) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (g *Gateway) HandlePreflight(w http.ResponseWriter, r *http.Request) {
	if cs := g.site(r); cs != nil {
		g.applyCORS(w, r, cs)
	}
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Signature, "+fingerprint.Header)
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) HandleContact(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := LoggerFromContext(ctx)

	cs := g.site(r)
	if cs == nil {
		http.Error(w, "unknown site", http.StatusNotFound)
		return
	}
	logger = logger.With("site", cs.Key)

	if !g.applyCORS(w, r, cs) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	// Read body once for HMAC (and to enforce max size), then re-wrap for decode
	maxBytes := g.cfg.MaxBodyKB * 1024
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(maxBytes)+1))
	r.Body.Close()
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	if len(body) > maxBytes {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	// Optional shared-secret HMAC
	if cs.Secret != "" {
		sig := r.Header.Get("X-Signature") // hex(HMAC-SHA256(body, secret))
		if !verifyHMAC(body, cs.Secret, sig) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	// Recreate Body for decoding
	r.Body = io.NopCloser(strings.NewReader(string(body)))

	ct := r.Header.Get("Content-Type")
	var p ContactRequest

	switch {
	case strings.HasPrefix(ct, "application/json") && g.cfg.AllowJSON:
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
	case g.cfg.AllowForm:
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		p.Name = r.Form.Get("name")
		p.Email = r.Form.Get("email")
		p.Phone = r.Form.Get("phone")
		p.Address = r.Form.Get("address")
		p.City = r.Form.Get("city")
		p.PostalCode = r.Form.Get("postalCode")
		p.Message = r.Form.Get("message")
		p.Website = r.Form.Get("website")
		p.Fingerprint = r.Form.Get("fingerprint")
		p.Token = r.Form.Get("token")
	default:
		http.Error(w, "unsupported content type", http.StatusUnsupportedMediaType)
		return
	}

	identifier := g.identifier(r, cs, p)

	if d := g.limiter.Check(identifier); !d.Allowed {
		g.record(ctx, logger, cs, identifier, stats.OutcomeRateLimited)
		writeFault(w, rateLimitedFault(d.RetryAfterSeconds))
		return
	}

	// Honeypot & validation
	if p.Website != "" || p.Name == "" || !emailRegex.MatchString(p.Email) || strings.TrimSpace(p.Message) == "" {
		g.record(ctx, logger, cs, identifier, stats.OutcomeRejected)
		http.Error(w, "invalid submission", http.StatusBadRequest)
		return
	}

	// The token is opaque and forwarded verbatim; the gateway only checks
	// presence when the site has the widget enabled.
	if cs.WidgetEnabled() && strings.TrimSpace(p.Token) == "" {
		g.record(ctx, logger, cs, identifier, stats.OutcomeRejected)
		writeFault(w, verificationIncompleteFault())
		return
	}

	wh := g.webhooks[cs.Key]
	if wh == nil || !wh.Configured() {
		logger.Error("webhook credentials missing")
		g.record(ctx, logger, cs, identifier, stats.OutcomeFailed)
		writeFault(w, configurationFault(cs.AltContact))
		return
	}

	sub := webhook.Submission{
		Name:       p.Name,
		Email:      p.Email,
		Phone:      p.Phone,
		Address:    p.Address,
		City:       p.City,
		PostalCode: p.PostalCode,
		Message:    p.Message,
		Token:      p.Token,
	}

	if err := wh.Send(ctx, sub); err != nil {
		logger.Error("webhook send failed", "err", err)
		if g.notifyFallback(cs, sub) {
			logger.Warn("submission delivered via fallback email", "to", cs.FallbackTo)
		} else {
			g.record(ctx, logger, cs, identifier, stats.OutcomeFailed)
			writeFault(w, submissionFailedFault(cs.AltContact))
			return
		}
	}

	g.record(ctx, logger, cs, identifier, stats.OutcomeSubmitted)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": uuid.NewString()})
}

// HandleWidgetScript serves the verification-widget script through the
// site's loader: one upstream fetch per process, cached afterwards.
func (g *Gateway) HandleWidgetScript(w http.ResponseWriter, r *http.Request) {
	logger := LoggerFromContext(r.Context())

	cs := g.site(r)
	if cs == nil {
		http.Error(w, "unknown site", http.StatusNotFound)
		return
	}
	loader := g.widgets[cs.Key]
	if loader == nil {
		http.Error(w, "widget disabled", http.StatusNotFound)
		return
	}

	script, err := loader.Script(r.Context())
	if err != nil {
		logger.Error("widget script unavailable", "site", cs.Key, "err", err)
		writeFault(w, widgetUnavailableFault())
		return
	}

	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_, _ = w.Write(script)
}

// HandleAddress proxies autocomplete so the mapping key stays server-side.
func (g *Gateway) HandleAddress(w http.ResponseWriter, r *http.Request) {
	logger := LoggerFromContext(r.Context())

	cs := g.site(r)
	if cs == nil {
		http.Error(w, "unknown site", http.StatusNotFound)
		return
	}
	g.applyCORS(w, r, cs)

	if !g.address.Enabled() {
		http.Error(w, "address autocomplete disabled", http.StatusNotFound)
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if len(query) < 3 {
		http.Error(w, "query too short", http.StatusBadRequest)
		return
	}

	suggestions, err := g.address.Complete(r.Context(), query)
	if err != nil {
		logger.Error("autocomplete failed", "site", cs.Key, "err", err)
		http.Error(w, "autocomplete unavailable", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": suggestions})
}

func (g *Gateway) site(r *http.Request) *SiteCfg {
	siteKey := chi.URLParam(r, "siteKey")
	if siteKey == "" || strings.ContainsRune(siteKey, '/') {
		return nil
	}
	return g.cfg.Sites[siteKey]
}

// identifier picks the rate-limit bucket key: a well-formed client
// fingerprint from the payload or header, otherwise site plus client IP.
func (g *Gateway) identifier(r *http.Request, cs *SiteCfg, p ContactRequest) string {
	if id := strings.TrimSpace(p.Fingerprint); id != "" && fingerprint.Valid(id) {
		return id
	}
	return fingerprint.FromRequest(r, cs.Key)
}

// applyCORS sets the allow-origin header for a matching origin (exact
// match, or "*"). Returns false when origins are configured and the
// request origin matches none of them.
func (g *Gateway) applyCORS(w http.ResponseWriter, r *http.Request, cs *SiteCfg) bool {
	if len(cs.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, ao := range cs.AllowedOrigins {
		if ao == "*" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			return true
		}
		if origin == ao {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			return true
		}
	}
	return origin == ""
}

// record is best effort; stats must never fail a request.
func (g *Gateway) record(ctx context.Context, logger *slog.Logger, cs *SiteCfg, identifier string, outcome stats.Outcome) {
	if g.stats == nil {
		return
	}
	err := g.stats.Record(ctx, stats.Event{
		Site:       cs.Key,
		Identifier: identifier,
		Outcome:    outcome,
		At:         time.Now(),
	})
	if err != nil {
		logger.Warn("stats record failed", "err", err)
	}
}

func verifyHMAC(body []byte, secret, hexSig string) bool {
	if secret == "" || hexSig == "" {
		return false
	}
	m := hmac.New(sha256.New, []byte(secret))
	m.Write(body)
	sum := m.Sum(nil)
	want := strings.ToLower(hex.EncodeToString(sum))
	have := strings.ToLower(hexSig)
	// constant-time compare
	return hmac.Equal([]byte(want), []byte(have))
}
