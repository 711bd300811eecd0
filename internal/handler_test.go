package forms

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jordan-wright/email"

	"github.com/Momo-444/toitureai-forms/internal/ratelimit"
	"github.com/Momo-444/toitureai-forms/internal/stats"
	"github.com/Momo-444/toitureai-forms/internal/webhook"
	"github.com/Momo-444/toitureai-forms/internal/widget"
)

type capturedHook struct {
	mu     sync.Mutex
	bodies []map[string]any
	status int
}

func (c *capturedHook) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		status := c.status
		c.mu.Unlock()
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
	}
}

func (c *capturedHook) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func (c *capturedHook) last() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.bodies) == 0 {
		return nil
	}
	return c.bodies[len(c.bodies)-1]
}

type fixedFetcher struct{ script []byte }

func (f fixedFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	return f.script, nil
}

func testConfig(webhookURL string) *Config {
	return &Config{
		RateLimitMax:     3,
		RateLimitWindow:  60 * time.Second,
		AllowJSON:        true,
		AllowForm:        true,
		MaxBodyKB:        1024,
		ListenAddr:       ":0",
		SubmissionSource: "landing-contact-form",
		WidgetScriptURL:  "https://widget.test/api.js",
		WidgetTheme:      "auto",
		Sites: map[string]*SiteCfg{
			"acme": {
				Key:           "acme",
				WebhookURL:    webhookURL,
				WebhookSecret: "hook-secret",
				AltContact:    "contact@acme.example",
			},
		},
	}
}

func newTestGateway(t *testing.T, cfg *Config, opts ...GatewayOption) (*Gateway, http.Handler) {
	t.Helper()
	g := NewGateway(cfg, opts...)
	return g, g.Routes()
}

func postContact(h http.Handler, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/contact/acme", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const validBody = `{"name":"Alice","email":"alice@example.com","message":"Devis pour une toiture"}`

func TestHandleContactJSONSuccess(t *testing.T) {
	hook := &capturedHook{}
	srv := httptest.NewServer(hook.handler())
	defer srv.Close()

	cfg := testConfig(srv.URL)
	_, h := newTestGateway(t, cfg)

	rec := postContact(h, validBody, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	if hook.count() != 1 {
		t.Fatalf("expected one webhook delivery, got %d", hook.count())
	}
	body := hook.last()
	if got, want := body["name"], "Alice"; got != want {
		t.Fatalf("unexpected name: got %v want %v", got, want)
	}
	if got, want := body["source"], "landing-contact-form"; got != want {
		t.Fatalf("unexpected source: got %v want %v", got, want)
	}
	if _, ok := body["submittedAt"].(string); !ok {
		t.Fatalf("missing submittedAt in payload: %v", body)
	}
	if _, present := body["turnstileToken"]; present {
		t.Fatalf("token must be omitted when the widget is disabled: %v", body)
	}

	var resp map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if ok, _ := resp["ok"].(bool); !ok {
		t.Fatalf("expected ok=true in response, got %v", resp)
	}
	if id, _ := resp["id"].(string); id == "" {
		t.Fatalf("expected a submission id, got %v", resp)
	}
}

func TestHandleContactRateLimited(t *testing.T) {
	hook := &capturedHook{}
	srv := httptest.NewServer(hook.handler())
	defer srv.Close()

	cfg := testConfig(srv.URL)
	now := time.Unix(1700000000, 0)
	limiter := ratelimit.New(3, 60*time.Second, ratelimit.WithClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	}))
	_, h := newTestGateway(t, cfg, WithLimiter(limiter))

	for i := 0; i < 3; i++ {
		if rec := postContact(h, validBody, nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d expected 200, got %d", i+1, rec.Code)
		}
	}

	rec := postContact(h, validBody, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("fourth request expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got == "" {
		t.Fatal("missing Retry-After header")
	}
	var fault Fault
	if err := json.NewDecoder(rec.Body).Decode(&fault); err != nil {
		t.Fatalf("decode fault: %v", err)
	}
	if fault.Code != CodeRateLimited {
		t.Fatalf("unexpected fault code: %s", fault.Code)
	}
	if fault.RetryAfterSeconds <= 0 || fault.RetryAfterSeconds > 60 {
		t.Fatalf("unexpected retryAfterSeconds: %d", fault.RetryAfterSeconds)
	}
	if hook.count() != 3 {
		t.Fatalf("expected 3 webhook deliveries, got %d", hook.count())
	}
}

func TestHandleContactVerificationGate(t *testing.T) {
	hook := &capturedHook{}
	srv := httptest.NewServer(hook.handler())
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Sites["acme"].TurnstileSiteKey = "0xAAAA"
	_, h := newTestGateway(t, cfg, WithWidgetFetcher(fixedFetcher{script: []byte("widget")}))

	rec := postContact(h, validBody, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("tokenless submit expected 400, got %d", rec.Code)
	}
	var fault Fault
	_ = json.NewDecoder(rec.Body).Decode(&fault)
	if fault.Code != CodeVerificationIncomplete {
		t.Fatalf("unexpected fault code: %s", fault.Code)
	}
	if hook.count() != 0 {
		t.Fatal("webhook must not be called without a token")
	}

	withToken := `{"name":"Alice","email":"alice@example.com","message":"Devis","token":"tok-1"}`
	if rec := postContact(h, withToken, nil); rec.Code != http.StatusOK {
		t.Fatalf("tokened submit expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got, want := hook.last()["turnstileToken"], "tok-1"; got != want {
		t.Fatalf("token not forwarded verbatim: got %v", got)
	}
}

func TestHandleContactConfigurationError(t *testing.T) {
	cfg := testConfig("") // no webhook URL
	_, h := newTestGateway(t, cfg)

	rec := postContact(h, validBody, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var fault Fault
	_ = json.NewDecoder(rec.Body).Decode(&fault)
	if fault.Code != CodeConfigurationError {
		t.Fatalf("unexpected fault code: %s", fault.Code)
	}
	if fault.AltContact != "contact@acme.example" {
		t.Fatalf("missing alternate contact hint: %+v", fault)
	}
}

func TestHandleContactSubmissionFailed(t *testing.T) {
	hook := &capturedHook{status: http.StatusInternalServerError}
	srv := httptest.NewServer(hook.handler())
	defer srv.Close()

	cfg := testConfig(srv.URL)
	_, h := newTestGateway(t, cfg)

	rec := postContact(h, validBody, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	var fault Fault
	_ = json.NewDecoder(rec.Body).Decode(&fault)
	if fault.Code != CodeSubmissionFailed {
		t.Fatalf("unexpected fault code: %s", fault.Code)
	}
}

func TestHandleContactFallbackEmailDelivers(t *testing.T) {
	hook := &capturedHook{status: http.StatusInternalServerError}
	srv := httptest.NewServer(hook.handler())
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.SMTP = &SmtpCfg{Host: "smtp.example.com", Port: 587, User: "noreply@example.com", Pass: "pass"}
	cfg.Sites["acme"].FallbackTo = "owner@acme.example"

	var captured *email.Email
	_, h := newTestGateway(t, cfg, WithEmailSender(func(_ *SmtpCfg, e *email.Email) error {
		captured = e
		return nil
	}))

	rec := postContact(h, validBody, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("fallback delivery expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if captured == nil {
		t.Fatal("expected fallback email to be sent")
	}
	if got := captured.To[0]; got != "owner@acme.example" {
		t.Fatalf("unexpected fallback recipient: %s", got)
	}
	if !bytes.Contains(captured.Text, []byte("Devis pour une toiture")) {
		t.Fatalf("fallback email missing message: %q", captured.Text)
	}
}

func TestHandleContactHoneypot(t *testing.T) {
	hook := &capturedHook{}
	srv := httptest.NewServer(hook.handler())
	defer srv.Close()

	cfg := testConfig(srv.URL)
	_, h := newTestGateway(t, cfg)

	body := `{"name":"Bot","email":"bot@example.com","message":"spam","website":"https://spam.example"}`
	rec := postContact(h, body, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("honeypot hit expected 400, got %d", rec.Code)
	}
	if hook.count() != 0 {
		t.Fatal("webhook must not be called for honeypot submissions")
	}
}

func TestHandleContactCORS(t *testing.T) {
	hook := &capturedHook{}
	srv := httptest.NewServer(hook.handler())
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Sites["acme"].AllowedOrigins = []string{"https://toiture.example"}
	_, h := newTestGateway(t, cfg)

	rec := postContact(h, validBody, map[string]string{"Origin": "https://toiture.example"})
	if rec.Code != http.StatusOK {
		t.Fatalf("allowed origin expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://toiture.example" {
		t.Fatalf("missing Access-Control-Allow-Origin, got %q", got)
	}

	rec = postContact(h, validBody, map[string]string{"Origin": "https://evil.example"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("blocked origin expected 403, got %d", rec.Code)
	}
	if hook.count() != 1 {
		t.Fatalf("expected one webhook delivery, got %d", hook.count())
	}
}

func TestHandleContactCORSWildcard(t *testing.T) {
	hook := &capturedHook{}
	srv := httptest.NewServer(hook.handler())
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Sites["acme"].AllowedOrigins = []string{"*"}
	_, h := newTestGateway(t, cfg)

	rec := postContact(h, validBody, map[string]string{"Origin": "https://any.origin.example"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected wildcard Access-Control-Allow-Origin, got %q", got)
	}
}

func TestHandleContactHMAC(t *testing.T) {
	hook := &capturedHook{}
	srv := httptest.NewServer(hook.handler())
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Sites["acme"].Secret = "sig-secret"
	_, h := newTestGateway(t, cfg)

	rec := postContact(h, validBody, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned request expected 401, got %d", rec.Code)
	}

	// hex(HMAC-SHA256(validBody, "sig-secret"))
	rec = postContact(h, validBody, map[string]string{"X-Signature": hmacHex(validBody, "sig-secret")})
	if rec.Code != http.StatusOK {
		t.Fatalf("signed request expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleContactUnknownSite(t *testing.T) {
	cfg := testConfig("https://hook.test")
	_, h := newTestGateway(t, cfg)

	req := httptest.NewRequest(http.MethodPost, "/v1/contact/nope", strings.NewReader(validBody))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleWidgetScript(t *testing.T) {
	cfg := testConfig("https://hook.test")
	cfg.Sites["acme"].TurnstileSiteKey = "0xAAAA"
	_, h := newTestGateway(t, cfg, WithWidgetFetcher(fixedFetcher{script: []byte("turnstile-js")}))

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/v1/contact/acme/widget.js")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Body.String(); got != "turnstile-js" {
		t.Fatalf("unexpected script body: %q", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/javascript" {
		t.Fatalf("unexpected content type: %q", got)
	}

	// Second request is served from the loader's cache.
	if rec := get("/v1/contact/acme/widget.js"); rec.Code != http.StatusOK {
		t.Fatalf("cached request expected 200, got %d", rec.Code)
	}
}

func TestHandleWidgetScriptDisabled(t *testing.T) {
	cfg := testConfig("https://hook.test") // no site key configured
	_, h := newTestGateway(t, cfg)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/contact/acme/widget.js", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for disabled widget, got %d", rec.Code)
	}
}

func TestHandleContactRecordsStats(t *testing.T) {
	hook := &capturedHook{}
	srv := httptest.NewServer(hook.handler())
	defer srv.Close()

	cfg := testConfig(srv.URL)
	store := stats.NewMemoryStore()
	limiter := ratelimit.New(1, time.Minute)
	_, h := newTestGateway(t, cfg, WithStats(store), WithLimiter(limiter))

	postContact(h, validBody, nil)
	postContact(h, validBody, nil)

	acme := store.BySite("acme")
	if acme[stats.OutcomeSubmitted] != 1 {
		t.Fatalf("expected 1 submitted, got %d", acme[stats.OutcomeSubmitted])
	}
	if acme[stats.OutcomeRateLimited] != 1 {
		t.Fatalf("expected 1 rate_limited, got %d", acme[stats.OutcomeRateLimited])
	}
}

func TestHandleHealth(t *testing.T) {
	cfg := testConfig("https://hook.test")
	_, h := newTestGateway(t, cfg)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if got := rec.Body.String(); !strings.Contains(got, "ok") {
		t.Fatalf("unexpected body: %q", got)
	}
}

func TestWebhookPayloadShape(t *testing.T) {
	// Guard against accidental renames of the wire fields the workflow
	// backend matches on.
	var sub webhook.Submission
	raw, _ := json.Marshal(sub)
	var decoded map[string]any
	_ = json.Unmarshal(raw, &decoded)
	for _, key := range []string{"name", "email", "message"} {
		if _, ok := decoded[key]; !ok {
			t.Fatalf("submission payload missing %q: %s", key, raw)
		}
	}
}

func TestWidgetLoaderIsPerSite(t *testing.T) {
	cfg := testConfig("https://hook.test")
	cfg.Sites["acme"].TurnstileSiteKey = "0xAAAA"
	g, _ := newTestGateway(t, cfg, WithWidgetFetcher(fixedFetcher{script: []byte("w")}))

	loader := g.widgets["acme"]
	if loader == nil {
		t.Fatal("expected a loader for acme")
	}
	if loader.SiteKey() != "0xAAAA" {
		t.Fatalf("unexpected loader site key: %s", loader.SiteKey())
	}
	if loader.State() != widget.ScriptNotLoaded {
		t.Fatalf("loader should stay unloaded until first use, got %s", loader.State())
	}
}

func hmacHex(body, secret string) string {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write([]byte(body))
	return hex.EncodeToString(m.Sum(nil))
}
