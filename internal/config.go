package forms

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/Momo-444/toitureai-forms/env"
	"github.com/Momo-444/toitureai-forms/internal/ratelimit"
	"github.com/Momo-444/toitureai-forms/internal/widget"
)

/*
ENV-ONLY CONFIG (documented in README):
  Optional global:
    LISTEN_ADDR (default ":3000")
    RATE_LIMIT_MAX (default 3)
    RATE_LIMIT_WINDOW (default "60s")
    ALLOW_JSON (default "true")
    ALLOW_FORM (default "true")
    MAX_BODY_KB (default 1024)  // 1MB
    SUBMISSION_SOURCE (default "landing-contact-form")
    WIDGET_SCRIPT_URL (default Turnstile api.js)
    WIDGET_THEME (default "auto")
    GEOCODE_BASE_URL (default Geoapify autocomplete)
    GEOCODE_API_KEY             // absent disables the address route
    GEOCODE_RPS (default 5)
    STATS_REDIS_ADDR            // absent keeps stats in memory

  Optional SMTP fallback notifier (keyed on SMTP_HOST):
    SMTP_HOST, SMTP_PORT, SMTP_USER, SMTP_PASS, SMTP_SSL (true/false)
    FROM_ADDR

  Multi-site:
    SITES="toiture-ai,other-landing"

    For each site, using the SITE key uppercased (non alnum -> _):
      <SITE>_WEBHOOK_URL          // workflow backend; absent blocks submits with
      <SITE>_WEBHOOK_SECRET       //   a configuration error at request time
      <SITE>_TURNSTILE_SITE_KEY   // absent disables the verification widget
      <SITE>_ALLOWED_ORIGINS="https://a.com,https://b.com"
      <SITE>_SECRET               // optional HMAC secret; if set, require X-Signature
      <SITE>_ALT_CONTACT          // alternate channel shown on blocked submits
      <SITE>_FALLBACK_TO          // email notified when the webhook is down
*/

type SiteCfg struct {
	Key              string
	WebhookURL       string
	WebhookSecret    string
	TurnstileSiteKey string
	AllowedOrigins   []string
	Secret           string
	AltContact       string
	FallbackTo       string
}

type SmtpCfg struct {
	Host string
	Port int
	User string
	Pass string
	SSL  bool
}

type Config struct {
	RateLimitMax     int
	RateLimitWindow  time.Duration
	AllowJSON        bool
	AllowForm        bool
	MaxBodyKB        int
	ListenAddr       string
	SubmissionSource string
	WidgetScriptURL  string
	WidgetTheme      string
	GeocodeBaseURL   string
	GeocodeAPIKey    string
	GeocodeRPS       int
	StatsRedisAddr   string
	SMTP             *SmtpCfg
	FromAddr         string
	Sites            map[string]*SiteCfg
}

var emailRegex = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// LoadConfig reads the whole env surface. Malformed values are fatal.
// Missing per-site webhook credentials are not: those surface as a
// configuration fault on each blocked submission, not a refusal to boot.
func LoadConfig() *Config {
	return &Config{
		RateLimitMax:     env.EnvInt("RATE_LIMIT_MAX", ratelimit.DefaultMaxRequests),
		RateLimitWindow:  env.EnvDuration("RATE_LIMIT_WINDOW", ratelimit.DefaultWindow),
		AllowJSON:        env.EnvBool("ALLOW_JSON", true),
		AllowForm:        env.EnvBool("ALLOW_FORM", true),
		MaxBodyKB:        env.EnvInt("MAX_BODY_KB", 1024),
		ListenAddr:       env.Env("LISTEN_ADDR", ":3000"),
		SubmissionSource: env.Env("SUBMISSION_SOURCE", "landing-contact-form"),
		WidgetScriptURL:  env.Env("WIDGET_SCRIPT_URL", widget.DefaultScriptURL),
		WidgetTheme:      env.Env("WIDGET_THEME", "auto"),
		GeocodeBaseURL:   os.Getenv("GEOCODE_BASE_URL"),
		GeocodeAPIKey:    os.Getenv("GEOCODE_API_KEY"),
		GeocodeRPS:       env.EnvInt("GEOCODE_RPS", 5),
		StatsRedisAddr:   os.Getenv("STATS_REDIS_ADDR"),
		SMTP:             loadSMTPFromEnv(),
		FromAddr:         env.Env("FROM_ADDR", os.Getenv("SMTP_USER")),
		Sites:            loadSitesFromEnv(),
	}
}

func loadSMTPFromEnv() *SmtpCfg {
	host := os.Getenv("SMTP_HOST")
	if strings.TrimSpace(host) == "" {
		return nil
	}
	return &SmtpCfg{
		Host: host,
		Port: env.MustEnvInt("SMTP_PORT"),
		User: env.MustEnv("SMTP_USER"),
		Pass: env.MustEnv("SMTP_PASS"),
		SSL:  env.EnvBool("SMTP_SSL", false),
	}
}

func loadSitesFromEnv() map[string]*SiteCfg {
	siteByKey := map[string]*SiteCfg{}

	raw := os.Getenv("SITES")
	if strings.TrimSpace(raw) == "" {
		fatalf("SITES is required (comma-separated list of site keys, e.g. SITES=toiture-ai)")
	}
	for _, key := range splitString(raw) {
		if key == "" {
			continue
		}
		uc := env.ToEnvKey(key) // e.g., toiture-ai -> TOITURE_AI

		siteByKey[key] = &SiteCfg{
			Key:              key,
			WebhookURL:       os.Getenv(uc + "_WEBHOOK_URL"),
			WebhookSecret:    os.Getenv(uc + "_WEBHOOK_SECRET"),
			TurnstileSiteKey: os.Getenv(uc + "_TURNSTILE_SITE_KEY"),
			AllowedOrigins:   splitString(os.Getenv(uc + "_ALLOWED_ORIGINS")),
			Secret:           os.Getenv(uc + "_SECRET"),
			AltContact:       os.Getenv(uc + "_ALT_CONTACT"),
			FallbackTo:       os.Getenv(uc + "_FALLBACK_TO"),
		}
	}

	return siteByKey
}

// WebhookConfigured reports whether the site can forward submissions.
func (cs *SiteCfg) WebhookConfigured() bool {
	return strings.TrimSpace(cs.WebhookURL) != "" && cs.WebhookSecret != ""
}

// WidgetEnabled reports whether the verification widget applies to the
// site. With no site key configured the form submits without a token.
func (cs *SiteCfg) WidgetEnabled() bool {
	return strings.TrimSpace(cs.TurnstileSiteKey) != ""
}

func fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	slog.Default().Error(msg)
	os.Exit(1)
}

func splitString(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
