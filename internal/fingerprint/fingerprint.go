// Package fingerprint derives the low-entropy client identifier used to
// bucket rate-limit counts. The identifier is a reversible encoding, not a
// hash: two clients with the same resolution, timezone and locale share a
// bucket, which is an accepted trade-off. It is never an authentication or
// security control.
package fingerprint

import (
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Header carries a pre-derived identifier from the browser.
const Header = "X-Client-Fingerprint"

const separator = "|"

// Components are the browser-observable values the identifier is built from.
type Components struct {
	ScreenResolution string // e.g. "1920x1080"
	Timezone         string // IANA name, e.g. "Europe/Paris"
	Locale           string // BCP 47 tag, e.g. "fr-FR"
}

// Derive encodes the components into the wire identifier.
func Derive(c Components) string {
	raw := strings.Join([]string{c.ScreenResolution, c.Timezone, c.Locale}, separator)
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// Decode reverses Derive. It rejects identifiers that are not valid base64
// or do not contain exactly the three expected parts.
func Decode(id string) (Components, error) {
	raw, err := base64.StdEncoding.DecodeString(id)
	if err != nil {
		return Components{}, fmt.Errorf("decode fingerprint: %w", err)
	}
	parts := strings.Split(string(raw), separator)
	if len(parts) != 3 {
		return Components{}, fmt.Errorf("fingerprint has %d parts, want 3", len(parts))
	}
	return Components{
		ScreenResolution: parts[0],
		Timezone:         parts[1],
		Locale:           parts[2],
	}, nil
}

// Valid reports whether id decodes to a well-formed identifier.
func Valid(id string) bool {
	_, err := Decode(id)
	return err == nil
}

// FromRequest picks the limiter key for a request: the client-supplied
// fingerprint when one is present and well formed, otherwise site plus
// client IP.
func FromRequest(r *http.Request, siteKey string) string {
	if id := strings.TrimSpace(r.Header.Get(Header)); id != "" && Valid(id) {
		return id
	}
	return siteKey + separator + ClientIP(r)
}

// ClientIP returns the originating client address, honoring the first
// entry of X-Forwarded-For when present.
func ClientIP(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		parts := strings.Split(xf, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
