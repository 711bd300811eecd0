package fingerprint

import (
	"encoding/base64"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveDecodeRoundTrip(t *testing.T) {
	c := Components{
		ScreenResolution: "1920x1080",
		Timezone:         "Europe/Paris",
		Locale:           "fr-FR",
	}
	id := Derive(c)
	got, err := Decode(id)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode("!!not base64!!")
	assert.Error(t, err)

	// Valid base64 but the wrong shape.
	_, err = Decode(base64.StdEncoding.EncodeToString([]byte("1920x1080|Europe/Paris")))
	assert.Error(t, err)
}

func TestValid(t *testing.T) {
	assert.True(t, Valid(Derive(Components{ScreenResolution: "800x600", Timezone: "UTC", Locale: "en"})))
	assert.False(t, Valid("zzzz"))
}

func TestFromRequestPrefersFingerprintHeader(t *testing.T) {
	id := Derive(Components{ScreenResolution: "1366x768", Timezone: "America/New_York", Locale: "en-US"})
	r := httptest.NewRequest("POST", "/v1/contact/acme", nil)
	r.Header.Set(Header, id)

	assert.Equal(t, id, FromRequest(r, "acme"))
}

func TestFromRequestFallsBackToSiteAndIP(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/contact/acme", nil)
	r.RemoteAddr = "203.0.113.7:51234"

	assert.Equal(t, "acme|203.0.113.7", FromRequest(r, "acme"))
}

func TestFromRequestIgnoresMalformedHeader(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/contact/acme", nil)
	r.RemoteAddr = "203.0.113.7:51234"
	r.Header.Set(Header, "not-an-identifier")

	assert.Equal(t, "acme|203.0.113.7", FromRequest(r, "acme"))
}

func TestClientIPHonorsForwardedFor(t *testing.T) {
	r := httptest.NewRequest("POST", "/", nil)
	r.Header.Set("X-Forwarded-For", "198.51.100.9, 10.0.0.1")
	assert.Equal(t, "198.51.100.9", ClientIP(r))
}
