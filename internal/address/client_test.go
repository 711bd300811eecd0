package address

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleResponse = `{
	"features": [
		{"properties": {"formatted": "12 Rue des Toits, 69003 Lyon, France",
			"address_line1": "12 Rue des Toits", "city": "Lyon", "postcode": "69003"}},
		{"properties": {"formatted": "12 Rue des Toits, 13001 Marseille, France",
			"address_line1": "12 Rue des Toits", "city": "Marseille", "postcode": "13001"}}
	]
}`

func TestCompleteParsesSuggestions(t *testing.T) {
	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(sampleResponse))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "map-key", 10)
	got, err := c.Complete(context.Background(), "12 rue des toits")
	require.NoError(t, err)

	assert.Equal(t, []string{"12 rue des toits"}, gotQuery["text"])
	assert.Equal(t, []string{"map-key"}, gotQuery["apiKey"])
	require.Len(t, got, 2)
	assert.Equal(t, Suggestion{
		Label:      "12 Rue des Toits, 69003 Lyon, France",
		Address:    "12 Rue des Toits",
		City:       "Lyon",
		PostalCode: "69003",
	}, got[0])
}

func TestCompleteUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "map-key", 10)
	_, err := c.Complete(context.Background(), "lyon")
	assert.ErrorContains(t, err, "status 429")
}

func TestCompleteDisabledWithoutKey(t *testing.T) {
	c := NewClient("", "", 10)
	assert.False(t, c.Enabled())
	_, err := c.Complete(context.Background(), "lyon")
	assert.Error(t, err)
}

func TestCompleteThrottleHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"features": []}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "map-key", 1)
	_, err := c.Complete(context.Background(), "first")
	require.NoError(t, err)

	// Bucket is empty now; a cancelled context must abort the wait.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Complete(ctx, "second")
	assert.Error(t, err)
}
