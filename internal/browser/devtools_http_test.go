package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRealBrowser(t *testing.T) {
	t.Parallel()

	tests := []struct {
		browser string
		want    bool
	}{
		{"Chrome/124.0.6367.91", true},
		{"Chromium/120.0.6099.224", true},
		{"HeadlessChrome/124.0.6367.91", false},
		{"Chrome WebView/119.0", false},
		{"node.js/v20.11.0", false},
		{"", false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.browser, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, VersionInfo{Browser: tt.browser}.IsRealBrowser())
		})
	}
}

// fakeDevTools serves a /json/version endpoint on a real loopback port.
func fakeDevTools(t *testing.T, browser string) int {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"Browser": %q, "Protocol-Version": "1.3", "User-Agent": "ua", "webSocketDebuggerUrl": "ws://127.0.0.1:1/devtools/browser/x"}`, browser)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

func TestProbeAcceptsRealBrowser(t *testing.T) {
	t.Parallel()

	port := fakeDevTools(t, "Chrome/124.0.6367.91")
	v, err := Probe(context.Background(), port)
	require.NoError(t, err)
	assert.Equal(t, "Chrome/124.0.6367.91", v.Browser)
	assert.NotEmpty(t, v.WebSocketDebuggerURL)
}

func TestProbeRejectsLookAlike(t *testing.T) {
	t.Parallel()

	port := fakeDevTools(t, "HeadlessChrome/124.0.6367.91")
	_, err := Probe(context.Background(), port)
	require.ErrorIs(t, err, ErrPortNotBrowser)
}

func TestProbeNothingListening(t *testing.T) {
	t.Parallel()

	// Reserved port with nothing on it; the error is a transport
	// failure, not ErrPortNotBrowser.
	_, err := Probe(context.Background(), 1)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPortNotBrowser)
}

func TestListTargets(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `[
			{"id": "A", "type": "page", "title": "one", "url": "https://a.example/"},
			{"id": "B", "type": "service_worker", "title": "", "url": "https://b.example/sw.js"}
		]`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	got, err := newDevToolsClient(port).ListTargets(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, TargetListing{ID: "A", Type: "page", Title: "one", URL: "https://a.example/"}, got[0])
}

func TestNewPageUsesPut(t *testing.T) {
	t.Parallel()

	var method string
	mux := http.NewServeMux()
	mux.HandleFunc("/json/new", func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		fmt.Fprint(w, `{"id": "N", "type": "page", "url": "about:blank"}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	listing, err := newDevToolsClient(port).NewPage(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "N", listing.ID)
}
