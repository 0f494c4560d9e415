package browser

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// VersionInfo is the decoded reply of the /json/version endpoint. That
// endpoint is the sole source of truth for deciding whether the thing
// answering on the debugging port is actually Chromium.
type VersionInfo struct {
	Browser              string
	ProtocolVersion      string
	UserAgent            string
	V8Version            string
	WebSocketDebuggerURL string
}

// IsRealBrowser reports whether the version reply identifies a full
// Chromium browser. Embedded WebViews and headless-shell builds answer
// the endpoint too but must not be attached to.
func (v VersionInfo) IsRealBrowser() bool {
	b := v.Browser
	switch {
	case strings.HasPrefix(b, "Chrome/"), strings.HasPrefix(b, "Chromium/"):
		return true
	case strings.HasPrefix(b, "HeadlessChrome/"):
		return false
	default:
		// Android/desktop WebViews report e.g. "Chrome WebView/119.0".
		return false
	}
}

// devToolsClient talks to the HTTP sibling of the CDP WebSocket
// endpoint (/json/version, /json/list, /json/new, ...).
type devToolsClient struct {
	port   int
	client *http.Client
}

func newDevToolsClient(port int) *devToolsClient {
	return &devToolsClient{
		port: port,
		client: &http.Client{
			Timeout: 5 * time.Second,
			Transport: &http.Transport{
				// The endpoint only listens on loopback; avoid proxies.
				Proxy: nil,
				DialContext: (&net.Dialer{
					Timeout: 3 * time.Second,
				}).DialContext,
			},
		},
	}
}

func (d *devToolsClient) get(ctx context.Context, method, path string) ([]byte, error) {
	url := fmt.Sprintf("http://127.0.0.1:%d%s", d.port, path)
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("devtools endpoint %s: %s: %s", path, resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// Version queries /json/version.
func (d *devToolsClient) Version(ctx context.Context) (VersionInfo, error) {
	body, err := d.get(ctx, http.MethodGet, "/json/version")
	if err != nil {
		return VersionInfo{}, err
	}
	res := gjson.ParseBytes(body)
	return VersionInfo{
		Browser:              res.Get("Browser").String(),
		ProtocolVersion:      res.Get("Protocol-Version").String(),
		UserAgent:            res.Get("User-Agent").String(),
		V8Version:            res.Get("V8-Version").String(),
		WebSocketDebuggerURL: res.Get("webSocketDebuggerUrl").String(),
	}, nil
}

// TargetListing is one entry of the /json/list reply.
type TargetListing struct {
	ID    string
	Type  string
	Title string
	URL   string
}

// ListTargets queries /json/list.
func (d *devToolsClient) ListTargets(ctx context.Context) ([]TargetListing, error) {
	body, err := d.get(ctx, http.MethodGet, "/json/list")
	if err != nil {
		return nil, err
	}
	var out []TargetListing
	gjson.ParseBytes(body).ForEach(func(_, v gjson.Result) bool {
		out = append(out, TargetListing{
			ID:    v.Get("id").String(),
			Type:  v.Get("type").String(),
			Title: v.Get("title").String(),
			URL:   v.Get("url").String(),
		})
		return true
	})
	return out, nil
}

// NewPage opens a blank page (or the given url) via /json/new.
func (d *devToolsClient) NewPage(ctx context.Context, url string) (TargetListing, error) {
	path := "/json/new"
	if url != "" {
		path += "?" + url
	}
	// Chromium 111+ requires PUT for /json/new.
	body, err := d.get(ctx, http.MethodPut, path)
	if err != nil {
		return TargetListing{}, err
	}
	v := gjson.ParseBytes(body)
	return TargetListing{
		ID:    v.Get("id").String(),
		Type:  v.Get("type").String(),
		Title: v.Get("title").String(),
		URL:   v.Get("url").String(),
	}, nil
}

// ActivatePage brings the tab with the given id to the foreground.
func (d *devToolsClient) ActivatePage(ctx context.Context, id string) error {
	_, err := d.get(ctx, http.MethodGet, "/json/activate/"+id)
	return err
}

// ClosePage closes the tab with the given id.
func (d *devToolsClient) ClosePage(ctx context.Context, id string) error {
	_, err := d.get(ctx, http.MethodGet, "/json/close/"+id)
	return err
}

// Probe checks whether a real Chromium browser answers on port. It
// returns ErrPortNotBrowser for look-alikes and the underlying error
// when nothing answers at all.
func Probe(ctx context.Context, port int) (VersionInfo, error) {
	v, err := newDevToolsClient(port).Version(ctx)
	if err != nil {
		return VersionInfo{}, err
	}
	if !v.IsRealBrowser() {
		return v, fmt.Errorf("%w: port %d answered as %q", ErrPortNotBrowser, port, v.Browser)
	}
	return v, nil
}

// portListening reports whether something accepts TCP connections on
// the debugging port.
func portListening(port int, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
