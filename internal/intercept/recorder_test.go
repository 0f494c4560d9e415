package intercept

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilothouse-dev/pilothouse/internal/cdp"
	"github.com/pilothouse-dev/pilothouse/internal/log"
)

func newTestRecorder(t *testing.T) (*Recorder, *fakeSession) {
	t.Helper()
	fs := &fakeSession{bodies: make(map[fetch.RequestID][]byte)}
	r, err := newRecorder(context.Background(), fs, log.New())
	require.NoError(t, err)
	t.Cleanup(r.stop)
	return r, fs
}

func sendNet(fs *fakeSession, name string, data any) {
	fs.ch <- cdp.Event{Name: name, Data: data}
}

func TestRecorderBuildsCompletedEntry(t *testing.T) {
	t.Parallel()

	r, fs := newTestRecorder(t)
	assert.True(t, fs.called(cdproto.CommandNetworkEnable))
	fs.bodies["N1"] = []byte(`{"ok":true}`)

	sendNet(fs, cdproto.EventNetworkRequestWillBeSent, &network.EventRequestWillBeSent{
		RequestID: "N1",
		Request: &network.Request{
			URL:     "https://api.example.com/v1/items",
			Method:  "GET",
			Headers: network.Headers{"Accept": "application/json"},
		},
	})
	sendNet(fs, cdproto.EventNetworkResponseReceived, &network.EventResponseReceived{
		RequestID: "N1",
		Response: &network.Response{
			Status:     200,
			StatusText: "OK",
			MimeType:   "application/json",
			Headers:    network.Headers{"Content-Type": "application/json"},
		},
	})
	sendNet(fs, cdproto.EventNetworkLoadingFinished, &network.EventLoadingFinished{
		RequestID:         "N1",
		EncodedDataLength: 11,
	})

	require.Eventually(t, func() bool {
		return r.EntryCount() == 1
	}, time.Second, 5*time.Millisecond)

	h := r.Snapshot("pilothouse", "0.1.0")
	require.Len(t, h.Log.Entries, 1)
	entry := h.Log.Entries[0]
	assert.Equal(t, "GET", entry.Request.Method)
	assert.Equal(t, "https://api.example.com/v1/items", entry.Request.URL)
	assert.Equal(t, 200, entry.Response.Status)
	assert.Equal(t, "OK", entry.Response.StatusText)
	assert.Equal(t, "application/json", entry.Response.Content.MimeType)
	assert.JSONEq(t, `{"ok":true}`, entry.Response.Content.Text)
	assert.EqualValues(t, 11, entry.Response.BodySize)

	// Flush drains the buffer; Snapshot did not.
	flushed := r.Flush("pilothouse", "0.1.0")
	require.Len(t, flushed.Log.Entries, 1)
	assert.Equal(t, 0, r.EntryCount())
}

func TestRecorderRecordsFailures(t *testing.T) {
	t.Parallel()

	r, fs := newTestRecorder(t)
	sendNet(fs, cdproto.EventNetworkRequestWillBeSent, &network.EventRequestWillBeSent{
		RequestID: "N1",
		Request:   &network.Request{URL: "https://down.example.com/", Method: "GET"},
	})
	sendNet(fs, cdproto.EventNetworkLoadingFailed, &network.EventLoadingFailed{
		RequestID: "N1",
		ErrorText: "net::ERR_CONNECTION_REFUSED",
	})

	require.Eventually(t, func() bool {
		return r.EntryCount() == 1
	}, time.Second, 5*time.Millisecond)

	entry := r.Snapshot("pilothouse", "0.1.0").Log.Entries[0]
	assert.Equal(t, 0, entry.Response.Status, "a failed exchange has no status")
	assert.Equal(t, "net::ERR_CONNECTION_REFUSED", entry.Response.StatusText)
}
