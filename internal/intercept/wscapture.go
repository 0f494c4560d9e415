package intercept

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	cdppkg "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"

	"github.com/pilothouse-dev/pilothouse/internal/cdp"
	"github.com/pilothouse-dev/pilothouse/internal/log"
)

// wsFrameLimit bounds the capture buffer; the oldest frames roll off.
const wsFrameLimit = 1000

// WSFrame is one captured websocket frame.
type WSFrame struct {
	SocketURL string    `json:"socketUrl"`
	Direction string    `json:"direction"` // "sent" or "received"
	Opcode    int64     `json:"opcode"`
	Payload   string    `json:"payload"`
	At        time.Time `json:"at"`
}

// wsCapture buffers Network.webSocket* traffic on a target's
// persistent session.
type wsCapture struct {
	logger *log.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	sockets map[network.RequestID]string
	frames  []WSFrame
}

func newWSCapture(parent context.Context, sess session, logger *log.Logger) (*wsCapture, error) {
	ctx, cancel := context.WithCancel(parent)
	w := &wsCapture{
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		sockets: make(map[network.RequestID]string),
	}

	ch := make(chan cdp.Event)
	sess.On(ctx, []string{
		cdproto.EventNetworkWebSocketCreated,
		cdproto.EventNetworkWebSocketFrameSent,
		cdproto.EventNetworkWebSocketFrameReceived,
		cdproto.EventNetworkWebSocketClosed,
	}, ch)
	go w.loop(ch)

	if err := network.Enable().Do(cdppkg.WithExecutor(ctx, sess)); err != nil {
		cancel()
		return nil, err
	}
	return w, nil
}

func (w *wsCapture) loop(ch chan cdp.Event) {
	for {
		select {
		case <-w.ctx.Done():
			return
		case ev := <-ch:
			switch data := ev.Data.(type) {
			case *network.EventWebSocketCreated:
				w.mu.Lock()
				w.sockets[data.RequestID] = data.URL
				w.mu.Unlock()
			case *network.EventWebSocketFrameSent:
				w.record(data.RequestID, "sent", data.Response)
			case *network.EventWebSocketFrameReceived:
				w.record(data.RequestID, "received", data.Response)
			case *network.EventWebSocketClosed:
				w.mu.Lock()
				delete(w.sockets, data.RequestID)
				w.mu.Unlock()
			}
		}
	}
}

func (w *wsCapture) record(id network.RequestID, direction string, frame *network.WebSocketFrame) {
	if frame == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.frames = append(w.frames, WSFrame{
		SocketURL: w.sockets[id],
		Direction: direction,
		Opcode:    int64(frame.Opcode),
		Payload:   frame.PayloadData,
		At:        time.Now(),
	})
	if len(w.frames) > wsFrameLimit {
		w.frames = w.frames[len(w.frames)-wsFrameLimit:]
	}
}

// Frames snapshots the buffer.
func (w *wsCapture) Frames() []WSFrame {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]WSFrame, len(w.frames))
	copy(out, w.frames)
	return out
}

func (w *wsCapture) stop() { w.cancel() }
