package cdp

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"

	"github.com/pilothouse-dev/pilothouse/internal/log"
)

const wsWriteBufferSize = 1 << 20

// Ensure Connection implements the EventEmitter and Executor interfaces.
var (
	_ EventEmitter = &Connection{}
	_ cdp.Executor = &Connection{}
)

// Connection is the WebSocket link to the browser and doubles as the
// root browser session. Frames carrying a sessionID are routed to the
// matching Session; the rest are handled here. Command replies are
// correlated by message id.
type Connection struct {
	BaseEventEmitter

	ctx     context.Context
	wsURL   string
	logger  *log.Logger
	conn    *websocket.Conn
	sendCh  chan *cdproto.Message
	closeCh chan int
	errorCh chan error
	done    chan struct{}

	shutdownOnce sync.Once
	msgID        int64

	sessionsMu sync.RWMutex
	sessions   map[target.SessionID]*Session
}

// NewConnection dials the browser debugging WebSocket endpoint and
// starts the read and write loops.
func NewConnection(ctx context.Context, wsURL string, logger *log.Logger) (*Connection, error) {
	wsd := websocket.Dialer{
		HandshakeTimeout: time.Minute,
		Proxy:            http.ProxyFromEnvironment,
		WriteBufferSize:  wsWriteBufferSize,
	}

	conn, _, err := wsd.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}

	c := Connection{
		BaseEventEmitter: NewBaseEventEmitter(),
		ctx:              ctx,
		wsURL:            wsURL,
		logger:           logger,
		conn:             conn,
		sendCh:           make(chan *cdproto.Message, 32), // avoid blocking Execute
		closeCh:          make(chan int),
		errorCh:          make(chan error),
		done:             make(chan struct{}),
		sessions:         make(map[target.SessionID]*Session),
	}

	go c.recvLoop()
	go c.sendLoop()

	return &c, nil
}

// WsURL returns the WebSocket URL this connection was dialed with.
func (c *Connection) WsURL() string { return c.wsURL }

// Done is closed once the connection has fully shut down.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Close cleanly closes the WebSocket connection.
func (c *Connection) Close() {
	_ = c.closeConnection(websocket.CloseGoingAway)
}

// closeConnection sends the close control frame, closes every session
// and stops both loops. Pending Execute calls observe done and fail
// with ErrTransportGone.
func (c *Connection) closeConnection(code int) error {
	var err error

	c.shutdownOnce.Do(func() {
		defer func() {
			_ = c.conn.Close()
			close(c.done)
		}()

		err = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""),
			time.Now().Add(10*time.Second),
		)

		c.sessionsMu.Lock()
		for _, s := range c.sessions {
			s.close(nil)
			delete(c.sessions, s.id)
		}
		c.sessionsMu.Unlock()

		c.emit(EventConnectionClose, nil)
	})

	return err
}

// AttachToTarget creates a flattened session for the given target id.
func (c *Connection) AttachToTarget(tid target.ID) (*Session, error) {
	action := target.AttachToTarget(tid).WithFlatten(true)
	sessionID, err := action.Do(cdp.WithExecutor(c.ctx, c))
	if err != nil {
		return nil, err
	}
	return c.getSession(sessionID), nil
}

func (c *Connection) closeSession(sessionID target.SessionID, reason error) {
	c.sessionsMu.Lock()
	if session, ok := c.sessions[sessionID]; ok {
		session.close(reason)
	}
	delete(c.sessions, sessionID)
	c.sessionsMu.Unlock()
}

func (c *Connection) getSession(id target.SessionID) *Session {
	c.sessionsMu.RLock()
	defer c.sessionsMu.RUnlock()
	return c.sessions[id]
}

func (c *Connection) handleIOError(err error) {
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		select {
		case c.errorCh <- err:
		case <-c.done:
			return
		}
	}
	code := websocket.CloseGoingAway
	if e, ok := err.(*websocket.CloseError); ok {
		code = e.Code
	}
	select {
	case c.closeCh <- code:
	case <-c.done:
	}
}

func (c *Connection) recvLoop() {
	for {
		_, buf, err := c.conn.ReadMessage()
		if err != nil {
			c.handleIOError(err)
			return
		}

		c.logger.Tracef("cdp:recv", "<- %s", buf)

		var msg cdproto.Message
		decoder := jlexer.Lexer{Data: buf}
		msg.UnmarshalEasyJSON(&decoder)
		if err := decoder.Error(); err != nil {
			c.logger.Errorf("cdp", "malformed frame: %s", err)
			if msg.SessionID != "" {
				// A session that cannot be trusted to stay in sync is
				// poisoned and closed; the connection survives.
				c.closeSession(msg.SessionID, ErrSessionPoisoned)
			}
			continue
		}

		// Track attachment and detachment, creating and deleting
		// sessions as the browser reports them.
		switch msg.Method {
		case cdproto.EventTargetAttachedToTarget:
			ev, err := cdproto.UnmarshalMessage(&msg)
			if err != nil {
				c.logger.Errorf("cdp", "%s", err)
				continue
			}
			sessionID := ev.(*target.EventAttachedToTarget).SessionID
			c.sessionsMu.Lock()
			c.sessions[sessionID] = NewSession(c.ctx, c, sessionID)
			c.sessionsMu.Unlock()
		case cdproto.EventTargetDetachedFromTarget:
			ev, err := cdproto.UnmarshalMessage(&msg)
			if err != nil {
				c.logger.Errorf("cdp", "%s", err)
				continue
			}
			c.closeSession(ev.(*target.EventDetachedFromTarget).SessionID, nil)
		}

		switch {
		case msg.SessionID != "" && (msg.Method != "" || msg.ID != 0):
			session := c.getSession(msg.SessionID)
			if session == nil {
				continue
			}
			if msg.Error != nil && msg.Error.Message == "No session with given id" {
				c.closeSession(session.id, nil)
				continue
			}
			session.deliver(&msg)

		case msg.Method != "":
			ev, err := cdproto.UnmarshalMessage(&msg)
			if err != nil {
				c.logger.Errorf("cdp", "%s", err)
				continue
			}
			c.emit(string(msg.Method), ev)

		case msg.ID != 0:
			c.emit("", &msg)

		default:
			c.logger.Errorf("cdp", "ignoring malformed incoming message (missing id or method): %#v", msg)
		}
	}
}

func (c *Connection) sendLoop() {
	for {
		select {
		case msg := <-c.sendCh:
			encoder := jwriter.Writer{}
			msg.MarshalEasyJSON(&encoder)
			if err := encoder.Error; err != nil {
				select {
				case c.errorCh <- err:
				case <-c.done:
					return
				}
				continue
			}

			buf, _ := encoder.BuildBytes()
			c.logger.Tracef("cdp:send", "-> %s", buf)
			writer, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.handleIOError(err)
				return
			}
			if _, err := writer.Write(buf); err != nil {
				c.handleIOError(err)
				return
			}
			if err := writer.Close(); err != nil {
				c.handleIOError(err)
				return
			}
		case code := <-c.closeCh:
			_ = c.closeConnection(code)
		case <-c.done:
			return
		}
	}
}

// send queues msg for writing, then blocks on recvCh for the correlated
// reply if recvCh is non-nil. All disconnect paths surface
// ErrTransportGone so callers never hang on a dead socket.
func (c *Connection) send(msg *cdproto.Message, recvCh chan *cdproto.Message, res easyjson.Unmarshaler) error {
	select {
	case c.sendCh <- msg:
	case err := <-c.errorCh:
		return err
	case code := <-c.closeCh:
		_ = c.closeConnection(code)
		return ErrTransportGone
	case <-c.done:
		return ErrTransportGone
	case <-c.ctx.Done():
		return c.ctx.Err()
	}

	if recvCh == nil {
		return nil
	}

	select {
	case msg := <-recvCh:
		switch {
		case msg == nil:
			return ErrChannelClosed
		case msg.Error != nil:
			return msg.Error
		case res != nil:
			return easyjson.Unmarshal(msg.Result, res)
		}
	case err := <-c.errorCh:
		return err
	case code := <-c.closeCh:
		_ = c.closeConnection(code)
		return ErrTransportGone
	case <-c.done:
		return ErrTransportGone
	case <-c.ctx.Done():
		return c.ctx.Err()
	}

	return nil
}

// Execute implements cdp.Executor against the root browser session.
func (c *Connection) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	id := atomic.AddInt64(&c.msgID, 1)

	// Subscribe to command replies before sending so the response
	// cannot slip past us.
	ch := make(chan *cdproto.Message, 1)
	evCancelCtx, evCancelFn := context.WithCancel(ctx)
	chEvHandler := make(chan Event)
	go func() {
		for {
			select {
			case <-evCancelCtx.Done():
				return
			case ev := <-chEvHandler:
				if msg, ok := ev.Data.(*cdproto.Message); ok && msg.ID == id {
					select {
					case <-evCancelCtx.Done():
					case ch <- msg:
						evCancelFn()
					}
					return
				}
			}
		}
	}()
	c.OnAll(evCancelCtx, chEvHandler)
	defer evCancelFn()

	var buf []byte
	if params != nil {
		var err error
		buf, err = easyjson.Marshal(params)
		if err != nil {
			return err
		}
	}
	msg := &cdproto.Message{
		ID:     id,
		Method: cdproto.MethodType(method),
		Params: buf,
	}
	return c.send(msg, ch, res)
}
