package cdp

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
)

// Ensure Session implements the EventEmitter and Executor interfaces.
var (
	_ EventEmitter = &Session{}
	_ cdp.Executor = &Session{}
)

// Session is a bound CDP channel to one target, multiplexed over the
// parent Connection.
type Session struct {
	BaseEventEmitter

	ctx    context.Context
	conn   *Connection
	id     target.SessionID
	msgID  int64
	readCh chan *cdproto.Message
	done   chan struct{}

	mu       sync.Mutex
	closed   bool
	closeErr error
	crashed  bool
}

// NewSession creates a session bound to the given CDP session id.
func NewSession(ctx context.Context, conn *Connection, id target.SessionID) *Session {
	s := Session{
		BaseEventEmitter: NewBaseEventEmitter(),
		ctx:              ctx,
		conn:             conn,
		id:               id,
		readCh:           make(chan *cdproto.Message, 32),
		done:             make(chan struct{}),
	}
	go s.readLoop()
	return &s
}

// ID returns the CDP session id.
func (s *Session) ID() target.SessionID { return s.id }

// Done is closed when the session has been closed or detached.
func (s *Session) Done() <-chan struct{} { return s.done }

// Closed reports whether the session is no longer usable.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) close(reason error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closeErr = reason
	s.mu.Unlock()

	close(s.done)
	s.emit(EventSessionClosed, reason)
}

// MarkAsCrashed flags the target as crashed; subsequent commands fail
// fast with ErrTargetCrashed.
func (s *Session) MarkAsCrashed() {
	s.mu.Lock()
	s.crashed = true
	s.mu.Unlock()
}

// deliver routes a frame from the connection read loop to this session.
func (s *Session) deliver(msg *cdproto.Message) {
	select {
	case s.readCh <- msg:
	case <-s.done:
	case <-s.ctx.Done():
	}
}

func (s *Session) readLoop() {
	for {
		select {
		case msg := <-s.readCh:
			if msg.ID != 0 && msg.Method == "" {
				// Command reply; correlated by Execute's onAll handler.
				s.emit("", msg)
				continue
			}
			ev, err := cdproto.UnmarshalMessage(msg)
			if err != nil {
				if _, ok := err.(cdp.ErrUnknownCommandOrEvent); ok {
					// Likely an event from an older browser that a
					// newer cdproto no longer knows. Emit the raw
					// message so diagnostics can still see it.
					s.emit("", msg)
					continue
				}
				s.conn.logger.Errorf("cdp:session", "sid:%v %s", s.id, err)
				continue
			}
			s.emit(string(msg.Method), ev)
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) checkUsable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.crashed {
		return ErrTargetCrashed
	}
	if s.closed {
		if s.closeErr != nil {
			return s.closeErr
		}
		return ErrTransportGone
	}
	return nil
}

// Execute implements cdp.Executor and performs a synchronous send and
// receive on this session.
func (s *Session) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	if err := s.checkUsable(); err != nil {
		return err
	}

	id := atomic.AddInt64(&s.msgID, 1)

	ch := make(chan *cdproto.Message, 1)
	evCancelCtx, evCancelFn := context.WithCancel(ctx)
	chEvHandler := make(chan Event)
	go func() {
		for {
			select {
			case <-evCancelCtx.Done():
				return
			case <-s.done:
				// Session died mid-command; synthesize a transport
				// error for the waiter.
				select {
				case ch <- nil:
				default:
				}
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
	s.OnAll(evCancelCtx, chEvHandler)
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
		ID:        id,
		SessionID: s.id,
		Method:    cdproto.MethodType(method),
		Params:    buf,
	}
	return s.conn.send(msg, ch, res)
}

// ExecuteWithoutExpectationOnReply sends a command without waiting for
// the browser's response.
func (s *Session) ExecuteWithoutExpectationOnReply(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	if err := s.checkUsable(); err != nil {
		return err
	}

	var buf []byte
	if params != nil {
		var err error
		buf, err = easyjson.Marshal(params)
		if err != nil {
			return err
		}
	}
	msg := &cdproto.Message{
		ID:        atomic.AddInt64(&s.msgID, 1),
		SessionID: s.id,
		Method:    cdproto.MethodType(method),
		Params:    buf,
	}
	return s.conn.send(msg, nil, res)
}
