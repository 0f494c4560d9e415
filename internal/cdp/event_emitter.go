package cdp

import (
	"context"
	"sync"
)

// Event names emitted on top of raw CDP method names.
const (
	EventConnectionClose = "close"
	EventSessionClosed   = "sessionclosed"
)

// Event is delivered to subscriber channels. For CDP events data holds
// the unmarshaled cdproto event struct; for command replies it holds
// the raw *cdproto.Message.
type Event struct {
	Name string
	Data any
}

// EventEmitter is implemented by Connection and Session. Subscribers
// are explicit objects keyed by their channel; they de-register by
// cancelling the context passed at subscription time.
type EventEmitter interface {
	emit(event string, data any)
	On(ctx context.Context, events []string, ch chan Event)
	OnAll(ctx context.Context, ch chan Event)
}

type subscriber struct {
	ctx  context.Context
	ch   chan Event
	wake chan struct{}

	mu  sync.Mutex
	buf []Event
}

// pump delivers buffered events to the subscriber channel in arrival
// order, without ever blocking the emitter.
func (s *subscriber) pump() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.buf) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.buf[0]
			s.buf[0] = Event{}
			s.buf = s.buf[1:]
			if len(s.buf) == 0 {
				s.buf = nil
			}
			s.mu.Unlock()

			select {
			case s.ch <- ev:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

func (s *subscriber) enqueue(ev Event) {
	s.mu.Lock()
	s.buf = append(s.buf, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// BaseEventEmitter fans events out to registered subscribers.
type BaseEventEmitter struct {
	mu          sync.Mutex
	handlers    map[string][]*subscriber
	handlersAll []*subscriber
	subs        map[chan Event]*subscriber
}

// NewBaseEventEmitter creates an emitter ready for subscriptions.
func NewBaseEventEmitter() BaseEventEmitter {
	return BaseEventEmitter{
		handlers: make(map[string][]*subscriber),
		subs:     make(map[chan Event]*subscriber),
	}
}

func (e *BaseEventEmitter) subscriberFor(ctx context.Context, ch chan Event) *subscriber {
	sub, ok := e.subs[ch]
	if !ok {
		sub = &subscriber{ctx: ctx, ch: ch, wake: make(chan struct{}, 1)}
		e.subs[ch] = sub
		go sub.pump()
	}
	return sub
}

// On registers ch for the named events until ctx is done.
func (e *BaseEventEmitter) On(ctx context.Context, events []string, ch chan Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sub := e.subscriberFor(ctx, ch)
	for _, event := range events {
		e.handlers[event] = append(e.handlers[event], sub)
	}
}

// OnAll registers ch for every event until ctx is done.
func (e *BaseEventEmitter) OnAll(ctx context.Context, ch chan Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlersAll = append(e.handlersAll, e.subscriberFor(ctx, ch))
}

func (e *BaseEventEmitter) emit(event string, data any) {
	ev := Event{Name: event, Data: data}

	e.mu.Lock()
	e.handlers[event] = emitTo(e.handlers[event], ev)
	e.handlersAll = emitTo(e.handlersAll, ev)
	e.mu.Unlock()
}

// emitTo enqueues ev on each live subscriber and compacts out the ones
// whose context is done.
func emitTo(subs []*subscriber, ev Event) []*subscriber {
	for i := 0; i < len(subs); {
		sub := subs[i]
		select {
		case <-sub.ctx.Done():
			subs = append(subs[:i], subs[i+1:]...)
		default:
			sub.enqueue(ev)
			i++
		}
	}
	return subs
}
