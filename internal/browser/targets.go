package browser

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	cdppkg "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"

	"github.com/pilothouse-dev/pilothouse/internal/cdp"
	"github.com/pilothouse-dev/pilothouse/internal/log"
)

func targetID(s string) target.ID { return target.ID(s) }

// Target kinds as reported by the browser.
const (
	TargetPage           = "page"
	TargetServiceWorker  = "service_worker"
	TargetBackgroundPage = "background_page"
	TargetBrowser        = "browser"
	TargetOther          = "other"
)

// Target is the registry's record of one debuggable context. Targets
// are only ever created from browser notifications, never fabricated.
type Target struct {
	ID        target.ID
	Kind      string
	URL       string
	Title     string
	OpenerID  target.ID
	Attached  bool
	activated time.Time
}

// IsPage reports whether the target is a regular page (tab).
func (t Target) IsPage() bool { return t.Kind == TargetPage }

// TargetRegistry maintains the live map of target id to Target,
// populated from Target.targetCreated/Destroyed/InfoChanged on the
// root session.
type TargetRegistry struct {
	conn   *cdp.Connection
	logger *log.Logger

	mu      sync.RWMutex
	targets map[target.ID]*Target
	// creation order, for the deterministic first-page fallback
	order []target.ID
	// onRemoved fires after a destroyed target leaves the map, so
	// dependents can drop per-target state.
	onRemoved func(target.ID)
}

// OnRemoved registers the callback invoked when a target is destroyed.
func (r *TargetRegistry) OnRemoved(fn func(target.ID)) {
	r.mu.Lock()
	r.onRemoved = fn
	r.mu.Unlock()
}

// NewTargetRegistry subscribes to target discovery on the root session
// and seeds the map from the current target list.
func NewTargetRegistry(ctx context.Context, conn *cdp.Connection, logger *log.Logger) (*TargetRegistry, error) {
	r := &TargetRegistry{
		conn:    conn,
		logger:  logger,
		targets: make(map[target.ID]*Target),
	}

	ch := make(chan cdp.Event)
	conn.On(ctx, []string{
		cdproto.EventTargetTargetCreated,
		cdproto.EventTargetTargetDestroyed,
		cdproto.EventTargetTargetInfoChanged,
	}, ch)
	go r.handleEvents(ctx, ch)

	// setDiscoverTargets replays targetCreated for every existing
	// target, so the map self-seeds.
	action := target.SetDiscoverTargets(true)
	if err := action.Do(cdppkg.WithExecutor(ctx, conn)); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *TargetRegistry) handleEvents(ctx context.Context, ch chan cdp.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			switch data := ev.Data.(type) {
			case *target.EventTargetCreated:
				r.upsert(data.TargetInfo)
			case *target.EventTargetInfoChanged:
				r.upsert(data.TargetInfo)
			case *target.EventTargetDestroyed:
				r.remove(data.TargetID)
			}
		}
	}
}

func (r *TargetRegistry) upsert(info *target.Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[info.TargetID]
	if !ok {
		t = &Target{ID: info.TargetID}
		r.targets[info.TargetID] = t
		r.order = append(r.order, info.TargetID)
		r.logger.Debugf("browser:targets", "created %s kind=%s url=%s", info.TargetID, info.Type, info.URL)
	}
	t.Kind = info.Type
	t.URL = info.URL
	t.Title = info.Title
	t.OpenerID = info.OpenerID
	t.Attached = info.Attached
}

func (r *TargetRegistry) remove(id target.ID) {
	r.mu.Lock()
	delete(r.targets, id)
	for i, tid := range r.order {
		if tid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	fn := r.onRemoved
	r.mu.Unlock()
	r.logger.Debugf("browser:targets", "destroyed %s", id)
	if fn != nil {
		fn(id)
	}
}

// MarkActivated records that the given page was brought to the
// foreground, so it wins the "active tab" resolution.
func (r *TargetRegistry) MarkActivated(id target.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.targets[id]; ok {
		t.activated = time.Now()
	}
}

// Get returns the target with the given id.
func (r *TargetRegistry) Get(id target.ID) (Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.targets[id]
	if !ok {
		return Target{}, false
	}
	return *t, true
}

// Pages returns all page targets in creation order.
func (r *TargetRegistry) Pages() []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var pages []Target
	for _, id := range r.order {
		if t, ok := r.targets[id]; ok && t.IsPage() {
			pages = append(pages, *t)
		}
	}
	return pages
}

// All returns every known target in creation order.
func (r *TargetRegistry) All() []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Target, 0, len(r.order))
	for _, id := range r.order {
		if t, ok := r.targets[id]; ok {
			out = append(out, *t)
		}
	}
	return out
}

// ResolvePage resolves an optional explicit target id to a page. An
// explicit id must exist and be a page. An empty id picks the most
// recently activated page, falling back to the first page in
// enumeration order.
func (r *TargetRegistry) ResolvePage(id string) (Target, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id != "" {
		t, ok := r.targets[target.ID(id)]
		if !ok {
			return Target{}, ErrTargetNotFound
		}
		if !t.IsPage() {
			return Target{}, ErrTargetNotPage
		}
		return *t, nil
	}

	var (
		best  *Target
		first *Target
	)
	for _, tid := range r.order {
		t, ok := r.targets[tid]
		if !ok || !t.IsPage() {
			continue
		}
		if first == nil {
			first = t
		}
		if !t.activated.IsZero() && (best == nil || t.activated.After(best.activated)) {
			best = t
		}
	}
	switch {
	case best != nil:
		return *best, nil
	case first != nil:
		return *first, nil
	default:
		return Target{}, ErrNoPageAvailable
	}
}
