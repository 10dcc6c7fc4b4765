// ABOUTME: In-memory subscription broker mapping resource URIs to callbacks
// ABOUTME: Supports exact and wildcard (base URI) matching with best-effort fan-out

package subscription

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/deepr-mcp/internal/resource"
)

var (
	// ErrInvalidURI is returned when a subscription URI is malformed.
	ErrInvalidURI = resource.ErrInvalidURI

	// ErrNilCallback is returned when Subscribe is called without a callback.
	ErrNilCallback = errors.New("callback is required")

	// ErrUnknownSubscription is returned by EmitTo for an ID that is not
	// (or no longer) subscribed.
	ErrUnknownSubscription = errors.New("unknown subscription")
)

// subscription is an active registration. Only the manager mutates it.
type subscription struct {
	id        string
	uri       string
	callback  Callback
	wildcard  bool
	createdAt time.Time
	delivered int
	failed    int
}

// Info is a read-only view of a subscription.
type Info struct {
	ID        string    `json:"id"`
	URI       string    `json:"uri"`
	Wildcard  bool      `json:"wildcard"`
	CreatedAt time.Time `json:"created_at"`
	Delivered int       `json:"delivered"`
	Failed    int       `json:"failed"`
}

// Manager routes notifications to subscribers.
type Manager struct {
	mu       sync.Mutex
	byID     map[string]*subscription
	exact    map[string]map[string]*subscription // uri -> subID -> sub
	wildcard map[string]map[string]*subscription // base uri -> subID -> sub
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager creates a subscription manager. Pass nil logger for default.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		byID:     make(map[string]*subscription),
		exact:    make(map[string]map[string]*subscription),
		wildcard: make(map[string]map[string]*subscription),
		logger:   logger.With("component", "subscriptions"),
		now:      time.Now,
	}
}

// Subscribe registers cb for uri and returns the subscription ID.
//
// A non-wildcard uri must be a full resource URI. A wildcard uri may be a
// base URI, a base URI followed by "/*", or a full URI; only its base is
// stored.
func (m *Manager) Subscribe(uri string, cb Callback, wildcard bool) (string, error) {
	if cb == nil {
		return "", ErrNilCallback
	}

	key := uri
	if wildcard {
		base, ok := resource.BaseOf(uri)
		if !ok {
			return "", fmt.Errorf("%w: %q", ErrInvalidURI, uri)
		}
		key = base
	} else if _, ok := resource.Parse(uri); !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}

	sub := &subscription{
		id:        uuid.New().String(),
		uri:       key,
		callback:  cb,
		wildcard:  wildcard,
		createdAt: m.now(),
	}

	m.mu.Lock()
	index := m.exact
	if wildcard {
		index = m.wildcard
	}
	if _, ok := index[key]; !ok {
		index[key] = make(map[string]*subscription)
	}
	index[key][sub.id] = sub
	m.byID[sub.id] = sub
	m.mu.Unlock()

	m.logger.Debug("subscriber added", "uri", key, "sub_id", sub.id, "wildcard", wildcard)
	return sub.id, nil
}

// Unsubscribe removes a subscription. It returns false if id is unknown.
func (m *Manager) Unsubscribe(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(id)
}

// removeLocked deletes a subscription from every index. Must hold mu.
func (m *Manager) removeLocked(id string) bool {
	sub, ok := m.byID[id]
	if !ok {
		return false
	}
	delete(m.byID, id)

	index := m.exact
	if sub.wildcard {
		index = m.wildcard
	}
	if subs, ok := index[sub.uri]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(index, sub.uri)
		}
	}

	m.logger.Debug("subscriber removed", "uri", sub.uri, "sub_id", id)
	return true
}

// UnsubscribeAll removes every subscription whose stored URI starts with
// prefix. An empty prefix removes everything. Returns the number removed.
func (m *Manager) UnsubscribeAll(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, sub := range m.byID {
		if strings.HasPrefix(sub.uri, prefix) {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		m.removeLocked(id)
	}
	return len(ids)
}

// matchLocked returns the subscriptions matching uri. Must hold mu.
func (m *Manager) matchLocked(uri string) []*subscription {
	var targets []*subscription
	for _, sub := range m.exact[uri] {
		targets = append(targets, sub)
	}
	base, ok := resource.BaseOf(uri)
	if !ok {
		return targets
	}
	for key, subs := range m.wildcard {
		if !baseCovers(key, base) {
			continue
		}
		for _, sub := range subs {
			targets = append(targets, sub)
		}
	}
	return targets
}

// Recipients returns the IDs of the subscriptions matching uri.
func (m *Manager) Recipients(uri string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	targets := m.matchLocked(uri)
	ids := make([]string, len(targets))
	for i, sub := range targets {
		ids[i] = sub.id
	}
	return ids
}

// EmitTo notifies one subscription. It returns ErrUnknownSubscription if id
// was removed, or the callback's error.
func (m *Manager) EmitTo(id, uri string, data any) error {
	m.mu.Lock()
	sub, ok := m.byID[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSubscription, id)
	}

	n := Notification{URI: uri, Data: data, Timestamp: m.now().UTC()}
	err := invoke(sub.callback, n)
	m.record(sub, uri, err)
	return err
}

// record updates delivery counters and logs a failed callback.
func (m *Manager) record(sub *subscription, uri string, err error) {
	m.mu.Lock()
	if err != nil {
		sub.failed++
	} else {
		sub.delivered++
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("subscriber callback failed",
			"uri", uri,
			"sub_id", sub.id,
			"error", err)
	}
}

// Emit notifies every subscriber matching uri and returns how many callbacks
// were invoked. Callbacks run concurrently and Emit waits for all of them.
// Callback errors and panics are logged and swallowed.
func (m *Manager) Emit(uri string, data any) int {
	// Copy targets under the lock; callbacks run after it is released.
	m.mu.Lock()
	targets := m.matchLocked(uri)
	m.mu.Unlock()

	if len(targets) == 0 {
		return 0
	}

	n := Notification{URI: uri, Data: data, Timestamp: m.now().UTC()}

	var wg sync.WaitGroup
	for _, sub := range targets {
		wg.Add(1)
		go func(sub *subscription) {
			defer wg.Done()
			m.record(sub, uri, invoke(sub.callback, n))
		}(sub)
	}
	wg.Wait()

	return len(targets)
}

// invoke runs cb, converting a panic into an error.
func invoke(cb Callback, n Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panicked: %v", r)
		}
	}()
	return cb(n)
}

// baseCovers reports whether a wildcard registered on key covers base. The
// key must equal base or be a path-segment prefix of it, so job-1 never
// matches job-10.
func baseCovers(key, base string) bool {
	if key == base {
		return true
	}
	return strings.HasPrefix(base, key+"/")
}

// Count returns the number of active subscriptions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// List returns every subscription sorted by creation time.
func (m *Manager) List() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.byID))
	for _, sub := range m.byID {
		out = append(out, Info{
			ID:        sub.id,
			URI:       sub.uri,
			Wildcard:  sub.wildcard,
			CreatedAt: sub.createdAt,
			Delivered: sub.delivered,
			Failed:    sub.failed,
		})
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Close drops every subscription.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.byID = make(map[string]*subscription)
	m.exact = make(map[string]map[string]*subscription)
	m.wildcard = make(map[string]map[string]*subscription)
	m.logger.Debug("subscription manager closed")
}
