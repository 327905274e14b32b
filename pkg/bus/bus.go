package bus

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_bus_published_total",
		Help: "Messages published on the in-process bus, by kind.",
	}, []string{"kind"})

	handlerErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_bus_handler_errors_total",
		Help: "Handler panics caught during bus delivery.",
	})
)

// Handler receives a published message. Handlers run synchronously on the
// publisher's goroutine; a slow handler delays delivery to the rest.
type Handler func(*Message)

// Metrics is a copy of the bus counters.
type Metrics struct {
	Published     uint64 `json:"published"`
	Handled       uint64 `json:"handled"`
	HandlerErrors uint64 `json:"handler_errors"`
}

type handlerEntry struct {
	id string
	fn Handler
}

// Bus is a process-local publish/subscribe bus keyed by message kind.
// Handlers fire before per-client callbacks; within one Publish, handlers
// run in registration order. Safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]handlerEntry
	clients  map[string]map[string]Handler // kind → clientID → callback

	published     uint64
	handled       uint64
	handlerErrors uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		handlers: make(map[string][]handlerEntry),
		clients:  make(map[string]map[string]Handler),
	}
}

// RegisterHandler adds a handler for kind and returns a registration id
// for UnregisterHandler.
func (b *Bus) RegisterHandler(kind string, fn Handler) string {
	id := uuid.New().String()
	b.mu.Lock()
	b.handlers[kind] = append(b.handlers[kind], handlerEntry{id: id, fn: fn})
	b.mu.Unlock()
	return id
}

// UnregisterHandler removes a previously registered handler. Returns false
// when the registration id is unknown.
func (b *Bus) UnregisterHandler(kind, id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.handlers[kind]
	for i, entry := range entries {
		if entry.id == id {
			b.handlers[kind] = append(entries[:i:i], entries[i+1:]...)
			return true
		}
	}
	return false
}

// SubscribeClient registers a per-client delivery callback for kind.
// Subscribing the same client to the same kind replaces the callback.
func (b *Bus) SubscribeClient(clientID, kind string, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.clients[kind] == nil {
		b.clients[kind] = make(map[string]Handler)
	}
	b.clients[kind][clientID] = fn
}

// UnsubscribeClient removes a client's subscriptions. With no kinds given,
// every subscription of that client is removed.
func (b *Bus) UnsubscribeClient(clientID string, kinds ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(kinds) == 0 {
		for kind, subs := range b.clients {
			delete(subs, clientID)
			if len(subs) == 0 {
				delete(b.clients, kind)
			}
		}
		return
	}
	for _, kind := range kinds {
		if subs, ok := b.clients[kind]; ok {
			delete(subs, clientID)
			if len(subs) == 0 {
				delete(b.clients, kind)
			}
		}
	}
}

// Publish delivers m to every handler and subscribed client for its kind.
// Returns true iff at least one receiver was called. Receiver panics are
// caught, counted and logged; they never interrupt delivery to the rest.
func (b *Bus) Publish(m *Message) bool {
	// Snapshot receivers so registrations during delivery cannot corrupt
	// iteration. Handlers registered mid-publish see the next publish.
	b.mu.RLock()
	entries := make([]handlerEntry, len(b.handlers[m.Type]))
	copy(entries, b.handlers[m.Type])
	callbacks := make([]Handler, 0, len(b.clients[m.Type]))
	for _, fn := range b.clients[m.Type] {
		callbacks = append(callbacks, fn)
	}
	b.mu.RUnlock()

	b.mu.Lock()
	b.published++
	b.mu.Unlock()
	publishedTotal.WithLabelValues(m.Type).Inc()

	delivered := false
	for _, entry := range entries {
		b.invoke(entry.fn, m)
		delivered = true
	}
	for _, fn := range callbacks {
		b.invoke(fn, m)
		delivered = true
	}
	return delivered
}

// invoke runs a single receiver with panic isolation.
func (b *Bus) invoke(fn Handler, m *Message) {
	defer func() {
		if r := recover(); r != nil {
			b.mu.Lock()
			b.handlerErrors++
			b.mu.Unlock()
			handlerErrorsTotal.Inc()
			slog.Warn("Bus handler panicked", "kind", m.Type, "message_id", m.ID, "panic", r)
		}
	}()
	fn(m)
	b.mu.Lock()
	b.handled++
	b.mu.Unlock()
}

// Metrics returns a copy of the bus counters.
func (b *Bus) Metrics() Metrics {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Metrics{
		Published:     b.published,
		Handled:       b.handled,
		HandlerErrors: b.handlerErrors,
	}
}
