// Package watch tracks interest in key prefixes and routes committed changes
// to the subscriptions whose prefix they fall under.
package watch

import (
	"bytes"
	"errors"
	"sort"
	"sync"

	"github.com/eigerco/cartridge/internal/keys"
	"github.com/eigerco/cartridge/internal/mailbox"
	"github.com/eigerco/cartridge/internal/metrics"
	"github.com/eigerco/cartridge/pkg/log"
)

var ErrRegistryClosed = errors.New("watch registry is closed")

// Change is a single key written or deleted by a commit.
type Change struct {
	Key     keys.Key
	Deleted bool
}

// Event is delivered once per commit to every subscription the commit
// touched. Changes only holds the keys under the subscription's prefix.
type Event struct {
	// Seq is the commit sequence number, or the latest sequence at
	// subscription time for the initial event.
	Seq uint64
	// Initial marks the event queued when the subscription is created.
	Initial bool
	Changes []Change
}

type Option func(*Registry)

// WithLastSeq seeds the sequence reported by initial events.
func WithLastSeq(seq uint64) Option {
	return func(r *Registry) {
		r.lastSeq = seq
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// Registry holds the active subscriptions. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	nextID  uint64
	subs    map[uint64]*Subscription
	lastSeq uint64
	closed  bool
	metrics *metrics.Metrics
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{subs: make(map[uint64]*Subscription)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers interest in every key under prefix. The subscription
// starts with one Initial event queued.
func (r *Registry) Subscribe(prefix keys.Key) (*Subscription, error) {
	if err := prefix.ValidatePrefix(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}

	r.nextID++
	sub := &Subscription{
		id:      r.nextID,
		prefix:  append(keys.Key(nil), prefix...),
		enc:     prefix.Encode(nil),
		box:     mailbox.New[Event](),
		reg:     r,
		removed: make(chan struct{}),
	}
	sub.box.Put(Event{Seq: r.lastSeq, Initial: true})
	r.subs[sub.id] = sub
	r.metrics.SubscriptionAdded()

	log.Watch.Debug().Uint64("id", sub.id).Stringer("prefix", sub.prefix).Msg("subscribed")
	return sub, nil
}

// Unsubscribe drops the subscription and any events still queued for it.
// It is safe to call more than once.
func (r *Registry) Unsubscribe(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[sub.id]; !ok {
		return
	}
	delete(r.subs, sub.id)
	sub.box.Close()
	close(sub.removed)
	r.metrics.SubscriptionRemoved()

	log.Watch.Debug().Uint64("id", sub.id).Stringer("prefix", sub.prefix).Msg("unsubscribed")
}

// Notify routes the changes of one commit. It must be called exactly once
// per successful commit, in commit order. It never blocks on subscribers.
func (r *Registry) Notify(seq uint64, changes []Change) {
	touched := make([]encodedChange, len(changes))
	for i, c := range changes {
		touched[i] = encodedChange{enc: c.Key.Encode(nil), change: c}
	}
	sort.Slice(touched, func(i, j int) bool {
		return bytes.Compare(touched[i].enc, touched[j].enc) < 0
	})

	r.mu.Lock()
	defer r.mu.Unlock()

	if seq > r.lastSeq {
		r.lastSeq = seq
	}

	delivered := 0
	for _, sub := range r.subs {
		matched := sub.match(touched)
		if len(matched) == 0 {
			continue
		}
		if sub.box.Put(Event{Seq: seq, Changes: matched}) {
			delivered++
		}
	}
	r.metrics.Notified(delivered)

	log.Watch.Debug().Uint64("seq", seq).Int("changes", len(changes)).Int("delivered", delivered).Msg("commit routed")
}

// LastSeq returns the highest commit sequence seen.
func (r *Registry) LastSeq() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSeq
}

// Len returns the number of active subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Close drops every subscription and rejects new ones.
func (r *Registry) Close() {
	r.mu.Lock()
	subs := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.closed = true
	r.mu.Unlock()

	for _, sub := range subs {
		r.Unsubscribe(sub)
	}
}

type encodedChange struct {
	enc    []byte
	change Change
}

// Subscription is one registered prefix. Events are consumed with Ready and
// TryNext by a single consumer.
type Subscription struct {
	id      uint64
	prefix  keys.Key
	enc     []byte
	box     *mailbox.Mailbox[Event]
	reg     *Registry
	removed chan struct{}
}

func (s *Subscription) Prefix() keys.Key {
	return s.prefix
}

// Ready fires when at least one event is queued.
func (s *Subscription) Ready() <-chan struct{} {
	return s.box.Ready()
}

// Removed is closed once the subscription has been unsubscribed.
func (s *Subscription) Removed() <-chan struct{} {
	return s.removed
}

// TryNext pops the oldest queued event without blocking.
func (s *Subscription) TryNext() (Event, bool) {
	return s.box.TryPop()
}

func (s *Subscription) Close() {
	s.reg.Unsubscribe(s)
}

// match returns the changes under the subscription prefix. touched must be
// sorted by encoding, so the family is one contiguous run.
func (s *Subscription) match(touched []encodedChange) []Change {
	i := sort.Search(len(touched), func(i int) bool {
		return bytes.Compare(touched[i].enc, s.enc) >= 0
	})
	var out []Change
	for ; i < len(touched) && bytes.HasPrefix(touched[i].enc, s.enc); i++ {
		out = append(out, touched[i].change)
	}
	return out
}
