package sel

import (
	"context"

	"github.com/eigerco/cartridge/internal/keys"
	"github.com/eigerco/cartridge/internal/watch"
)

// Result tells the multiplexer what to do after a reaction returns.
type Result int

const (
	// Stop ends the Select invocation. It is the zero value, so a reaction
	// that does not decide stops.
	Stop Result = iota
	// Continue re-arms every source and waits for the next event.
	Continue
)

func (r Result) String() string {
	switch r {
	case Stop:
		return "stop"
	case Continue:
		return "continue"
	default:
		return "unknown"
	}
}

// Reaction handles one event of a source.
type Reaction[E any] func(ctx context.Context, ev E) (Result, error)

// Source is something Select can wait on. Sources are armed when Select
// starts and disarmed when it returns; one Source value may be passed to
// several Select calls one after the other.
type Source interface {
	kind() string
	arm() (armed, error)
}

type armed interface {
	// ready fires when poll may return an event.
	ready() <-chan struct{}
	// gone is closed once the source can produce nothing new. It may be nil.
	gone() <-chan struct{}
	// poll takes the next pending event without blocking and binds it to
	// its reaction.
	poll() (func(ctx context.Context) (Result, error), bool)
	disarm()
}

// Subscriber registers prefix watches. *watch.Registry implements it.
type Subscriber interface {
	Subscribe(prefix keys.Key) (*watch.Subscription, error)
}

type watchSource struct {
	reg      Subscriber
	prefix   keys.Key
	reaction Reaction[watch.Event]
}

// Watch reacts to commits touching keys under prefix, one event per commit.
// The first event after arming is the Initial one.
func Watch(reg Subscriber, prefix keys.Key, reaction Reaction[watch.Event]) Source {
	return &watchSource{reg: reg, prefix: prefix, reaction: reaction}
}

func (w *watchSource) kind() string {
	return "watch"
}

func (w *watchSource) arm() (armed, error) {
	sub, err := w.reg.Subscribe(w.prefix)
	if err != nil {
		return nil, err
	}
	return &armedWatch{sub: sub, reaction: w.reaction}, nil
}

type armedWatch struct {
	sub      *watch.Subscription
	reaction Reaction[watch.Event]
}

func (a *armedWatch) ready() <-chan struct{} { return a.sub.Ready() }
func (a *armedWatch) gone() <-chan struct{}  { return a.sub.Removed() }
func (a *armedWatch) disarm()                { a.sub.Close() }

func (a *armedWatch) poll() (func(ctx context.Context) (Result, error), bool) {
	ev, ok := a.sub.TryNext()
	if !ok {
		return nil, false
	}
	return func(ctx context.Context) (Result, error) {
		return a.reaction(ctx, ev)
	}, true
}

// Inbox is the receiving side of a channel session.
type Inbox interface {
	// Ready fires when TryReceive may return a message.
	Ready() <-chan struct{}
	TryReceive() ([]byte, bool)
	// Done is closed when the peer is gone or the session was closed.
	Done() <-chan struct{}
}

type messageSource struct {
	inbox    Inbox
	reaction Reaction[[]byte]
}

// Messages reacts to every inbound message of a channel session. When the
// session ends while Select is waiting, Select returns without dispatching.
func Messages(inbox Inbox, reaction Reaction[[]byte]) Source {
	return &messageSource{inbox: inbox, reaction: reaction}
}

func (m *messageSource) kind() string {
	return "messages"
}

func (m *messageSource) arm() (armed, error) {
	return m, nil
}

func (m *messageSource) ready() <-chan struct{} { return m.inbox.Ready() }
func (m *messageSource) gone() <-chan struct{}  { return m.inbox.Done() }
func (m *messageSource) disarm()                {}

func (m *messageSource) poll() (func(ctx context.Context) (Result, error), bool) {
	msg, ok := m.inbox.TryReceive()
	if !ok {
		return nil, false
	}
	return func(ctx context.Context) (Result, error) {
		return m.reaction(ctx, msg)
	}, true
}
