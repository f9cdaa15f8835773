// Package sel is the event multiplexer: one Select call waits on several
// sources and runs their reactions one at a time until a reaction stops it.
package sel

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/eigerco/cartridge/internal/metrics"
	"github.com/eigerco/cartridge/pkg/log"
)

var (
	ErrNoSources     = errors.New("select needs at least one source")
	ErrReactionPanic = errors.New("reaction panicked")
)

type state uint8

const (
	waiting state = iota
	dispatching
	done
)

func (s state) String() string {
	switch s {
	case waiting:
		return "WAITING"
	case dispatching:
		return "DISPATCHING"
	default:
		return "DONE"
	}
}

type Option func(*Multiplexer)

func WithMetrics(m *metrics.Metrics) Option {
	return func(mx *Multiplexer) {
		mx.metrics = m
	}
}

// Multiplexer runs Select invocations. It holds no per-invocation state and
// is safe for concurrent use.
type Multiplexer struct {
	metrics *metrics.Metrics
}

func New(opts ...Option) *Multiplexer {
	mx := &Multiplexer{}
	for _, opt := range opts {
		opt(mx)
	}
	return mx
}

var defaultMultiplexer = New()

// Select runs an invocation on a Multiplexer without metrics.
func Select(ctx context.Context, sources ...Source) error {
	return defaultMultiplexer.Select(ctx, sources...)
}

// Select arms every source and dispatches their events until one of:
//   - a reaction returns Stop (nil is returned) or an error (returned as is),
//   - a source goes away while waiting, such as a client disconnect (nil),
//   - ctx is cancelled (ctx.Err()).
//
// Reactions never run concurrently. When several sources have events
// pending, they are served round-robin starting after the source that was
// dispatched last, so a busy source cannot starve the others.
func (mx *Multiplexer) Select(ctx context.Context, sources ...Source) error {
	if len(sources) == 0 {
		return ErrNoSources
	}

	inv := &invocation{mx: mx, kinds: make([]string, len(sources))}
	defer inv.disarm()
	for i, src := range sources {
		a, err := src.arm()
		if err != nil {
			return fmt.Errorf("arm %s source: %w", src.kind(), err)
		}
		inv.armed = append(inv.armed, a)
		inv.kinds[i] = src.kind()
	}

	mx.metrics.SelectStarted()
	defer mx.metrics.SelectFinished()
	log.Select.Debug().Int("sources", len(sources)).Msg("select started")

	return inv.run(ctx)
}

type invocation struct {
	mx    *Multiplexer
	armed []armed
	kinds []string
	state state
	next  int
	cases []reflect.SelectCase
}

func (inv *invocation) run(ctx context.Context) error {
	for {
		inv.state = waiting
		if err := ctx.Err(); err != nil {
			inv.finish("cancelled")
			return err
		}
		if idx, ok := inv.anyGone(); ok {
			inv.finish(inv.kinds[idx] + " source gone")
			return nil
		}

		idx, dispatch, ok := inv.pollRoundRobin()
		if !ok {
			inv.wait(ctx)
			continue
		}

		inv.state = dispatching
		inv.next = (idx + 1) % len(inv.armed)
		inv.mx.metrics.Dispatched(inv.kinds[idx])

		res, err := runReaction(ctx, dispatch)
		if err != nil {
			inv.finish("reaction failed")
			return err
		}
		if res != Continue {
			inv.finish("stopped")
			return nil
		}
	}
}

func (inv *invocation) anyGone() (int, bool) {
	for i, a := range inv.armed {
		ch := a.gone()
		if ch == nil {
			continue
		}
		select {
		case <-ch:
			return i, true
		default:
		}
	}
	return 0, false
}

func (inv *invocation) pollRoundRobin() (int, func(context.Context) (Result, error), bool) {
	n := len(inv.armed)
	for i := 0; i < n; i++ {
		idx := (inv.next + i) % n
		if dispatch, ok := inv.armed[idx].poll(); ok {
			return idx, dispatch, true
		}
	}
	return 0, nil, false
}

// wait blocks until ctx is done or any source signals readiness or goes
// away. Which one woke it does not matter: the loop re-checks everything.
func (inv *invocation) wait(ctx context.Context) {
	if inv.cases == nil {
		inv.cases = append(inv.cases, reflect.SelectCase{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(ctx.Done()),
		})
		for _, a := range inv.armed {
			inv.cases = append(inv.cases, reflect.SelectCase{
				Dir:  reflect.SelectRecv,
				Chan: reflect.ValueOf(a.ready()),
			})
			if ch := a.gone(); ch != nil {
				inv.cases = append(inv.cases, reflect.SelectCase{
					Dir:  reflect.SelectRecv,
					Chan: reflect.ValueOf(ch),
				})
			}
		}
	}
	reflect.Select(inv.cases)
}

func (inv *invocation) finish(reason string) {
	inv.state = done
	log.Select.Debug().Stringer("state", inv.state).Str("reason", reason).Msg("select finished")
}

func (inv *invocation) disarm() {
	for _, a := range inv.armed {
		a.disarm()
	}
}

func runReaction(ctx context.Context, dispatch func(context.Context) (Result, error)) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Select.Error().Interface("panic", p).Msg("reaction panicked")
			res, err = Stop, fmt.Errorf("%w: %v", ErrReactionPanic, p)
		}
	}()
	return dispatch(ctx)
}
