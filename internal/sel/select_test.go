package sel

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigerco/cartridge/internal/keys"
	"github.com/eigerco/cartridge/internal/mailbox"
	"github.com/eigerco/cartridge/internal/metrics"
	"github.com/eigerco/cartridge/internal/watch"
)

type fakeInbox struct {
	box      *mailbox.Mailbox[[]byte]
	done     chan struct{}
	doneOnce sync.Once
}

func newInbox(msgs ...string) *fakeInbox {
	in := &fakeInbox{box: mailbox.New[[]byte](), done: make(chan struct{})}
	for _, m := range msgs {
		in.box.Put([]byte(m))
	}
	return in
}

func (in *fakeInbox) Ready() <-chan struct{}     { return in.box.Ready() }
func (in *fakeInbox) TryReceive() ([]byte, bool) { return in.box.TryPop() }
func (in *fakeInbox) Done() <-chan struct{}      { return in.done }

func (in *fakeInbox) hangUp() {
	in.doneOnce.Do(func() { close(in.done) })
}

// recorder collects dispatched payloads and stops after limit of them.
type recorder struct {
	mu    sync.Mutex
	seen  []string
	limit int
}

func (r *recorder) react(tag string) Reaction[[]byte] {
	return func(_ context.Context, msg []byte) (Result, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.seen = append(r.seen, tag+string(msg))
		if len(r.seen) >= r.limit {
			return Stop, nil
		}
		return Continue, nil
	}
}

func selectWithTimeout(t *testing.T, ctx context.Context, sources ...Source) error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() {
		errCh <- Select(ctx, sources...)
	}()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("select did not return")
		return nil
	}
}

func TestSelect(t *testing.T) {
	tests := []struct {
		name string
		fn   func(t *testing.T)
	}{
		{name: "continue_then_stop", fn: testContinueThenStop},
		{name: "zero_result_stops", fn: testZeroResultStops},
		{name: "disconnect_while_waiting", fn: testDisconnectWhileWaiting},
		{name: "context_cancel", fn: testContextCancel},
		{name: "reaction_error", fn: testReactionError},
		{name: "reaction_panic", fn: testReactionPanic},
		{name: "round_robin", fn: testRoundRobin},
		{name: "wakes_on_late_message", fn: testWakesOnLateMessage},
		{name: "no_sources", fn: testNoSources},
	}

	for _, tc := range tests {
		t.Run(tc.name, tc.fn)
	}
}

func testContinueThenStop(t *testing.T) {
	in := newInbox("1", "2", "3", "4")
	rec := &recorder{limit: 3}

	require.NoError(t, selectWithTimeout(t, context.Background(), Messages(in, rec.react(""))))
	assert.Equal(t, []string{"1", "2", "3"}, rec.seen)
	assert.Equal(t, 1, in.box.Len())
}

func testZeroResultStops(t *testing.T) {
	in := newInbox("1", "2")
	calls := 0
	err := selectWithTimeout(t, context.Background(), Messages(in, func(context.Context, []byte) (Result, error) {
		calls++
		var r Result
		return r, nil
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func testDisconnectWhileWaiting(t *testing.T) {
	in := newInbox()
	dispatched := false
	time.AfterFunc(20*time.Millisecond, in.hangUp)

	err := selectWithTimeout(t, context.Background(), Messages(in, func(context.Context, []byte) (Result, error) {
		dispatched = true
		return Continue, nil
	}))
	require.NoError(t, err)
	assert.False(t, dispatched)
}

func testContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	err := selectWithTimeout(t, ctx, Messages(newInbox(), (&recorder{limit: 1}).react("")))
	assert.ErrorIs(t, err, context.Canceled)
}

func testReactionError(t *testing.T) {
	boom := errors.New("boom")
	in := newInbox("1", "2")
	err := selectWithTimeout(t, context.Background(), Messages(in, func(context.Context, []byte) (Result, error) {
		return Continue, boom
	}))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, in.box.Len())
}

func testReactionPanic(t *testing.T) {
	err := selectWithTimeout(t, context.Background(), Messages(newInbox("1"), func(context.Context, []byte) (Result, error) {
		panic("boom")
	}))
	assert.ErrorIs(t, err, ErrReactionPanic)
	assert.Contains(t, err.Error(), "boom")
}

func testRoundRobin(t *testing.T) {
	a := newInbox("1", "2", "3")
	b := newInbox("1", "2", "3")
	rec := &recorder{limit: 6}

	require.NoError(t, selectWithTimeout(t, context.Background(),
		Messages(a, rec.react("a")),
		Messages(b, rec.react("b")),
	))
	assert.Equal(t, []string{"a1", "b1", "a2", "b2", "a3", "b3"}, rec.seen)
}

func testWakesOnLateMessage(t *testing.T) {
	in := newInbox()
	rec := &recorder{limit: 2}
	time.AfterFunc(10*time.Millisecond, func() { in.box.Put([]byte("1")) })
	time.AfterFunc(30*time.Millisecond, func() { in.box.Put([]byte("2")) })

	require.NoError(t, selectWithTimeout(t, context.Background(), Messages(in, rec.react(""))))
	assert.Equal(t, []string{"1", "2"}, rec.seen)
}

func testNoSources(t *testing.T) {
	assert.ErrorIs(t, Select(context.Background()), ErrNoSources)
}

func TestWatchSource(t *testing.T) {
	reg := watch.NewRegistry()
	promReg := prometheus.NewRegistry()
	mx := New(WithMetrics(metrics.New(promReg)))

	var events []watch.Event
	reaction := func(_ context.Context, ev watch.Event) (Result, error) {
		events = append(events, ev)
		if ev.Initial {
			reg.Notify(1, []watch.Change{{Key: keys.New("chat", "a")}, {Key: keys.New("chat", "b")}})
			reg.Notify(2, []watch.Change{{Key: keys.New("users", "a")}})
			reg.Notify(3, []watch.Change{{Key: keys.New("chat", "c"), Deleted: true}})
		}
		if len(events) == 3 {
			return Stop, nil
		}
		return Continue, nil
	}

	require.NoError(t, mx.Select(context.Background(), Watch(reg, keys.New("chat"), reaction)))
	require.Len(t, events, 3)
	assert.True(t, events[0].Initial)
	assert.EqualValues(t, 1, events[1].Seq)
	assert.Len(t, events[1].Changes, 2)
	assert.EqualValues(t, 3, events[2].Seq)
	assert.True(t, events[2].Changes[0].Deleted)

	assert.Zero(t, reg.Len(), "subscription must be dropped when select returns")

	expected := `
# HELP cartridge_select_dispatches_total Reactions dispatched by the multiplexer, by source kind.
# TYPE cartridge_select_dispatches_total counter
cartridge_select_dispatches_total{source="watch"} 3
`
	assert.NoError(t, testutil.GatherAndCompare(promReg, strings.NewReader(expected), "cartridge_select_dispatches_total"))
}

func TestWatchAndMessages(t *testing.T) {
	reg := watch.NewRegistry()
	in := newInbox()
	var order []string

	onWatch := func(_ context.Context, ev watch.Event) (Result, error) {
		order = append(order, "watch")
		if ev.Initial {
			in.box.Put([]byte("hello"))
		}
		return Continue, nil
	}
	onMessage := func(_ context.Context, msg []byte) (Result, error) {
		order = append(order, string(msg))
		in.hangUp()
		return Continue, nil
	}

	err := selectWithTimeout(t, context.Background(), Watch(reg, keys.New("chat"), onWatch), Messages(in, onMessage))
	require.NoError(t, err)
	assert.Equal(t, []string{"watch", "hello"}, order)
	assert.Zero(t, reg.Len())
}

func TestRegistryClosedWhileWaiting(t *testing.T) {
	reg := watch.NewRegistry()
	reaction := func(_ context.Context, ev watch.Event) (Result, error) {
		return Continue, nil
	}
	time.AfterFunc(20*time.Millisecond, reg.Close)

	require.NoError(t, selectWithTimeout(t, context.Background(), Watch(reg, keys.New(), reaction)))
}

func TestArmFailureDisarmsEarlierSources(t *testing.T) {
	open := watch.NewRegistry()
	closed := watch.NewRegistry()
	closed.Close()
	noop := func(context.Context, watch.Event) (Result, error) { return Stop, nil }

	err := Select(context.Background(), Watch(open, keys.New("a"), noop), Watch(closed, keys.New("b"), noop))
	assert.ErrorIs(t, err, watch.ErrRegistryClosed)
	assert.Zero(t, open.Len())
}
