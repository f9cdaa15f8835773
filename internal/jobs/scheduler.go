package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eigerco/cartridge/internal/ident"
	"github.com/eigerco/cartridge/internal/metrics"
	"github.com/eigerco/cartridge/internal/sel"
	"github.com/eigerco/cartridge/internal/store"
	"github.com/eigerco/cartridge/internal/watch"
	"github.com/eigerco/cartridge/pkg/log"
)

const DefaultHistorySize = 100

type Option func(*Scheduler)

// WithHistorySize bounds how many succeeded and how many failed records are
// kept. Values below 1 are ignored.
func WithHistorySize(n int) Option {
	return func(sc *Scheduler) {
		if n >= 1 {
			sc.history = n
		}
	}
}

// WithCleanup deletes, every interval, finished records older than keep.
// A zero interval disables it.
func WithCleanup(interval, keep time.Duration) Option {
	return func(sc *Scheduler) {
		sc.cleanupInterval = interval
		sc.keep = keep
	}
}

func WithIdentifiers(g ident.Generator) Option {
	return func(sc *Scheduler) {
		sc.ids = g
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(sc *Scheduler) {
		sc.metrics = m
	}
}

func withClock(now func() time.Time) Option {
	return func(sc *Scheduler) {
		sc.now = now
	}
}

type Scheduler struct {
	store           *store.Store
	mux             *sel.Multiplexer
	ids             ident.Generator
	metrics         *metrics.Metrics
	history         int
	cleanupInterval time.Duration
	keep            time.Duration
	now             func() time.Time

	mu    sync.RWMutex
	funcs map[string]Func

	running atomic.Bool
	wg      sync.WaitGroup
}

func New(s *store.Store, opts ...Option) *Scheduler {
	sc := &Scheduler{
		store:   s,
		ids:     ident.UUID{},
		history: DefaultHistorySize,
		now:     time.Now,
		funcs:   make(map[string]Func),
	}
	for _, opt := range opts {
		opt(sc)
	}
	sc.mux = sel.New(sel.WithMetrics(sc.metrics))
	return sc
}

// Register binds name to fn. Jobs can only be scheduled under registered
// names.
func (sc *Scheduler) Register(name string, fn Func) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if _, ok := sc.funcs[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}
	sc.funcs[name] = fn
	return nil
}

func (sc *Scheduler) lookup(name string) (Func, bool) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	fn, ok := sc.funcs[name]
	return fn, ok
}

// Schedule queues name as part of tx and returns the job id. params is
// encoded as JSON. The job runs only if tx commits.
func (sc *Scheduler) Schedule(tx *store.WriteTx, name string, params any) (string, error) {
	if _, ok := sc.lookup(name); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode params of %s: %w", name, err)
	}
	id, err := sc.ids.Ordered()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}

	rec := Record{ID: id, Name: name, Params: raw, ScheduledAt: sc.now().UTC()}
	if err := put(tx, Scheduled, rec); err != nil {
		return "", err
	}
	sc.metrics.JobScheduled()
	return id, nil
}

// Run starts scheduled jobs as they are committed until ctx is done, then
// waits for the jobs it started. Jobs still running at that point observe
// the cancelled context and are left for the next Run to requeue.
func (sc *Scheduler) Run(ctx context.Context) error {
	if !sc.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer sc.running.Store(false)

	n, err := sc.requeueInterrupted()
	if err != nil {
		return fmt.Errorf("requeue interrupted jobs: %w", err)
	}
	if n > 0 {
		log.Jobs.Info().Int("jobs", n).Msg("requeued interrupted jobs")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		sc.wg.Wait()
	}()

	if sc.cleanupInterval > 0 {
		sc.wg.Add(1)
		go sc.cleanupLoop(ctx)
	}

	log.Jobs.Info().Int("history", sc.history).Msg("scheduler started")
	err = sc.mux.Select(ctx, sel.Watch(sc.store.Watches(), Prefix(Scheduled),
		func(ctx context.Context, _ watch.Event) (sel.Result, error) {
			if err := sc.startScheduled(ctx); err != nil {
				log.Jobs.Error().Err(err).Msg("start scheduled jobs")
			}
			return sel.Continue, nil
		}))
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	log.Jobs.Info().Err(err).Msg("scheduler stopped")
	return err
}

func (sc *Scheduler) requeueInterrupted() (int, error) {
	return store.WriteValue(sc.store, func(tx *store.WriteTx) (int, error) {
		recs, err := List(tx, Running)
		if err != nil {
			return 0, err
		}
		for _, rec := range recs {
			rec.StartedAt = time.Time{}
			if err := move(tx, Running, Scheduled, rec); err != nil {
				return 0, err
			}
		}
		return len(recs), nil
	})
}

// startScheduled moves every scheduled job to running in one transaction
// and starts them.
func (sc *Scheduler) startScheduled(ctx context.Context) error {
	started, err := store.WriteValue(sc.store, func(tx *store.WriteTx) ([]Record, error) {
		recs, err := List(tx, Scheduled)
		if err != nil {
			return nil, err
		}
		now := sc.now().UTC()
		for i := range recs {
			recs[i].StartedAt = now
			if err := move(tx, Scheduled, Running, recs[i]); err != nil {
				return nil, err
			}
		}
		return recs, nil
	})
	if err != nil {
		return err
	}

	for _, rec := range started {
		sc.wg.Add(1)
		go sc.run(ctx, rec)
	}
	return nil
}

func (sc *Scheduler) run(ctx context.Context, rec Record) {
	defer sc.wg.Done()
	logger := log.Jobs.With().Str("job_id", rec.ID).Str("name", rec.Name).Logger()
	logger.Debug().Msg("job started")

	err := sc.call(ctx, rec)
	if err != nil && ctx.Err() != nil {
		logger.Info().Err(err).Msg("job interrupted")
		return
	}

	status := Succeeded
	rec.FinishedAt = sc.now().UTC()
	if err != nil {
		status = Failed
		rec.Error = err.Error()
		logger.Warn().Err(err).Msg("job failed")
	} else {
		logger.Debug().Msg("job succeeded")
	}

	err = sc.store.Write(func(tx *store.WriteTx) error {
		if err := tx.Delete(Prefix(Running).Append(rec.ID)); err != nil {
			return err
		}
		if _, err := store.TrimToSize(tx, Prefix(status), sc.history-1); err != nil {
			return err
		}
		return put(tx, status, rec)
	})
	if err != nil {
		logger.Error().Err(err).Msg("record job outcome")
		return
	}
	sc.metrics.JobFinished(string(status))
}

func (sc *Scheduler) call(ctx context.Context, rec Record) (err error) {
	fn, ok := sc.lookup(rec.Name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, rec.Name)
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrJobPanicked, p)
		}
	}()
	return fn(ctx, rec.Params)
}
