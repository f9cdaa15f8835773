// Package core is the runtime handed to request handlers: one explicit value
// owning the store, the multiplexer, the renderer, the job scheduler and the
// channel settings.
// It is opened once at startup and closed on shutdown.
package core

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/eigerco/cartridge/internal/channel"
	"github.com/eigerco/cartridge/internal/ident"
	"github.com/eigerco/cartridge/internal/jobs"
	"github.com/eigerco/cartridge/internal/keys"
	"github.com/eigerco/cartridge/internal/metrics"
	"github.com/eigerco/cartridge/internal/render"
	"github.com/eigerco/cartridge/internal/sel"
	"github.com/eigerco/cartridge/internal/store"
	"github.com/eigerco/cartridge/internal/watch"
	"github.com/eigerco/cartridge/pkg/db"
	"github.com/eigerco/cartridge/pkg/log"
)

type Option func(*options)

type options struct {
	registerer   prometheus.Registerer
	ids          ident.Generator
	readLimit    int64
	writeTimeout time.Duration
	checkOrigin  func(r *http.Request) bool
	jobs         []jobs.Option
}

// WithRegisterer registers the runtime metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithIdentifiers replaces the UUID generator handlers and the job
// scheduler draw ids from.
func WithIdentifiers(g ident.Generator) Option {
	return func(o *options) {
		o.ids = g
	}
}

// WithChannelLimits bounds inbound message size and outbound write time of
// upgraded connections.
func WithChannelLimits(readLimit int64, writeTimeout time.Duration) Option {
	return func(o *options) {
		o.readLimit = readLimit
		o.writeTimeout = writeTimeout
	}
}

func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(o *options) {
		o.checkOrigin = fn
	}
}

// WithJobs configures the job scheduler.
func WithJobs(opts ...jobs.Option) Option {
	return func(o *options) {
		o.jobs = append(o.jobs, opts...)
	}
}

type Runtime struct {
	store    *store.Store
	mux      *sel.Multiplexer
	renderer *render.Renderer
	ids      ident.Generator
	jobs     *jobs.Scheduler
	metrics  *metrics.Metrics
	upgrade  channel.UpgradeOptions
}

// Open builds a runtime owning medium.
func Open(medium db.KVStore, opts ...Option) (*Runtime, error) {
	o := options{ids: ident.UUID{}}
	for _, opt := range opts {
		opt(&o)
	}

	var m *metrics.Metrics
	if o.registerer != nil {
		m = metrics.New(o.registerer)
	}

	s, err := store.Open(medium, store.WithMetrics(m))
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		store:    s,
		mux:      sel.New(sel.WithMetrics(m)),
		renderer: render.New(s),
		ids:      o.ids,
		metrics:  m,
	}
	rt.jobs = jobs.New(s, append([]jobs.Option{
		jobs.WithIdentifiers(o.ids),
		jobs.WithMetrics(m),
	}, o.jobs...)...)
	rt.upgrade = channel.UpgradeOptions{
		ReadLimit:    o.readLimit,
		WriteTimeout: o.writeTimeout,
		CheckOrigin:  o.checkOrigin,
		Session: []channel.Option{
			channel.WithRenderer(rt.renderer),
			channel.WithMetrics(m),
		},
	}
	return rt, nil
}

func (rt *Runtime) Close() error {
	log.App.Info().Msg("closing runtime")
	return rt.store.Close()
}

func (rt *Runtime) Store() *store.Store {
	return rt.store
}

func (rt *Runtime) Renderer() *render.Renderer {
	return rt.renderer
}

func (rt *Runtime) IDs() ident.Generator {
	return rt.ids
}

// Jobs is the scheduler of the runtime's job queue. It starts jobs only
// while its Run is active.
func (rt *Runtime) Jobs() *jobs.Scheduler {
	return rt.jobs
}

func (rt *Runtime) Read(fn func(tx *store.ReadTx) error) error {
	return rt.store.Read(fn)
}

func (rt *Runtime) Write(fn func(tx *store.WriteTx) error) error {
	return rt.store.Write(fn)
}

// Watch returns a source reacting to commits under prefix.
func (rt *Runtime) Watch(prefix keys.Key, reaction sel.Reaction[watch.Event]) sel.Source {
	return sel.Watch(rt.store.Watches(), prefix, reaction)
}

// Messages returns a source reacting to inbound messages of session.
func (rt *Runtime) Messages(session *channel.Session, reaction sel.Reaction[[]byte]) sel.Source {
	return sel.Messages(session, reaction)
}

func (rt *Runtime) Select(ctx context.Context, sources ...sel.Source) error {
	return rt.mux.Select(ctx, sources...)
}

// Upgrade turns the request into a realtime session. Sessions render with
// the runtime's templates.
func (rt *Runtime) Upgrade(w http.ResponseWriter, r *http.Request) (*channel.Session, error) {
	return channel.Upgrade(w, r, rt.upgrade)
}

// ListenQUIC binds a QUIC listener whose stream sessions render with the
// runtime's templates.
func (rt *Runtime) ListenQUIC(addr string, tlsConf *tls.Config) (*channel.QUICListener, error) {
	return channel.ListenQUIC(addr, tlsConf, rt.upgrade.Session...)
}
