// Package metrics holds the prometheus collectors of the runtime core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cartridge"

type Metrics struct {
	commits             prometheus.Counter
	commitFailures      prometheus.Counter
	commitDuration      prometheus.Histogram
	committedChanges    prometheus.Counter
	notifications       prometheus.Counter
	activeSubscriptions prometheus.Gauge
	activeSelects       prometheus.Gauge
	dispatches          *prometheus.CounterVec
	messagesReceived    prometheus.Counter
	messagesSent        prometheus.Counter
	jobsScheduled       prometheus.Counter
	jobsFinished        *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "storage", Name: "commits_total",
			Help: "Successfully committed write transactions.",
		}),
		commitFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "storage", Name: "commit_failures_total",
			Help: "Write transactions whose commit was rejected by the storage medium.",
		}),
		commitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "storage", Name: "commit_duration_seconds",
			Help:    "Time spent applying a write transaction to the storage medium.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		committedChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "storage", Name: "committed_changes_total",
			Help: "Keys written or deleted by committed transactions.",
		}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "watch", Name: "notifications_total",
			Help: "Watch events queued for subscriptions.",
		}),
		activeSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "watch", Name: "active_subscriptions",
			Help: "Currently registered watch subscriptions.",
		}),
		activeSelects: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "select", Name: "active_invocations",
			Help: "Multiplexer invocations currently waiting or dispatching.",
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "select", Name: "dispatches_total",
			Help: "Reactions dispatched by the multiplexer, by source kind.",
		}, []string{"source"}),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "channel", Name: "messages_received_total",
			Help: "Inbound channel messages.",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "channel", Name: "messages_sent_total",
			Help: "Outbound channel messages.",
		}),
		jobsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "scheduled_total",
			Help: "Jobs queued by committed or pending transactions.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "finished_total",
			Help: "Jobs that ran to completion, by outcome.",
		}, []string{"outcome"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.commits, m.commitFailures, m.commitDuration, m.committedChanges,
			m.notifications, m.activeSubscriptions, m.activeSelects, m.dispatches,
			m.messagesReceived, m.messagesSent, m.jobsScheduled, m.jobsFinished,
		)
	}
	return m
}

func (m *Metrics) ObserveCommit(d time.Duration, changes int) {
	if m == nil {
		return
	}
	m.commits.Inc()
	m.commitDuration.Observe(d.Seconds())
	m.committedChanges.Add(float64(changes))
}

func (m *Metrics) CommitFailed() {
	if m == nil {
		return
	}
	m.commitFailures.Inc()
}

func (m *Metrics) Notified(n int) {
	if m == nil {
		return
	}
	m.notifications.Add(float64(n))
}

func (m *Metrics) SubscriptionAdded() {
	if m == nil {
		return
	}
	m.activeSubscriptions.Inc()
}

func (m *Metrics) SubscriptionRemoved() {
	if m == nil {
		return
	}
	m.activeSubscriptions.Dec()
}

func (m *Metrics) SelectStarted() {
	if m == nil {
		return
	}
	m.activeSelects.Inc()
}

func (m *Metrics) SelectFinished() {
	if m == nil {
		return
	}
	m.activeSelects.Dec()
}

func (m *Metrics) Dispatched(source string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(source).Inc()
}

func (m *Metrics) MessageReceived() {
	if m == nil {
		return
	}
	m.messagesReceived.Inc()
}

func (m *Metrics) MessageSent() {
	if m == nil {
		return
	}
	m.messagesSent.Inc()
}

func (m *Metrics) JobScheduled() {
	if m == nil {
		return
	}
	m.jobsScheduled.Inc()
}

func (m *Metrics) JobFinished(outcome string) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(outcome).Inc()
}
