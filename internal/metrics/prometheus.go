package metrics

import (
	"log"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Scheduler metrics
	postsScheduledTotal prometheus.Counter
	postsFiredTotal     prometheus.Counter
	postsMissedTotal    prometheus.Counter
	fireLateness        prometheus.Histogram
	syncsTotal          prometheus.Counter
	syncErrorsTotal     prometheus.Counter
	syncDuration        prometheus.Histogram
	pendingEntries      prometheus.Gauge

	// Dispatcher metrics
	deliveryAttemptsTotal *prometheus.CounterVec
	deliveryOutcomesTotal *prometheus.CounterVec
	sendDuration          prometheus.Histogram
	retryAttemptsTotal    prometheus.Counter
	eventsInFlight        prometheus.Gauge
	cleanupFailuresTotal  prometheus.Counter

	// EventBus metrics
	bufferSize      prometheus.Gauge
	bufferCapacity  prometheus.Gauge
	emitErrorsTotal prometheus.Counter

	// Reconciler metrics
	orphanedPosts    prometheus.Gauge
	postsPurgedTotal prometheus.Counter

	// Leader election metrics
	leaderStatus        prometheus.Gauge
	leaderAcquiredTotal prometheus.Counter
	leaderLostTotal     *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initSchedulerMetrics(reg)
	s.initDispatcherMetrics(reg)
	s.initEventBusMetrics(reg)
	s.initReconcilerMetrics(reg)
	s.initLeaderMetrics(reg)
	return s
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.postsScheduledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "postcron_scheduler_posts_scheduled_total",
		Help: "Total number of posts registered with the scheduler engine.",
	})
	s.postsFiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "postcron_scheduler_posts_fired_total",
		Help: "Total number of posts claimed and handed to the dispatcher.",
	})
	s.postsMissedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "postcron_scheduler_posts_missed_total",
		Help: "Total number of posts dropped because they were overdue beyond the misfire grace.",
	})
	s.fireLateness = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "postcron_scheduler_fire_lateness_seconds",
		Help:    "Delay between a post's requested fire time and its claim.",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 60, 300},
	})
	s.syncsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "postcron_scheduler_syncs_total",
		Help: "Total number of store synchronizations.",
	})
	s.syncErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "postcron_scheduler_sync_errors_total",
		Help: "Total number of failed store synchronizations.",
	})
	s.syncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "postcron_scheduler_sync_duration_seconds",
		Help:    "Duration of each store synchronization in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
	s.pendingEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "postcron_scheduler_pending_entries",
		Help: "Number of posts currently registered with the scheduler engine.",
	})

	s.register(reg, s.postsScheduledTotal, "postcron_scheduler_posts_scheduled_total")
	s.register(reg, s.postsFiredTotal, "postcron_scheduler_posts_fired_total")
	s.register(reg, s.postsMissedTotal, "postcron_scheduler_posts_missed_total")
	s.register(reg, s.fireLateness, "postcron_scheduler_fire_lateness_seconds")
	s.register(reg, s.syncsTotal, "postcron_scheduler_syncs_total")
	s.register(reg, s.syncErrorsTotal, "postcron_scheduler_sync_errors_total")
	s.register(reg, s.syncDuration, "postcron_scheduler_sync_duration_seconds")
	s.register(reg, s.pendingEntries, "postcron_scheduler_pending_entries")
}

func (s *PrometheusSink) initDispatcherMetrics(reg prometheus.Registerer) {
	s.deliveryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "postcron_dispatcher_delivery_attempts_total",
		Help: "Total number of delivery attempts.",
	}, []string{"attempt", "class"})

	s.deliveryOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "postcron_dispatcher_delivery_outcomes_total",
		Help: "Total number of final delivery outcomes per post.",
	}, []string{"outcome"})

	s.sendDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "postcron_dispatcher_send_duration_seconds",
		Help:    "Bot API send latency in seconds (excludes backoff wait).",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	s.retryAttemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "postcron_dispatcher_retry_attempts_total",
		Help: "Total number of retry attempts (excludes first attempt).",
	})

	s.eventsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "postcron_dispatcher_events_in_flight",
		Help: "Number of posts currently being delivered.",
	})

	s.cleanupFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "postcron_dispatcher_cleanup_failures_total",
		Help: "Total number of staged media files that could not be deleted.",
	})

	s.register(reg, s.deliveryAttemptsTotal, "postcron_dispatcher_delivery_attempts_total")
	s.register(reg, s.deliveryOutcomesTotal, "postcron_dispatcher_delivery_outcomes_total")
	s.register(reg, s.sendDuration, "postcron_dispatcher_send_duration_seconds")
	s.register(reg, s.retryAttemptsTotal, "postcron_dispatcher_retry_attempts_total")
	s.register(reg, s.eventsInFlight, "postcron_dispatcher_events_in_flight")
	s.register(reg, s.cleanupFailuresTotal, "postcron_dispatcher_cleanup_failures_total")
}

func (s *PrometheusSink) initEventBusMetrics(reg prometheus.Registerer) {
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "postcron_eventbus_buffer_size",
		Help: "Current number of events in the event bus buffer.",
	})
	s.bufferCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "postcron_eventbus_buffer_capacity",
		Help: "Capacity of the event bus buffer.",
	})
	s.emitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "postcron_eventbus_emit_errors_total",
		Help: "Total number of emit errors (buffer full).",
	})

	s.register(reg, s.bufferSize, "postcron_eventbus_buffer_size")
	s.register(reg, s.bufferCapacity, "postcron_eventbus_buffer_capacity")
	s.register(reg, s.emitErrorsTotal, "postcron_eventbus_emit_errors_total")
}

func (s *PrometheusSink) initReconcilerMetrics(reg prometheus.Registerer) {
	s.orphanedPosts = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "postcron_reconciler_orphaned_posts",
		Help: "Posts found stuck in firing during the last reconcile cycle.",
	})
	s.postsPurgedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "postcron_reconciler_posts_purged_total",
		Help: "Total number of terminal posts purged after retention.",
	})

	s.register(reg, s.orphanedPosts, "postcron_reconciler_orphaned_posts")
	s.register(reg, s.postsPurgedTotal, "postcron_reconciler_posts_purged_total")
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.leaderStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "postcron_leader_status",
		Help: "1 while this instance holds the leader lock, 0 otherwise.",
	})
	s.leaderAcquiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "postcron_leader_acquired_total",
		Help: "Total number of times this instance became leader.",
	})
	s.leaderLostTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "postcron_leader_lost_total",
		Help: "Total number of leadership losses by reason.",
	}, []string{"reason"})

	s.register(reg, s.leaderStatus, "postcron_leader_status")
	s.register(reg, s.leaderAcquiredTotal, "postcron_leader_acquired_total")
	s.register(reg, s.leaderLostTotal, "postcron_leader_lost_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

// Scheduler metrics implementation

func (s *PrometheusSink) PostScheduled() {
	s.postsScheduledTotal.Inc()
}

func (s *PrometheusSink) PostFired(lateness time.Duration) {
	s.postsFiredTotal.Inc()
	if lateness < 0 {
		lateness = 0
	}
	s.fireLateness.Observe(lateness.Seconds())
}

func (s *PrometheusSink) PostMissed() {
	s.postsMissedTotal.Inc()
}

func (s *PrometheusSink) SyncCompleted(duration time.Duration, registered int, err error) {
	s.syncsTotal.Inc()
	s.syncDuration.Observe(duration.Seconds())
	if err != nil {
		s.syncErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) PendingEntriesUpdate(count int) {
	s.pendingEntries.Set(float64(count))
}

// Dispatcher metrics implementation

func (s *PrometheusSink) DeliveryAttemptCompleted(attempt int, class string, duration time.Duration) {
	s.deliveryAttemptsTotal.WithLabelValues(strconv.Itoa(attempt), class).Inc()
	s.sendDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) DeliveryOutcome(outcome string) {
	s.deliveryOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) RetryAttempt() {
	s.retryAttemptsTotal.Inc()
}

func (s *PrometheusSink) EventsInFlightIncr() {
	s.eventsInFlight.Inc()
}

func (s *PrometheusSink) EventsInFlightDecr() {
	s.eventsInFlight.Dec()
}

func (s *PrometheusSink) CleanupFailed(count int) {
	s.cleanupFailuresTotal.Add(float64(count))
}

// EventBus metrics implementation

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) BufferCapacitySet(capacity int) {
	s.bufferCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) EmitError() {
	s.emitErrorsTotal.Inc()
}

// Reconciler metrics implementation

func (s *PrometheusSink) OrphanedPostsUpdate(count int) {
	s.orphanedPosts.Set(float64(count))
}

func (s *PrometheusSink) PostsPurged(count int) {
	s.postsPurgedTotal.Add(float64(count))
}

// Leader election metrics implementation

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.leaderStatus.Set(1)
		return
	}
	s.leaderStatus.Set(0)
}

func (s *PrometheusSink) LeaderAcquired() {
	s.leaderAcquiredTotal.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLostTotal.WithLabelValues(reason).Inc()
}
