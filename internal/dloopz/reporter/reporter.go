package reporter

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/dloopz/internal/common/dlcontext"
	"github.com/G-Research/dloopz/internal/common/metrics"
	"github.com/G-Research/dloopz/internal/common/task"
)

// Reporter periodically publishes snapshots of a server's statistics to a set of sinks.
type Reporter struct {
	source   StatsSource
	sinks    []Sink
	interval time.Duration
	clock    clock.PassiveClock
	tasks    *task.BackgroundTaskManager
	ctx      *dlcontext.Context
	cancel   func()
}

const publishTimeout = 10 * time.Second

func New(source StatsSource, interval time.Duration, registerer prometheus.Registerer, sinks ...Sink) *Reporter {
	ctx, cancel := dlcontext.WithCancel(dlcontext.Background())
	ctx = dlcontext.WithLogFields(ctx, log.Fields{"server": source.Id(), "component": "reporter"})
	return &Reporter{
		source:   source,
		sinks:    sinks,
		interval: interval,
		clock:    clock.RealClock{},
		tasks:    task.NewBackgroundTaskManager(metrics.MetricPrefix, registerer),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins publishing every interval. A non-positive interval only publishes on Stop.
func (r *Reporter) Start() {
	if r.interval <= 0 {
		return
	}
	r.tasks.Register(r.Publish, r.interval, "stats_report")
}

// Publish sends the current snapshot to every sink. Sink failures are logged and do not stop other sinks.
func (r *Reporter) Publish() {
	snapshot := r.Snapshot()
	ctx, cancel := dlcontext.WithTimeout(r.ctx, publishTimeout)
	defer cancel()
	for _, sink := range r.sinks {
		if err := sink.Publish(ctx, snapshot); err != nil {
			ctx.Log.WithError(err).WithField("sink", sink.Name()).Warn("Failed to publish stats")
		}
	}
}

func (r *Reporter) Snapshot() Snapshot {
	return Snapshot{
		ServerId:   r.source.Id(),
		Time:       r.clock.Now(),
		Stats:      r.source.Stats(),
		QueueSizes: r.source.QueueSizes(),
	}
}

// Stop halts periodic publishing and publishes one final snapshot.
func (r *Reporter) Stop(timeout time.Duration) {
	if r.tasks.StopAll(timeout) {
		r.ctx.Log.Warnf("Stats reporting did not stop within %s", timeout)
	}
	r.Publish()
	r.cancel()
}
