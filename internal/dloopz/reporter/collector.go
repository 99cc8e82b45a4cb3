package reporter

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/G-Research/dloopz/internal/common/metrics"
	"github.com/G-Research/dloopz/internal/dloopz/server"
)

// StatsSource is the part of a server reporters read from.
type StatsSource interface {
	Id() string
	Stats() server.Stats
	QueueSizes() []int
}

var jobRequestsDesc = prometheus.NewDesc(
	metrics.MetricPrefix+"job_requests_total",
	"Number of jobs submitted",
	[]string{"server"},
	nil,
)

var jobsDoneDesc = prometheus.NewDesc(
	metrics.MetricPrefix+"jobs_done_total",
	"Number of jobs completed, including failures",
	[]string{"server"},
	nil,
)

var jobsFailedDesc = prometheus.NewDesc(
	metrics.MetricPrefix+"jobs_failed_total",
	"Number of jobs whose payload failed",
	[]string{"server"},
	nil,
)

var jobsInProgressDesc = prometheus.NewDesc(
	metrics.MetricPrefix+"jobs_in_progress",
	"Number of jobs currently executing",
	[]string{"server"},
	nil,
)

var jobsQueuedDesc = prometheus.NewDesc(
	metrics.MetricPrefix+"jobs_queued",
	"Number of submitted jobs that have not started",
	[]string{"server"},
	nil,
)

var queueSizeDesc = prometheus.NewDesc(
	metrics.MetricPrefix+"queue_size",
	"Number of jobs in a queue",
	[]string{"server", "queue"},
	nil,
)

var jobTimeDesc = prometheus.NewDesc(
	metrics.MetricPrefix+"job_time_seconds",
	"Submission to completion time of completed jobs",
	[]string{"server", "statistic"},
	nil,
)

var deadTimeDesc = prometheus.NewDesc(
	metrics.MetricPrefix+"job_dead_time_seconds",
	"Submission to start time of started jobs",
	[]string{"server", "statistic"},
	nil,
)

// StatsCollector exports a server's aggregate statistics to prometheus on every scrape.
type StatsCollector struct {
	source StatsSource
}

func NewStatsCollector(source StatsSource) *StatsCollector {
	return &StatsCollector{source: source}
}

func (c *StatsCollector) Describe(desc chan<- *prometheus.Desc) {
	desc <- jobRequestsDesc
	desc <- jobsDoneDesc
	desc <- jobsFailedDesc
	desc <- jobsInProgressDesc
	desc <- jobsQueuedDesc
	desc <- queueSizeDesc
	desc <- jobTimeDesc
	desc <- deadTimeDesc
}

func (c *StatsCollector) Collect(metrics chan<- prometheus.Metric) {
	id := c.source.Id()
	stats := c.source.Stats()

	metrics <- prometheus.MustNewConstMetric(jobRequestsDesc, prometheus.CounterValue, float64(stats.JobRequests), id)
	metrics <- prometheus.MustNewConstMetric(jobsDoneDesc, prometheus.CounterValue, float64(stats.JobsDone), id)
	metrics <- prometheus.MustNewConstMetric(jobsFailedDesc, prometheus.CounterValue, float64(stats.JobsFailed), id)
	metrics <- prometheus.MustNewConstMetric(jobsInProgressDesc, prometheus.GaugeValue, float64(stats.JobsInProgress), id)
	metrics <- prometheus.MustNewConstMetric(jobsQueuedDesc, prometheus.GaugeValue, float64(stats.JobsQueued), id)

	for i, size := range c.source.QueueSizes() {
		metrics <- prometheus.MustNewConstMetric(queueSizeDesc, prometheus.GaugeValue, float64(size), id, strconv.Itoa(i))
	}

	metrics <- prometheus.MustNewConstMetric(jobTimeDesc, prometheus.GaugeValue, stats.TotalTime.Seconds(), id, "total")
	if stats.HasCompletions() {
		metrics <- prometheus.MustNewConstMetric(jobTimeDesc, prometheus.GaugeValue, stats.MeanTime.Seconds(), id, "mean")
		metrics <- prometheus.MustNewConstMetric(jobTimeDesc, prometheus.GaugeValue, stats.ShortestTime.Seconds(), id, "shortest")
		metrics <- prometheus.MustNewConstMetric(jobTimeDesc, prometheus.GaugeValue, stats.LongestTime.Seconds(), id, "longest")
	}
	metrics <- prometheus.MustNewConstMetric(deadTimeDesc, prometheus.GaugeValue, stats.DeadTime.Seconds(), id, "total")
	metrics <- prometheus.MustNewConstMetric(deadTimeDesc, prometheus.GaugeValue, stats.MeanDeadTime.Seconds(), id, "mean")
}
