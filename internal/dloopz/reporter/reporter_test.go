package reporter

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/dloopz/internal/dloopz/server"
)

type fakeSource struct {
	id    string
	stats server.Stats
	sizes []int
}

func (s *fakeSource) Id() string          { return s.id }
func (s *fakeSource) Stats() server.Stats { return s.stats }
func (s *fakeSource) QueueSizes() []int   { return s.sizes }

type recordingSink struct {
	mu        sync.Mutex
	snapshots []Snapshot
	err       error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Publish(_ context.Context, snapshot Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snapshot)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}

func completedSource() *fakeSource {
	return &fakeSource{
		id: "server-a",
		stats: server.Stats{
			JobRequests:    5,
			JobsStarted:    4,
			JobsDone:       3,
			JobsFailed:     1,
			JobsInProgress: 1,
			JobsQueued:     1,
			TotalTime:      6 * time.Second,
			MeanTime:       2 * time.Second,
			ShortestTime:   time.Second,
			LongestTime:    3 * time.Second,
			DeadTime:       4 * time.Second,
			MeanDeadTime:   time.Second,
		},
		sizes: []int{1, 0},
	}
}

func TestLogSink_Publish(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	sink := &LogSink{Log: log.NewEntry(logger)}

	err := sink.Publish(context.Background(), Snapshot{ServerId: "server-a", Stats: completedSource().stats})
	require.NoError(t, err)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "server stats", entry.Message)
	assert.Equal(t, uint64(3), entry.Data["jobsDone"])
	assert.Equal(t, 2*time.Second, entry.Data["meanTime"])
}

func TestLogSink_OmitsTimesWithoutCompletions(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	sink := &LogSink{Log: log.NewEntry(logger)}

	err := sink.Publish(context.Background(), Snapshot{ServerId: "server-a", Stats: server.Stats{JobRequests: 1, JobsQueued: 1}})
	require.NoError(t, err)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.NotContains(t, entry.Data, "meanTime")
	assert.NotContains(t, entry.Data, "shortestTime")
	assert.NotContains(t, entry.Data, "longestTime")
}

func TestRedisSink_Publish(t *testing.T) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	defer db.Close()
	client := redis.NewClient(&redis.Options{Addr: db.Addr()})
	defer client.Close()

	sink := NewRedisSink(client, time.Minute)
	source := completedSource()
	err = sink.Publish(context.Background(), Snapshot{
		ServerId:   source.id,
		Time:       time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		Stats:      source.stats,
		QueueSizes: source.sizes,
	})
	require.NoError(t, err)

	values, err := client.HGetAll(RedisStatsKey("server-a")).Result()
	require.NoError(t, err)
	assert.Equal(t, "5", values["jobRequests"])
	assert.Equal(t, "3", values["jobsDone"])
	assert.Equal(t, "1", values["jobsFailed"])
	assert.Equal(t, "1000000000", values["shortestTimeNs"])
	assert.Equal(t, "1", values["queue0Size"])
	assert.Equal(t, "0", values["queue1Size"])
	assert.Equal(t, "2023-01-01T00:00:00Z", values["time"])

	ttl, err := client.TTL(RedisStatsKey("server-a")).Result()
	require.NoError(t, err)
	assert.True(t, ttl > 0)
}

func TestRedisSink_PublishFailsWhenUnreachable(t *testing.T) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: db.Addr(), MaxRetries: 0})
	defer client.Close()
	db.Close()

	sink := NewRedisSink(client, 0)
	sink.delay = time.Millisecond

	err = sink.Publish(context.Background(), Snapshot{ServerId: "server-a"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), RedisStatsKey("server-a"))
}

func TestStatsCollector(t *testing.T) {
	collector := NewStatsCollector(completedSource())

	expected := `
# HELP dloopz_job_requests_total Number of jobs submitted
# TYPE dloopz_job_requests_total counter
dloopz_job_requests_total{server="server-a"} 5
# HELP dloopz_jobs_done_total Number of jobs completed, including failures
# TYPE dloopz_jobs_done_total counter
dloopz_jobs_done_total{server="server-a"} 3
# HELP dloopz_queue_size Number of jobs in a queue
# TYPE dloopz_queue_size gauge
dloopz_queue_size{queue="0",server="server-a"} 1
dloopz_queue_size{queue="1",server="server-a"} 0
`
	err := testutil.CollectAndCompare(
		collector,
		strings.NewReader(expected),
		"dloopz_job_requests_total",
		"dloopz_jobs_done_total",
		"dloopz_queue_size",
	)
	assert.NoError(t, err)
}

func TestStatsCollector_OmitsTimesWithoutCompletions(t *testing.T) {
	collector := NewStatsCollector(&fakeSource{id: "server-a", sizes: []int{0}})

	// requests, done, failed, in progress, queued, one queue, total job time, total and mean dead time
	assert.Equal(t, 9, testutil.CollectAndCount(collector))
}

func TestReporter_PublishesPeriodicallyAndOnStop(t *testing.T) {
	sink := &recordingSink{}
	reporter := New(completedSource(), 10*time.Millisecond, nil, sink)

	reporter.Start()
	assert.Eventually(t, func() bool { return sink.count() >= 2 }, time.Second, 5*time.Millisecond)

	reporter.Stop(time.Second)
	afterStop := sink.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, afterStop, sink.count())

	last := sink.snapshots[len(sink.snapshots)-1]
	assert.Equal(t, "server-a", last.ServerId)
	assert.Equal(t, uint64(3), last.Stats.JobsDone)
}

func TestReporter_ZeroIntervalPublishesOnlyOnStop(t *testing.T) {
	sink := &recordingSink{}
	reporter := New(completedSource(), 0, nil, sink)

	reporter.Start()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, sink.count())

	reporter.Stop(time.Second)
	assert.Equal(t, 1, sink.count())
}

func TestReporter_SinkFailureDoesNotStopOtherSinks(t *testing.T) {
	failing := &recordingSink{err: errors.New("unavailable")}
	healthy := &recordingSink{}
	reporter := New(completedSource(), 0, nil, failing, healthy)

	reporter.Publish()

	assert.Equal(t, 1, failing.count())
	assert.Equal(t, 1, healthy.count())
}
