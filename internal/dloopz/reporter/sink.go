package reporter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/dloopz/internal/dloopz/server"
)

// Snapshot is a server's statistics at a point in time.
type Snapshot struct {
	ServerId   string
	Time       time.Time
	Stats      server.Stats
	QueueSizes []int
}

// Sink receives snapshots. Publish is never called concurrently on the same sink.
type Sink interface {
	Name() string
	Publish(ctx context.Context, snapshot Snapshot) error
}

// LogSink writes each snapshot as a structured log line.
type LogSink struct {
	Log *log.Entry
}

func (s *LogSink) Name() string {
	return "log"
}

func (s *LogSink) Publish(_ context.Context, snapshot Snapshot) error {
	logger := s.Log
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	stats := snapshot.Stats
	fields := log.Fields{
		"server":         snapshot.ServerId,
		"jobRequests":    stats.JobRequests,
		"jobsDone":       stats.JobsDone,
		"jobsFailed":     stats.JobsFailed,
		"jobsInProgress": stats.JobsInProgress,
		"jobsQueued":     stats.JobsQueued,
		"totalTime":      stats.TotalTime,
		"deadTime":       stats.DeadTime,
		"meanDeadTime":   stats.MeanDeadTime,
		"queueSizes":     snapshot.QueueSizes,
	}
	if stats.HasCompletions() {
		fields["meanTime"] = stats.MeanTime
		fields["shortestTime"] = stats.ShortestTime
		fields["longestTime"] = stats.LongestTime
	}
	logger.WithFields(fields).Info("server stats")
	return nil
}

const redisStatsKeyPrefix = "Dloopz:Stats:"

// RedisSink stores the latest snapshot of each server in a redis hash keyed by server id.
type RedisSink struct {
	db       redis.UniversalClient
	ttl      time.Duration
	attempts uint
	delay    time.Duration
}

// NewRedisSink creates a sink whose hashes expire ttl after the last publish. A zero ttl keeps them forever.
func NewRedisSink(db redis.UniversalClient, ttl time.Duration) *RedisSink {
	return &RedisSink{
		db:       db,
		ttl:      ttl,
		attempts: 3,
		delay:    100 * time.Millisecond,
	}
}

func RedisStatsKey(serverId string) string {
	return redisStatsKeyPrefix + serverId
}

func (s *RedisSink) Name() string {
	return "redis"
}

func (s *RedisSink) Publish(ctx context.Context, snapshot Snapshot) error {
	key := RedisStatsKey(snapshot.ServerId)
	fields := snapshotFields(snapshot)
	err := retry.Do(
		func() error {
			pipe := s.db.TxPipeline()
			pipe.HMSet(key, fields)
			if s.ttl > 0 {
				pipe.Expire(key, s.ttl)
			}
			_, err := pipe.Exec()
			return err
		},
		retry.Context(ctx),
		retry.Attempts(s.attempts),
		retry.Delay(s.delay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("Retrying publish of stats to redis (attempt %d)", n+1)
		}),
	)
	return errors.Wrapf(err, "failed to publish stats to %s", key)
}

func snapshotFields(snapshot Snapshot) map[string]interface{} {
	stats := snapshot.Stats
	fields := map[string]interface{}{
		"time":           snapshot.Time.UTC().Format(time.RFC3339Nano),
		"jobRequests":    strconv.FormatUint(stats.JobRequests, 10),
		"jobsStarted":    strconv.FormatUint(stats.JobsStarted, 10),
		"jobsDone":       strconv.FormatUint(stats.JobsDone, 10),
		"jobsFailed":     strconv.FormatUint(stats.JobsFailed, 10),
		"jobsInProgress": strconv.FormatInt(stats.JobsInProgress, 10),
		"jobsQueued":     strconv.FormatInt(stats.JobsQueued, 10),
		"totalTimeNs":    strconv.FormatInt(int64(stats.TotalTime), 10),
		"meanTimeNs":     strconv.FormatInt(int64(stats.MeanTime), 10),
		"deadTimeNs":     strconv.FormatInt(int64(stats.DeadTime), 10),
		"meanDeadTimeNs": strconv.FormatInt(int64(stats.MeanDeadTime), 10),
	}
	if stats.HasCompletions() {
		fields["shortestTimeNs"] = strconv.FormatInt(int64(stats.ShortestTime), 10)
		fields["longestTimeNs"] = strconv.FormatInt(int64(stats.LongestTime), 10)
	}
	for i, size := range snapshot.QueueSizes {
		fields[fmt.Sprintf("queue%dSize", i)] = strconv.Itoa(size)
	}
	return fields
}
