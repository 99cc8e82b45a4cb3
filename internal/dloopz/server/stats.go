package server

import (
	"math"
	"time"
)

const (
	// UnsetShortestTime is reported as ShortestTime until a job completes.
	UnsetShortestTime = time.Duration(math.MaxInt64)
	// UnsetLongestTime is reported as LongestTime until a job completes.
	UnsetLongestTime = time.Duration(math.MinInt64)
)

// Stats is a point-in-time copy of a server's aggregate counters.
//
// JobsQueued counts jobs accepted by Submit that have not started yet, including any still blocked waiting
// for queue space, so JobRequests == JobsDone + JobsInProgress + JobsQueued holds for every snapshot.
// Means are truncated to whole nanoseconds.
type Stats struct {
	JobRequests    uint64
	JobsStarted    uint64
	JobsDone       uint64
	JobsFailed     uint64
	JobsInProgress int64
	JobsQueued     int64
	// Time from submission to completion.
	MeanTime     time.Duration
	ShortestTime time.Duration
	LongestTime  time.Duration
	TotalTime    time.Duration
	// Time from submission to the start of execution.
	DeadTime     time.Duration
	MeanDeadTime time.Duration
}

func newStats() Stats {
	return Stats{
		ShortestTime: UnsetShortestTime,
		LongestTime:  UnsetLongestTime,
	}
}

func (s Stats) HasCompletions() bool {
	return s.JobsDone > 0
}

// Conserved reports whether every requested job is accounted for as done, in progress or queued.
func (s Stats) Conserved() bool {
	return s.JobsInProgress >= 0 &&
		s.JobsQueued >= 0 &&
		int64(s.JobRequests) == int64(s.JobsDone)+s.JobsInProgress+s.JobsQueued
}

func (s *Stats) recordSubmitted() {
	s.JobRequests++
	s.JobsQueued++
}

func (s *Stats) withdrawSubmitted() {
	s.JobRequests--
	s.JobsQueued--
}

func (s *Stats) recordStarted(deadTime time.Duration) {
	s.JobsQueued--
	s.JobsInProgress++
	s.JobsStarted++
	s.DeadTime += deadTime
	s.MeanDeadTime = s.DeadTime / time.Duration(s.JobsStarted)
}

func (s *Stats) recordCompleted(elapsed time.Duration, failed bool) {
	s.JobsDone++
	s.JobsInProgress--
	if failed {
		s.JobsFailed++
	}
	s.TotalTime += elapsed
	s.MeanTime = s.TotalTime / time.Duration(s.JobsDone)
	if elapsed < s.ShortestTime {
		s.ShortestTime = elapsed
	}
	if elapsed > s.LongestTime {
		s.LongestTime = elapsed
	}
}
