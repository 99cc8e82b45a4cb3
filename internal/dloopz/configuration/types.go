package configuration

import (
	"time"

	"github.com/G-Research/dloopz/internal/common/config"
	"github.com/G-Research/dloopz/internal/dloopz/generator"
	"github.com/G-Research/dloopz/internal/dloopz/server"
	"github.com/G-Research/dloopz/internal/dloopz/worker"
	"github.com/G-Research/dloopz/internal/dloopz/workload"
)

type DloopzConfig struct {
	LogLevel string `validate:"omitempty,oneof=trace debug info warn warning error"`
	// Port the /metrics endpoint listens on. Zero disables it.
	MetricsPort uint16
	// How long to wait for background reporting to stop at shutdown
	ShutdownTimeout time.Duration `validate:"gte=0"`

	Server     ServerConfig
	Pool       PoolConfig
	Generators []GeneratorConfig `validate:"dive"`
	Workload   WorkloadConfig
	Report     ReportConfig
	Results    ResultsConfig
}

type ServerConfig struct {
	Topology      server.Topology
	Workers       int `validate:"gte=1"`
	QueueCapacity int `validate:"gte=1"`
	// Only used by the per-worker topology
	Assignment server.Assignment
}

func (c ServerConfig) Params() server.Params {
	return server.Params{
		Topology:      c.Topology,
		Workers:       c.Workers,
		QueueCapacity: c.QueueCapacity,
		Assignment:    c.Assignment,
	}
}

type PoolConfig struct {
	Drain worker.DrainPolicy
}

type GeneratorConfig struct {
	// Pause between submissions
	Interval time.Duration `validate:"gte=0"`
	// Number of jobs to submit; zero runs until shutdown
	Lifetime int `validate:"gte=0"`
}

func (c GeneratorConfig) AsGeneratorConfig() generator.Config {
	return generator.Config{
		Interval: c.Interval,
		Lifetime: c.Lifetime,
	}
}

type WorkloadConfig struct {
	Kinds       []workload.Kind
	MinDuration time.Duration `validate:"gte=0"`
	MaxDuration time.Duration `validate:"gtefield=MinDuration"`
	FailureRate float64       `validate:"gte=0,lte=1"`
	Seed        int64
}

func (c WorkloadConfig) AsWorkloadConfig() workload.Config {
	return workload.Config{
		Kinds:       c.Kinds,
		MinDuration: c.MinDuration,
		MaxDuration: c.MaxDuration,
		FailureRate: c.FailureRate,
		Seed:        c.Seed,
	}
}

type ReportConfig struct {
	// How often stats are published. Zero publishes only once, at shutdown.
	Interval time.Duration `validate:"gte=0"`
	Redis    RedisSinkConfig
}

type RedisSinkConfig struct {
	Enabled bool
	// Snapshots expire this long after the last publish. Zero keeps them forever.
	Expiry time.Duration `validate:"gte=0"`
	// Only validated when Enabled is set
	Connection config.RedisConfig `validate:"-"`
}

type ResultsConfig struct {
	Ttl             time.Duration `validate:"gt=0"`
	CleanupInterval time.Duration `validate:"gt=0"`
}
