package dloopz

import (
	"context"
	"strconv"
	"sync"

	"github.com/go-redis/redis"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	commonconfig "github.com/G-Research/dloopz/internal/common/config"
	"github.com/G-Research/dloopz/internal/common/dlcontext"
	"github.com/G-Research/dloopz/internal/common/logging"
	"github.com/G-Research/dloopz/internal/common/metrics"
	"github.com/G-Research/dloopz/internal/dloopz/configuration"
	"github.com/G-Research/dloopz/internal/dloopz/generator"
	"github.com/G-Research/dloopz/internal/dloopz/job"
	"github.com/G-Research/dloopz/internal/dloopz/reporter"
	"github.com/G-Research/dloopz/internal/dloopz/results"
	"github.com/G-Research/dloopz/internal/dloopz/server"
	"github.com/G-Research/dloopz/internal/dloopz/worker"
	"github.com/G-Research/dloopz/internal/dloopz/workload"
)

type App struct {
	registerer  prometheus.Registerer
	gatherer    prometheus.Gatherer
	redisClient redis.UniversalClient

	mu      sync.Mutex
	server  *server.Server
	results *results.Store
	reports []generator.Report
	// Metrics of the most recent StartUp. They stay registered after it returns so a final scrape sees them.
	collectors []prometheus.Collector
}

type Option func(*App)

// WithRegistry registers the app's metrics with registry instead of the prometheus default registry.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(a *App) {
		a.registerer = registry
		a.gatherer = registry
	}
}

// WithRedisClient makes the redis sink use client rather than connecting with the configured options.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(a *App) {
		a.redisClient = client
	}
}

func New(opts ...Option) *App {
	a := &App{
		registerer: prometheus.DefaultRegisterer,
		gatherer:   prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Returns a non-nil error if mis-configuration is unrecoverable.
func CheckConfig(config *configuration.DloopzConfig) error {
	var result *multierror.Error
	if err := commonconfig.Validate(config); err != nil {
		result = multierror.Append(result, err)
	}
	if config.Report.Redis.Enabled {
		if err := commonconfig.Validate(config.Report.Redis.Connection); err != nil {
			result = multierror.Append(result, errors.WithMessage(err, "redis sink"))
		}
	}
	if config.Server.Topology == server.SharedQueue && config.Server.Assignment != server.RoundRobin {
		log.WithField("assignment", config.Server.Assignment.String()).Warn("assignment is ignored by the shared topology")
	}
	return result.ErrorOrNil()
}

// StartUp runs the server, worker pool and generators described by config. It returns once every generator has
// finished, or ctx is cancelled, and the pool and reporters have been shut down. Cancelling ctx stops the
// generators and then stops the pool under its configured drain policy; jobs already executing always finish.
// StartUp may be called again once it has returned, replacing the metrics of the previous run.
func (a *App) StartUp(ctx context.Context, config *configuration.DloopzConfig) error {
	if err := CheckConfig(config); err != nil {
		return err
	}
	appCtx := dlcontext.WithLogField(dlcontext.FromContext(ctx), "service", "dloopz")

	s, err := server.New(config.Server.Params())
	if err != nil {
		return err
	}
	s.LogParams()
	store := results.NewStore(config.Results.Ttl, config.Results.CleanupInterval)
	a.mu.Lock()
	a.server = s
	a.results = store
	a.reports = nil
	a.mu.Unlock()

	a.unregisterCollectors()
	collector := reporter.NewStatsCollector(s)
	if err := a.registerer.Register(collector); err != nil {
		return errors.Wrap(err, "failed to register stats collector")
	}
	submitted := promauto.With(a.registerer).NewCounterVec(
		prometheus.CounterOpts{
			Name: metrics.MetricPrefix + "generator_jobs_submitted_total",
			Help: "Number of jobs submitted by each generator",
		},
		[]string{"generator"},
	)
	a.mu.Lock()
	a.collectors = []prometheus.Collector{collector, submitted}
	a.mu.Unlock()
	if config.MetricsPort != 0 {
		shutdownMetricServer := metrics.ServeMetricsFor(config.MetricsPort, a.gatherer)
		defer shutdownMetricServer()
	}

	sinks := []reporter.Sink{&reporter.LogSink{Log: appCtx.Log}}
	if config.Report.Redis.Enabled {
		client := a.redisClient
		if client == nil {
			client = redis.NewUniversalClient(config.Report.Redis.Connection.AsUniversalOptions())
			defer func() {
				if err := client.Close(); err != nil {
					logging.WithStacktrace(appCtx.Log, err).Warn("failed to close redis client")
				}
			}()
		}
		sinks = append(sinks, reporter.NewRedisSink(client, config.Report.Redis.Expiry))
	}
	statsReporter := reporter.New(s, config.Report.Interval, a.registerer, sinks...)

	selector, err := workload.NewSelector(config.Workload.AsWorkloadConfig())
	if err != nil {
		return err
	}
	gate := generator.NewGate(true)
	generators := make([]*generator.Generator, len(config.Generators))
	for i, generatorConfig := range config.Generators {
		g, err := generator.New(i, generatorConfig.AsGeneratorConfig(), gate, selector, &countingSubmitter{
			Submitter: s,
			counter:   submitted.WithLabelValues(strconv.Itoa(i)),
		})
		if err != nil {
			return err
		}
		generators[i] = g
	}

	pool := worker.NewPool(s, worker.Config{
		Workers:  config.Server.Workers,
		Drain:    config.Pool.Drain,
		Observer: store,
	})
	// The pool only stops through Stop so that shutdown honours the drain policy.
	poolCtx := dlcontext.New(context.WithoutCancel(appCtx), appCtx.Log)
	if err := pool.Start(poolCtx); err != nil {
		return err
	}
	statsReporter.Start()

	// Generators stop early if the pool dies, otherwise they could block forever on a full queue.
	generatorCtx, stopGenerators := dlcontext.WithCancel(appCtx)
	defer stopGenerators()
	go func() {
		select {
		case <-pool.Done():
			stopGenerators()
		case <-generatorCtx.Done():
		}
	}()

	g, groupCtx := dlcontext.ErrGroup(generatorCtx)
	reports := make([]generator.Report, len(generators))
	for i, gen := range generators {
		i, gen := i, gen
		g.Go(func() error {
			report, err := gen.Run(groupCtx)
			reports[i] = report
			return err
		})
	}
	var result *multierror.Error
	if err := g.Wait(); err != nil {
		result = multierror.Append(result, errors.WithMessage(err, "generator failed"))
	}
	gate.Close()
	a.mu.Lock()
	a.reports = reports
	a.mu.Unlock()
	for _, report := range reports {
		appCtx.Log.WithFields(log.Fields{
			"generator": report.Generator,
			"cycles":    report.Cycles,
			"completed": report.Completed,
		}).Info("generator finished")
	}

	if err := pool.Stop(); err != nil {
		result = multierror.Append(result, errors.WithMessage(err, "worker pool failed"))
	}
	statsReporter.Stop(config.ShutdownTimeout)

	if err := result.ErrorOrNil(); err != nil {
		logging.WithStacktrace(appCtx.Log, err).Error("dloopz stopped with errors")
		return err
	}
	appCtx.Log.WithField("processed", pool.Processed()).Info("dloopz stopped")
	return nil
}

func (a *App) unregisterCollectors() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.collectors {
		a.registerer.Unregister(c)
	}
	a.collectors = nil
}

// Server returns the server created by the most recent StartUp, or nil.
func (a *App) Server() *server.Server {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server
}

// Results returns the results store created by the most recent StartUp, or nil.
func (a *App) Results() *results.Store {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.results
}

// Reports returns the generator reports of the most recent StartUp once its generators have finished.
func (a *App) Reports() []generator.Report {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reports
}

type countingSubmitter struct {
	generator.Submitter
	counter prometheus.Counter
}

func (s *countingSubmitter) Submit(ctx context.Context, j *job.Job) error {
	if err := s.Submitter.Submit(ctx, j); err != nil {
		return err
	}
	s.counter.Inc()
	return nil
}
