package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nimburion/docroute/pkg/config"
	"github.com/nimburion/docroute/pkg/executor"
	"github.com/nimburion/docroute/pkg/health"
	"github.com/nimburion/docroute/pkg/observability/logger"
	"github.com/nimburion/docroute/pkg/observability/metrics"
	"github.com/nimburion/docroute/pkg/observability/tracing"
	"github.com/nimburion/docroute/pkg/partition"
	"github.com/nimburion/docroute/pkg/partition/archive"
	"github.com/nimburion/docroute/pkg/partition/catalog"
	"github.com/nimburion/docroute/pkg/query"
	"github.com/nimburion/docroute/pkg/resilience"
	"github.com/nimburion/docroute/pkg/store"
	"github.com/nimburion/docroute/pkg/store/backend"
	"github.com/nimburion/docroute/pkg/store/redis"
	"github.com/nimburion/docroute/pkg/version"
)

// Runtime holds the components built from one configuration.
type Runtime struct {
	Config     *config.Config
	Log        logger.Logger
	Partitions *partition.Map
	Store      store.Store
	Engine     *executor.Engine
	Metrics    *metrics.Registry
	Health     *health.Registry
	Breakers   *resilience.BreakerSet
	// Archive is nil unless archive.enabled is set.
	Archive *archive.Archive

	catalog  *catalog.Catalog
	kv       *redis.Adapter
	tracer   *tracing.TracerProvider
	metricsS *http.Server
	stop     context.CancelFunc
	done     chan struct{}
}

// NewRuntime wires the partition map, the store and the engine. With the
// catalog enabled the partition map is shared through Redis, and with
// catalog.watch splits published by other processes are adopted. With the
// archive enabled every map version is also kept in S3.
func NewRuntime(ctx context.Context, cfg *config.Config, log logger.Logger) (*Runtime, error) {
	rt := &Runtime{
		Config:  cfg,
		Log:     log,
		Metrics: metrics.NewRegistry(),
		Health:  health.NewRegistry(),
		done:    make(chan struct{}),
	}
	close(rt.done)

	var err error
	rt.tracer, err = tracing.NewTracerProvider(ctx, tracing.TracerConfig{
		Enabled:        cfg.Observability.TracingEnabled,
		ServiceName:    cfg.Service.Name,
		ServiceVersion: version.Current(cfg.Service.Name).Version,
		Environment:    cfg.Service.Environment,
		Endpoint:       cfg.Observability.TracingEndpoint,
		SampleRate:     cfg.Observability.TracingSampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("create tracer provider: %w", err)
	}

	qm := rt.Metrics.Query()
	partitionOpts := []partition.Option{
		partition.WithCapacity(cfg.Collection.CapacityBytes),
		partition.WithLogger(log),
		partition.WithSplitHook(func(partition.ID, partition.Entry, partition.Entry, *partition.Snapshot) {
			qm.IncSplit()
		}),
	}
	if cfg.Archive.Enabled {
		rt.Archive, err = archive.New(archive.Config{
			Bucket:           cfg.Archive.Bucket,
			Prefix:           cfg.Archive.Prefix,
			Region:           cfg.Archive.Region,
			Endpoint:         cfg.Archive.Endpoint,
			AccessKeyID:      cfg.Archive.AccessKeyID,
			SecretAccessKey:  cfg.Archive.SecretAccessKey,
			SessionToken:     cfg.Archive.SessionToken,
			UsePathStyle:     cfg.Archive.UsePathStyle,
			OperationTimeout: cfg.Archive.OperationTimeout,
		}, cfg.Collection.Name, log)
		if err != nil {
			rt.Close(ctx)
			return nil, fmt.Errorf("open partition map archive: %w", err)
		}
		rt.Health.Register(health.NewAdapterChecker("archive", rt.Archive, cfg.Archive.OperationTimeout))
		partitionOpts = append(partitionOpts, partition.WithSplitHook(rt.Archive.SplitHook(ctx)))
	}
	if err := rt.buildPartitions(ctx, partitionOpts); err != nil {
		rt.Close(ctx)
		return nil, err
	}
	if rt.Archive != nil {
		if _, err := rt.Archive.Put(ctx, rt.Partitions.Snapshot()); err != nil {
			log.Warn("failed to archive current partition map", "error", err)
		}
	}

	rt.Store, err = backend.New(ctx, cfg.Storage, cfg.Collection.Name, log)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("create store: %w", err)
	}
	rt.Health.Register(health.NewAdapterChecker("store", rt.Store, 0))
	rt.Health.Register(health.NewPartitionMapChecker(rt.Partitions))

	engineOpts := []executor.Option{
		executor.WithCostModel(cfg.Cost.Model()),
		executor.WithRetryPolicy(cfg.Retry.RetryPolicy),
		executor.WithMetrics(qm),
		executor.WithLogger(log),
	}
	if cfg.Retry.BreakerFailures > 0 {
		rt.Breakers = executor.NewBreakerSet(cfg.Retry.BreakerFailures, cfg.Retry.BreakerCooldown)
		engineOpts = append(engineOpts, executor.WithBreakers(rt.Breakers))
		rt.Health.Register(health.NewBreakerChecker(rt.Breakers))
	}
	rt.Engine = executor.New(query.NewRouter(rt.Partitions), rt.Store, engineOpts...)

	log.Info("runtime ready",
		"collection", cfg.Collection.Name,
		"storage", cfg.Storage.Type,
		"partitions", rt.Partitions.Snapshot().Len(),
		"catalog", cfg.Catalog.Enabled)
	return rt, nil
}

func (rt *Runtime) buildPartitions(ctx context.Context, opts []partition.Option) error {
	cfg := rt.Config
	if !cfg.Catalog.Enabled {
		pm, err := partition.NewMap(cfg.Collection.Partitions, opts...)
		if err != nil {
			return fmt.Errorf("create partition map: %w", err)
		}
		rt.Partitions = pm
		return nil
	}

	kv, err := redis.NewAdapter(redis.Config{
		URL:              cfg.Catalog.URL,
		MaxConns:         cfg.Catalog.MaxConns,
		OperationTimeout: cfg.Catalog.OperationTimeout,
	}, rt.Log)
	if err != nil {
		return fmt.Errorf("connect partition catalog: %w", err)
	}
	rt.kv = kv
	rt.catalog = catalog.New(kv, cfg.Collection.Name, rt.Log)
	rt.Health.Register(health.NewAdapterChecker("catalog", kv, cfg.Catalog.OperationTimeout))

	pm, err := rt.catalog.LoadOrCreate(ctx, cfg.Collection.Partitions, opts...)
	if err != nil {
		return fmt.Errorf("load partition map: %w", err)
	}
	rt.Partitions = pm

	if cfg.Catalog.Watch {
		watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		rt.stop = cancel
		rt.done = make(chan struct{})
		go func() {
			defer close(rt.done)
			err := rt.catalog.Watch(watchCtx, func(snap *partition.Snapshot) {
				if pm.Adopt(snap) {
					rt.Log.Info("adopted partition map", "version", snap.Version(), "partitions", snap.Len())
				}
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				rt.Log.Warn("partition catalog watch stopped", "error", err)
			}
		}()
	}
	return nil
}

// ServeMetrics exposes the Prometheus registry on addr until Close.
func (rt *Runtime) ServeMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", rt.Metrics.Handler())
	rt.metricsS = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := rt.metricsS.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.Log.Error("metrics server failed", "error", err)
		}
	}()
	rt.Log.Info("serving metrics", "addr", ln.Addr().String())
	return nil
}

// Close releases every component. It is safe on a partially built runtime.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.stop != nil {
		rt.stop()
		<-rt.done
	}
	if rt.metricsS != nil {
		errs = append(errs, rt.metricsS.Shutdown(ctx))
	}
	if rt.Store != nil {
		errs = append(errs, rt.Store.Close())
	}
	if rt.kv != nil {
		errs = append(errs, rt.kv.Close())
	}
	if rt.Archive != nil {
		errs = append(errs, rt.Archive.Close())
	}
	if rt.tracer != nil {
		errs = append(errs, rt.tracer.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
