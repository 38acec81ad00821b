package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/examgate/audit"
	"github.com/c360studio/examgate/config"
	"github.com/c360studio/examgate/gateway"
	"github.com/c360studio/examgate/knowledge"
	"github.com/c360studio/examgate/metrics"
	"github.com/c360studio/examgate/orchestrator"
	"github.com/c360studio/examgate/provider"
	"github.com/c360studio/examgate/router"
	"github.com/c360studio/examgate/scenario"
	"github.com/c360studio/examgate/stream"
	"github.com/c360studio/examgate/upstream"
)

// resources are the file-backed documents the gateway serves from.
type resources struct {
	scenarios  *scenario.Registry
	overrides  *scenario.FileOverrides
	kbRegistry *knowledge.Registry
	kbMappings *knowledge.MappingStore
	watcher    *knowledge.WatchSource
}

// loadResources loads scenarios, overrides and knowledge documents. With
// watch set the knowledge caches reload on filesystem events instead of
// polling file markers.
func loadResources(cfg *config.Config, logger *slog.Logger, watch bool) (*resources, error) {
	res := &resources{
		scenarios: scenario.NewRegistry(cfg.Scenarios.Dir, scenario.WithLogger(logger)),
		overrides: scenario.NewFileOverrides(cfg.Scenarios.OverridesFile, logger),
	}
	if err := res.scenarios.Load(); err != nil {
		return nil, fmt.Errorf("load scenarios: %w", err)
	}
	if err := res.overrides.Load(); err != nil {
		return nil, err
	}

	opts := []knowledge.Option{
		knowledge.WithLogger(logger),
		knowledge.WithReloadInterval(cfg.Knowledge.ReloadInterval),
		knowledge.WithFailFast(cfg.Knowledge.FailFast),
	}
	if watch {
		w, err := knowledge.NewWatchSource([]string{cfg.Knowledge.RegistryPath, cfg.Knowledge.MappingDir}, logger)
		if err != nil {
			logger.Warn("Knowledge watch unavailable, polling instead", "error", err)
		} else {
			res.watcher = w
			opts = append(opts, knowledge.WithSource(w))
		}
	}

	res.kbRegistry = knowledge.NewRegistry(cfg.Knowledge.RegistryPath, opts...)
	if err := res.kbRegistry.Load(); err != nil {
		res.close()
		return nil, err
	}
	res.kbMappings = knowledge.NewMappingStore(cfg.Knowledge.MappingDir, opts...)
	if err := res.kbMappings.Load(); err != nil {
		res.close()
		return nil, err
	}
	return res, nil
}

func (r *resources) specs() []*scenario.Spec {
	ids := r.scenarios.IDs()
	specs := make([]*scenario.Spec, 0, len(ids))
	for _, id := range ids {
		if spec, ok := r.scenarios.Get(id); ok {
			specs = append(specs, r.overrides.Apply(spec))
		}
	}
	return specs
}

func (r *resources) check(cfg *config.Config) knowledge.Report {
	return knowledge.Check(r.kbRegistry, r.kbMappings, r.specs(), cfg.Knowledge.AllowInactive, cfg.Knowledge.RequireMappings)
}

// Info implements gateway.KnowledgeStatus.
func (r *resources) Info() knowledge.RegistryInfo {
	return r.kbRegistry.Info()
}

// ScenarioIDs implements gateway.KnowledgeStatus.
func (r *resources) ScenarioIDs() []string {
	return r.kbMappings.ScenarioIDs()
}

func (r *resources) close() {
	if r.watcher != nil {
		r.watcher.Close()
	}
}

// App wires the gateway's components together.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	*resources

	nc      *nats.Conn
	bus     *stream.Bus
	store   *audit.Store
	metrics *metrics.Metrics
	engine  *orchestrator.Engine
	server  *gateway.Server
}

// NewApp builds every component from cfg. Close releases what it opened.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger}

	res, err := loadResources(cfg, logger, cfg.Knowledge.Watch)
	if err != nil {
		return nil, err
	}
	a.resources = res

	report := res.check(cfg)
	if !report.OK() {
		logger.Warn("Knowledge check reported problems",
			"registry_error", report.Registry.LoadError != nil,
			"mapping_errors", len(report.MappingErrors),
			"issues", len(report.Issues))
		if cfg.Knowledge.FailFast {
			a.Close()
			return nil, fmt.Errorf("knowledge check failed: %s", summarize(report))
		}
	}

	if err := a.openInfrastructure(); err != nil {
		a.Close()
		return nil, err
	}
	a.engine = a.buildEngine()

	var opts []gateway.Option
	opts = append(opts,
		gateway.WithLogger(logger),
		gateway.WithOverrides(res.overrides),
		gateway.WithKnowledge(res),
	)
	if a.metrics != nil {
		opts = append(opts, gateway.WithMetrics(a.metrics))
	}
	a.server = gateway.New(gateway.Config{
		Env:               cfg.Server.Env,
		MaxRequestBytes:   cfg.Server.MaxRequestBytes,
		UpstreamEnabled:   cfg.Upstream.Configured(),
		BaseURLConfigured: cfg.Upstream.BaseURL != "",
		FallbackToOffline: cfg.Upstream.FallbackToOffline,
	}, res.scenarios, a.engine, a.store, a.bus, opts...)
	return a, nil
}

func (a *App) openInfrastructure() error {
	cfg := a.cfg

	store, err := audit.Open(cfg.Audit.Path, audit.WithLogger(a.logger))
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	a.store = store

	busOpts := []stream.Option{stream.WithLogger(a.logger)}
	if cfg.Stream.NATSURL != "" {
		nc, err := stream.DialNATS(cfg.Stream.NATSURL, a.logger)
		if err != nil {
			return err
		}
		a.nc = nc
		busOpts = append(busOpts, stream.WithMirror(stream.NewNATSMirror(nc, cfg.Stream.SubjectPrefix, a.logger)))
	}
	a.bus = stream.NewBus(stream.Config{
		Heartbeat:      cfg.Stream.Heartbeat,
		ClientTTL:      cfg.Stream.ClientTTL,
		MaxLifetime:    cfg.Stream.MaxLifetime,
		MaxConnections: cfg.Stream.MaxConnections,
	}, busOpts...)

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New(cfg.Metrics.Namespace)
		gauges := []struct {
			name, help string
			fn         func() float64
		}{
			{"stream_active_connections", "Open stream connections.", func() float64 {
				return float64(a.bus.Stats().ActiveConnections)
			}},
			{"scenarios_loaded", "Loaded scenario documents.", func() float64 {
				return float64(a.scenarios.Count())
			}},
			{"kb_registry_items", "Knowledge bases in the registry.", func() float64 {
				return float64(a.kbRegistry.Info().Count)
			}},
		}
		for _, g := range gauges {
			if err := a.metrics.WatchGauge(g.name, g.help, g.fn); err != nil {
				return fmt.Errorf("register %s gauge: %w", g.name, err)
			}
		}
	}
	return nil
}

func (a *App) buildEngine() *orchestrator.Engine {
	cfg := a.cfg

	var classifierOpts []router.Option
	classifierOpts = append(classifierOpts, router.WithLogger(a.logger))
	if cfg.Classifier.Mode == config.ClassifierRemote {
		client := upstream.NewClient(cfg.ClassifierBaseURL(), cfg.ClassifierAPIKey(),
			upstream.WithRetryConfig(cfg.Upstream.Retry),
			upstream.WithLogger(a.logger))
		classifierOpts = append(classifierOpts,
			router.WithExternal(router.NewRemoteClassifier(client, cfg.Classifier.WorkflowID, cfg.Classifier.Timeout)))
	}
	classifier := router.NewClassifier(router.Config{
		ImageOnlySubType:    cfg.Classifier.ImageOnlySubType,
		ImageOnlyConfidence: cfg.Classifier.ImageOnlyConfidence,
		ReclassifyOnRetry:   cfg.Classifier.ReclassifyOnRetry,
	}, classifierOpts...)

	resolver := &knowledge.Resolver{
		Registry:      a.kbRegistry,
		Mappings:      a.kbMappings,
		Env:           cfg.Server.Env,
		AllowInactive: cfg.Knowledge.AllowInactive,
	}

	opts := []orchestrator.Option{
		orchestrator.WithOffline(provider.NewOffline(a.bus, provider.WithStageDelay(cfg.Offline.StageDelay))),
		orchestrator.WithPublisher(a.bus),
		orchestrator.WithRetrievalLogger(a.store),
		orchestrator.WithLogger(a.logger),
	}
	if cfg.Upstream.Configured() {
		client := upstream.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.APIKey,
			upstream.WithRetryConfig(cfg.Upstream.Retry),
			upstream.WithWorkflowKeys(cfg.Upstream.WorkflowKeys),
			upstream.WithLogger(a.logger))
		remote := provider.NewRemote(client,
			provider.WithBreaker(provider.NewBreaker(cfg.Upstream.Breaker)),
			provider.WithTimeout(cfg.Upstream.Timeout),
			provider.WithLogger(a.logger))
		opts = append(opts, orchestrator.WithRemote(remote))
	}
	if a.metrics != nil {
		opts = append(opts, orchestrator.WithObserver(a.metrics))
	}

	return orchestrator.New(classifier, resolver, orchestrator.Config{
		Env:               cfg.Server.Env,
		FallbackToOffline: cfg.Upstream.FallbackToOffline,
		DisableTimeout:    cfg.Upstream.DisableTimeout,
		UpstreamTimeout:   cfg.Upstream.Timeout,
	}, opts...)
}

// Handler returns the gateway's HTTP handler.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Run serves HTTP and the background loops until ctx is done, then shuts
// down gracefully.
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfg

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Addr, err)
	}
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		ErrorLog:          slog.NewLogLogger(a.logger.Handler(), slog.LevelWarn),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.bus.Run(gctx)
	})
	g.Go(func() error {
		return a.store.Run(gctx, cfg.Audit.Retention, cfg.Audit.PurgeInterval)
	})
	if a.watcher != nil {
		g.Go(func() error {
			return a.watcher.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if derr := a.server.Drain(shutdownCtx); derr != nil {
			a.logger.Warn("Background inferences cancelled at shutdown", "error", derr)
		}
		return err
	})
	return g.Wait()
}

// Close releases the store, the NATS connection and the knowledge watcher.
func (a *App) Close() error {
	var errs []error
	if a.resources != nil {
		a.resources.close()
	}
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			errs = append(errs, fmt.Errorf("drain nats: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audit store: %w", err))
		}
	}
	return errors.Join(errs...)
}
