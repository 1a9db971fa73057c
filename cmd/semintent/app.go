package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/c360studio/semstreams/payloadregistry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/semintent/api"
	"github.com/c360studio/semintent/audit"
	"github.com/c360studio/semintent/config"
	"github.com/c360studio/semintent/engine"
	"github.com/c360studio/semintent/executor"
	"github.com/c360studio/semintent/graph"
	"github.com/c360studio/semintent/llm"
	"github.com/c360studio/semintent/memory"
	"github.com/c360studio/semintent/metrics"
	"github.com/c360studio/semintent/model"
	"github.com/c360studio/semintent/plan"
	"github.com/c360studio/semintent/planner"
	"github.com/c360studio/semintent/reliability"
	"github.com/c360studio/semintent/replan"
	"github.com/c360studio/semintent/tools"
	"github.com/c360studio/semintent/tools/sim"

	// Register LLM providers via init()
	_ "github.com/c360studio/semintent/llm/providers"
)

// App wires the engine, its stores and the HTTP server together.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	registry   *tools.Registry
	rel        *reliability.Registry
	collectors *metrics.Collectors
	engine     *engine.Engine
	watcher    *tools.CatalogWatcher
	server     *http.Server

	sessions   *replan.SessionBudget
	natsClient *natsclient.Client
	closers    []func() error
}

// NewApp builds every component from cfg. Close releases what it opened.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg

	// Metrics
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	c, err := metrics.New(promReg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	a.collectors = c

	// Reliability
	a.rel = reliability.NewRegistry(cfg.BreakerConfig(), a.logger)
	a.rel.Breakers.OnTransition(c.ObserveTransition)
	wrapper := reliability.NewWrapper(a.rel, reliability.WithObserver(c), reliability.WithLogger(a.logger))

	// Tools
	a.registry = tools.NewRegistry(
		tools.WithHealthTracker(tools.NewHealthTracker(cfg.Tools.HealthWindow)),
		tools.WithLogger(a.logger),
	)
	if err := registerTools(a.registry, cfg.Tools.Allowlist); err != nil {
		return err
	}
	if cfg.Tools.Catalog != "" {
		w, err := tools.NewCatalogWatcher(cfg.Tools.Catalog, a.registry, a.logger)
		if err != nil {
			return fmt.Errorf("watch tool catalog: %w", err)
		}
		a.watcher = w
	}

	// Storage
	store, mem, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	profiles := audit.NewProfiler(store, audit.DefaultProfileDepth)

	// Planning
	p, err := a.newPlanner(wrapper)
	if err != nil {
		return err
	}
	validator := plan.NewValidator(
		plan.WithToolLookup(a.registry),
		plan.WithIrreversibleTools(irreversibleTools(a.registry, cfg.Validation.IrreversibleTools)...),
		plan.WithFreshness(cfg.Validation.MaxAge, cfg.Validation.MaxSkew),
		plan.WithMinStructuralRatio(cfg.Validation.MinStructuralRatio),
	)

	a.sessions = replan.NewSessionBudget(cfg.Replan.SessionBudget, cfg.Replan.SessionWindow)
	replanner := replan.New(p, validator,
		replan.WithMaxReplans(cfg.Replan.MaxReplans),
		replan.WithSessionBudget(a.sessions),
		replan.WithMemory(mem),
		replan.WithProfiles(profiles),
		replan.WithTools(a.registry),
		replan.WithMaxRemedyChars(cfg.Replan.MaxRemedyChars),
		replan.WithLogger(a.logger),
	)

	execOpts := []executor.Option{
		executor.WithReplanner(replanner),
		executor.WithPolicy(cfg.Reliability.ToolPolicy),
		executor.WithMaxReplans(cfg.Replan.MaxReplans),
		executor.WithObserver(c),
		executor.WithLogger(a.logger),
	}
	for name, policy := range cfg.Reliability.ToolOverrides {
		execOpts = append(execOpts, executor.WithToolPolicy(name, policy))
	}
	exec := executor.New(a.registry, wrapper, execOpts...)

	engineOpts := []engine.Option{
		engine.WithTools(a.registry),
		engine.WithMemory(mem),
		engine.WithProfiles(profiles),
		engine.WithBreakers(a.rel.Breakers),
		engine.WithPlanObserver(c),
		engine.WithLogger(a.logger),
	}
	if a.natsClient != nil {
		engineOpts = append(engineOpts, engine.WithExporter(graph.NewExporter(a.natsClient)))
	}
	a.engine = engine.New(store, p, validator, exec, engineOpts...)

	// HTTP
	srv := api.New(a.engine, wrapper,
		api.WithRoutePolicy(a.routePolicy()),
		api.WithMetricsHandler(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})),
		api.WithLogger(a.logger),
	)
	a.server = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// registerTools adds the simulated tools, restricted to allow when it is non-empty.
func registerTools(r *tools.Registry, allow []string) error {
	if len(allow) == 0 {
		return sim.Register(r)
	}
	for _, t := range sim.All() {
		if !slices.Contains(allow, t.Definition().Name) {
			continue
		}
		if err := r.Register(t); err != nil {
			return fmt.Errorf("register tool %s: %w", t.Definition().Name, err)
		}
	}
	return nil
}

// irreversibleTools unions the registry's declarations, the built-in list
// and the configured extras.
func irreversibleTools(r *tools.Registry, extra []string) []string {
	names := append(append(r.Irreversible(), plan.DefaultIrreversibleTools...), extra...)
	slices.Sort(names)
	return slices.Compact(names)
}

func (a *App) openStores(ctx context.Context) (audit.Store, memory.Store, error) {
	cfg := a.cfg
	switch cfg.Storage.Backend {
	case config.StorageSQLite:
		store, err := audit.OpenSQLStore(ctx, cfg.Storage.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open audit database: %w", err)
		}
		a.closers = append(a.closers, store.Close)

		mem, err := memory.OpenSQLStore(ctx, cfg.Storage.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open failure memory: %w", err)
		}
		a.closers = append(a.closers, mem.Close)
		a.logger.Info("Using SQLite storage", "path", cfg.Storage.Path)
		return store, mem, nil

	case config.StorageNATS:
		client, err := connectToNATS(ctx, cfg.NATS.URL, a.logger)
		if err != nil {
			return nil, nil, err
		}
		a.natsClient = client

		js, err := client.JetStream()
		if err != nil {
			return nil, nil, fmt.Errorf("get JetStream: %w", err)
		}
		store, err := audit.NewKVStore(ctx, js)
		if err != nil {
			return nil, nil, err
		}
		if err := graph.EnsureStream(ctx, js); err != nil {
			return nil, nil, err
		}
		// Registering checks the entity schema before anything is published.
		if err := graph.RegisterPayloads(payloadregistry.New()); err != nil {
			return nil, nil, fmt.Errorf("register graph payloads: %w", err)
		}
		// Failure memory stays in process; it is advisory.
		return store, memory.NewMemoryStore(cfg.Storage.MemoryCapacity), nil

	default:
		return audit.NewMemoryStore(), memory.NewMemoryStore(cfg.Storage.MemoryCapacity), nil
	}
}

func (a *App) newPlanner(wrapper *reliability.Wrapper) (planner.Planner, error) {
	cfg := a.cfg.Planner
	policy := llm.DefaultPolicy()
	if cfg.Timeout > 0 {
		policy.Timeout = cfg.Timeout
	}
	llmOpts := []planner.LLMOption{
		planner.WithTemperature(cfg.Temperature),
		planner.WithLLMLogger(a.logger),
	}

	switch cfg.Mode {
	case config.PlannerLLM:
		models, err := model.FromConfig(cfg.Models)
		if err != nil {
			return nil, err
		}
		client := llm.NewClient(models,
			llm.WithWrapper(wrapper),
			llm.WithPolicy(policy),
			llm.WithLogger(a.logger),
		)
		a.logger.Info("Using LLM planner", "endpoints", strings.Join(models.Endpoints(), ","))
		return planner.NewLLMPlanner(client, llmOpts...), nil

	case config.PlannerLangChain:
		completer, err := llm.NewOpenAICompleter(llm.OpenAIConfig{
			Token:   os.Getenv(cfg.LangChain.TokenEnv),
			Model:   cfg.LangChain.Model,
			BaseURL: cfg.LangChain.BaseURL,
		},
			llm.WithLangChainWrapper(wrapper, policy),
			llm.WithLangChainLogger(a.logger),
		)
		if err != nil {
			return nil, err
		}
		a.logger.Info("Using LangChain planner", "model", cfg.LangChain.Model)
		return planner.NewLLMPlanner(completer, llmOpts...), nil

	default:
		return planner.NewKeywordPlanner(), nil
	}
}

// Handler returns the HTTP handler; used by tests.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// Run serves until ctx is cancelled, then shuts the server down gracefully.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("HTTP server listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		a.logger.Info("Shutting down HTTP server")
		return a.server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return a.rel.Limiter.Run(gctx, a.cfg.Reliability.SweepInterval, a.sweepWindow())
	})

	g.Go(func() error {
		return a.sessions.Run(gctx, a.cfg.Reliability.SweepInterval)
	})

	if a.watcher != nil {
		g.Go(func() error {
			return a.watcher.Run(gctx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	a.logger.Info("Semintent shutdown complete")
	return err
}

// routePolicy stretches the configured route timeout to the slowest step
// request: the slowest tool's full retry budget once per allowed re-plan,
// plus a remedy and a revision call to the planner for each re-plan.
func (a *App) routePolicy() reliability.Policy {
	p := a.cfg.Server.RoutePolicy
	if p.Timeout <= 0 {
		return p
	}

	step := a.cfg.Reliability.ToolPolicy.Budget()
	for _, o := range a.cfg.Reliability.ToolOverrides {
		step = max(step, o.Budget())
	}
	replans := time.Duration(a.cfg.Replan.MaxReplans)
	need := step * (replans + 1)
	if a.cfg.Planner.Mode != config.PlannerKeyword {
		need += 2 * replans * a.cfg.Planner.Timeout
	}
	p.Timeout = max(p.Timeout, need)
	return p
}

// sweepWindow is the longest rate window in use; entries idle for longer
// cannot affect a decision.
func (a *App) sweepWindow() time.Duration {
	w := max(a.cfg.Server.RoutePolicy.RateWindow, a.cfg.Reliability.ToolPolicy.RateWindow, time.Minute)
	for _, p := range a.cfg.Reliability.ToolOverrides {
		w = max(w, p.RateWindow)
	}
	return w
}

// Close releases stores and connections.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Close failed", "error", err)
		}
	}
	a.closers = nil
	if a.natsClient != nil {
		_ = a.natsClient.Close(context.Background())
		a.natsClient = nil
	}
}

func connectToNATS(ctx context.Context, url string, logger *slog.Logger) (*natsclient.Client, error) {
	logger.Info("Connecting to NATS", "url", url)

	client, err := natsclient.NewClient(url,
		natsclient.WithName(appName),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(time.Second),
		natsclient.WithHealthInterval(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return nil, wrapNATSError(err, url)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, wrapNATSError(err, url)
	}

	logger.Info("Connected to NATS", "url", url)
	return client, nil
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

To start NATS:
  docker run -d -p 4222:4222 nats:latest -js

Or set NATS_URL environment variable to point to your NATS server.`, err, url)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}
