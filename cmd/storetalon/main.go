package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/storetalon/storetalon/internal/config"
	"github.com/storetalon/storetalon/internal/failover"
	"github.com/storetalon/storetalon/internal/lua"
	"github.com/storetalon/storetalon/internal/metrics"
	"github.com/storetalon/storetalon/internal/orchestrator"
	"github.com/storetalon/storetalon/internal/plan"
	"github.com/storetalon/storetalon/internal/planner"
	"github.com/storetalon/storetalon/internal/progress"
	"github.com/storetalon/storetalon/internal/provider"
	"github.com/storetalon/storetalon/internal/requestpkg"
	"github.com/storetalon/storetalon/internal/scheduler"
	"github.com/storetalon/storetalon/internal/state"
	"github.com/storetalon/storetalon/internal/state/store"
	"github.com/storetalon/storetalon/internal/version"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the process exit code. Every deferred cleanup has finished by
// the time it returns.
func run(args []string) int {
	fs := flag.NewFlagSet("storetalon", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config file")
	showVersion := fs.Bool("version", false, "print version and exit")
	planPath := fs.String("plan", "", "execute the plan in this JSON file and print the task records")
	request := fs.String("request", "", "plan and execute one merchant request")
	sessionID := fs.String("session", "cli", "session id for -plan and -request")
	approve := fs.Bool("approve", false, "approve a plan that needs confirmation instead of cancelling it")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if *showVersion {
		fmt.Println(version.Get())
		return 0
	}

	log.Println(version.Get())

	cfg := &config.Config{}
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Printf("Error loading config: %v", err)
			return 1
		}
	}
	if err := cfg.Validate(); err != nil {
		log.Printf("Invalid config: %v", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := build(cfg)
	if err != nil {
		log.Print(err)
		return 1
	}
	defer app.close()

	switch {
	case *planPath != "":
		err = app.runPlanFile(ctx, *planPath, *sessionID, *approve)
	case *request != "":
		err = app.runRequest(ctx, *request, *sessionID, *approve)
	default:
		err = app.serve(ctx, cfg)
	}
	if err != nil {
		log.Print(err)
		return 1
	}
	return 0
}

type app struct {
	orch       *orchestrator.Orchestrator
	sched      *scheduler.Scheduler
	sink       progress.Sink
	promReg    *prometheus.Registry
	memory     *state.MemoryStore
	closers    []func() error
	hasPlanner bool
}

func build(cfg *config.Config) (*app, error) {
	a := &app{promReg: prometheus.NewRegistry()}
	a.promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	execMetrics := metrics.NewExecutor(a.promReg)

	registry := orchestrator.NewRegistry()
	if err := registerAgents(registry, cfg.Agents); err != nil {
		return nil, err
	}

	guard := orchestrator.NewGuard()
	if d, _ := cfg.StepTimeout(); d > 0 {
		guard.Timeout = d
	}
	executor := orchestrator.NewExecutor(registry,
		orchestrator.WithMaxParallel(cfg.Executor.MaxParallelAgents),
		orchestrator.WithGuard(guard),
		orchestrator.WithMetrics(execMetrics),
	)

	sessions, runs, err := a.openState(cfg.State)
	if err != nil {
		return nil, err
	}

	a.memory = state.NewMemoryStore(memoryDir(cfg.State.DataDir))
	a.memory.SetLimit(cfg.State.MaxMemories)
	if err := a.memory.Load(); err != nil {
		log.Printf("storetalon: loading memories: %v", err)
	}

	opts := []orchestrator.Option{
		orchestrator.WithConfirmationGate(orchestrator.NewConfirmationGate(cfg.ConfirmationPolicy().Merge(scheduler.ConfirmationRules()))),
		orchestrator.WithRunRecorder(runs),
		orchestrator.WithMemory(a.memory),
		orchestrator.WithOrchestratorMetrics(execMetrics),
	}
	if cfg.Planner.HistoryTurns > 0 {
		opts = append(opts, orchestrator.WithHistoryTurns(cfg.Planner.HistoryTurns))
	}

	var pl orchestrator.Planner
	if cfg.Planner.Model != "" {
		p, err := buildPlanner(cfg, registry, a.memory, execMetrics)
		if err != nil {
			return nil, err
		}
		pl = p
		opts = append(opts, orchestrator.WithSynthesizer(p))
		a.hasPlanner = true
	}
	a.orch = orchestrator.New(pl, executor, sessions, opts...)

	a.sink = logSink()
	if cfg.Progress.Redis.Addr != "" {
		rc := cfg.Progress.Redis
		client := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
		a.closers = append(a.closers, client.Close)
		var ropts []progress.RedisOption
		if rc.PerPlan {
			ropts = append(ropts, progress.WithPerPlanChannel())
		}
		a.sink = progress.Multi(a.sink, progress.NewRedisSink(client, rc.Channel, ropts...))
		log.Printf("storetalon: publishing progress to redis %s", rc.Addr)
	}

	a.sched = scheduler.New(a.orch, a.sink, cfg.State.DataDir)
	tool := scheduler.NewTool(a.sched)
	if err := registry.Register(tool.Capability(), tool); err != nil {
		return nil, err
	}
	return a, nil
}

func registerAgents(registry *orchestrator.Registry, agents config.AgentsConfig) error {
	for _, path := range agents.Scripts {
		sp, err := lua.Load(path)
		if err != nil {
			return err
		}
		c, err := sp.Capability(lua.AgentName(path))
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := registry.Register(c, sp); err != nil {
			return err
		}
		log.Printf("storetalon: agent %s loaded from %s (%d actions)", c.Agent, path, len(c.Actions))
	}
	for _, dir := range agents.Packages {
		sets, err := requestpkg.LoadDir(dir)
		if err != nil {
			return err
		}
		if err := requestpkg.Register(registry, sets); err != nil {
			return err
		}
		log.Printf("storetalon: %d request package set(s) loaded from %s", len(sets), dir)
	}
	return nil
}

func buildPlanner(cfg *config.Config, caps planner.CapabilityLister, memory *state.MemoryStore, m *metrics.Executor) (*planner.Planner, error) {
	providers := provider.NewRegistry()
	for _, pc := range cfg.ProviderConfigs() {
		p, err := provider.FromConfig(pc)
		if err != nil {
			return nil, err
		}
		if err := providers.Register(p); err != nil {
			return nil, err
		}
	}

	model, err := cfg.ResolveModel(cfg.Planner.Model)
	if err != nil {
		return nil, err
	}
	var fallbacks []provider.ModelRef
	for _, f := range cfg.Planner.Fallbacks {
		ref, err := cfg.ResolveModel(f)
		if err != nil {
			return nil, err
		}
		fallbacks = append(fallbacks, ref)
	}
	cooldownCfg, err := cfg.Cooldowns()
	if err != nil {
		return nil, err
	}
	controller := failover.NewController(providers, failover.NewCooldowns(cooldownCfg), fallbacks)

	opts := []planner.Option{
		planner.WithRules(planner.NewRules(cfg.Planner.Rules)),
		planner.WithMemory(memory),
		planner.WithMaxTokens(cfg.Planner.MaxTokens),
	}
	if cfg.Planner.Temperature != nil {
		opts = append(opts, planner.WithTemperature(*cfg.Planner.Temperature))
	}
	if info, ok := providers.LookupModel(model); ok && !info.AcceptsImages() {
		log.Printf("storetalon: planner model %s does not accept images; uploads are described, not sent", model)
		opts = append(opts, planner.WithTextOnlyModel())
	}
	log.Printf("storetalon: planner model %s (%d fallbacks)", model, len(fallbacks))
	return planner.New(&planner.FailoverCompleter{Controller: controller, Model: model, Metrics: m}, caps, opts...), nil
}

func (a *app) openState(sc config.StateConfig) (orchestrator.SessionStore, orchestrator.RunRecorder, error) {
	var db *store.DB
	var err error
	switch {
	case sc.Postgres.DSN != "":
		db, err = store.OpenPostgres(sc.Postgres.DSN)
	case sc.DataDir != "":
		db, err = store.Open(sc.DataDir)
	default:
		sessions := state.NewSessionStore("")
		sessions.SetMaxTurns(sc.MaxMessages)
		log.Printf("storetalon: no data_dir configured, state is kept in memory")
		return sessions, state.NewRunLog(), nil
	}
	if err != nil {
		return nil, nil, err
	}
	a.closers = append(a.closers, db.Close)
	sessions := store.NewSessionStore(db, sc.MaxMessages, sc.MaxIdleDays)
	if n, err := sessions.PruneIdleSessions(); err != nil {
		log.Printf("storetalon: pruning idle sessions: %v", err)
	} else if n > 0 {
		log.Printf("storetalon: pruned %d idle session(s)", n)
	}
	return sessions, store.NewRunStore(db), nil
}

func memoryDir(dataDir string) string {
	if dataDir == "" {
		return ""
	}
	return filepath.Join(dataDir, "memory")
}

func (a *app) close() {
	if err := a.memory.Save(); err != nil {
		log.Printf("storetalon: saving memories: %v", err)
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Printf("storetalon: close: %v", err)
		}
	}
}

func (a *app) runPlanFile(ctx context.Context, path, sessionID string, approve bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading plan: %w", err)
	}
	p, err := plan.Decode(data)
	if err != nil {
		return err
	}
	resp, err := a.orch.ExecutePlan(ctx, orchestrator.Request{SessionID: sessionID}, p, a.sink)
	if err != nil {
		return err
	}
	resp, err = a.confirm(ctx, resp, approve)
	if err != nil {
		return err
	}
	return printJSON(resp.Tasks)
}

func (a *app) runRequest(ctx context.Context, text, sessionID string, approve bool) error {
	if !a.hasPlanner {
		return errors.New("planner.model is not configured")
	}
	resp, err := a.orch.Handle(ctx, orchestrator.Request{SessionID: sessionID, Text: text}, a.sink)
	if err != nil {
		return err
	}
	resp, err = a.confirm(ctx, resp, approve)
	if err != nil {
		return err
	}
	fmt.Println(resp.Message)
	if len(resp.UICommands) > 0 {
		return printJSON(resp.UICommands)
	}
	return nil
}

// confirm answers a held plan from the command line.
func (a *app) confirm(ctx context.Context, resp *orchestrator.Response, approve bool) (*orchestrator.Response, error) {
	conf := resp.Confirmation
	if conf == nil {
		return resp, nil
	}
	if !approve {
		if err := a.orch.Reject(conf.ID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%s needs confirmation: %s (rerun with -approve)", conf.Action, conf.Impact)
	}
	return a.orch.Approve(ctx, conf.ID, a.sink)
}

func (a *app) serve(ctx context.Context, cfg *config.Config) error {
	if !a.hasPlanner {
		return errors.New("planner.model is not configured")
	}
	if err := a.sched.Start(cfg.Scheduler.Jobs); err != nil {
		return err
	}
	defer a.sched.Stop()
	log.Printf("storetalon: scheduler started with %d job(s)", len(a.sched.ListJobs()))

	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.promReg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Printf("storetalon: serving metrics on %s", cfg.Metrics.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("storetalon: metrics server: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	<-ctx.Done()
	log.Println("storetalon: shutting down")
	return nil
}

func logSink() progress.Sink {
	return progress.SinkFunc(func(e progress.Event) {
		switch {
		case e.Bulk != nil:
			log.Printf("progress: %s %s.%s %d/%d", e.StepID, e.Agent, e.Action, e.Bulk.Completed, e.Bulk.Total)
		case e.StepID != "":
			log.Printf("progress: [%d/%d] %s %s.%s %s", e.StepIndex, e.Total, e.StepID, e.Agent, e.Action, e.Status)
		default:
			log.Printf("progress: %s %s", e.Kind, e.Message)
		}
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
