// Command botloaderd is the Multi-Tenant Script Runtime daemon: it wires
// the persistent stores, the tenant manager, the cooperative thread
// scheduler pool, the runaway watchdog, and the interval-timer cron loop
// together and serves them until a termination signal arrives.
//
// Grounded on oriys-nova/cmd/nova/main.go's cobra root-command assembly
// and cmd/nova/daemon.go's construction order (config -> observability ->
// store -> execution layer -> signal-driven graceful shutdown).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/botloader/scriptruntime/internal/chatapi"
	"github.com/botloader/scriptruntime/internal/compiler"
	"github.com/botloader/scriptruntime/internal/config"
	"github.com/botloader/scriptruntime/internal/domain"
	"github.com/botloader/scriptruntime/internal/eventrouter"
	"github.com/botloader/scriptruntime/internal/hostcalls"
	"github.com/botloader/scriptruntime/internal/logging"
	"github.com/botloader/scriptruntime/internal/metrics"
	"github.com/botloader/scriptruntime/internal/observability"
	"github.com/botloader/scriptruntime/internal/sourcemapper"
	"github.com/botloader/scriptruntime/internal/store"
	"github.com/botloader/scriptruntime/internal/tenantmgr"
	"github.com/botloader/scriptruntime/internal/timers"
	"github.com/botloader/scriptruntime/internal/vmscheduler"
	"github.com/botloader/scriptruntime/internal/watchdog"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "botloaderd",
		Short: "Multi-tenant script runtime daemon",
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML config file (optional, defaults apply otherwise)")
	root.AddCommand(daemonCmd())
	root.AddCommand(scriptCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the runtime daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logging.SetLevelFromString(cfg.Daemon.LogLevel)
	logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Observability.Tracing.Enabled,
		Exporter:    cfg.Observability.Tracing.Exporter,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		ServiceName: cfg.Observability.Tracing.ServiceName,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.Shutdown(context.Background())

	if cfg.Observability.Metrics.Enabled {
		metrics.Init(cfg.Observability.Metrics.Namespace)
	}

	configStore, err := store.NewPostgresConfigStore(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("connect config store: %w", err)
	}

	bucketStore, err := store.NewRedisBucketStore(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return fmt.Errorf("connect bucket store: %w", err)
	}

	comp := compiler.New(compiler.Config{Command: []string{cfg.Compiler.Command}, Timeout: cfg.Compiler.Timeout})
	mapper := sourcemapper.New()

	registry := hostcalls.New()
	hostcalls.RegisterDefaults(registry)

	schedulers := make([]*vmscheduler.Scheduler, cfg.Scheduler.Threads)
	for i := range schedulers {
		schedulers[i] = vmscheduler.New()
		go schedulers[i].Run(ctx)
	}

	chat := chatapi.New(chatapi.Config{
		BaseURL: cfg.ChatAPI.BaseURL,
		Token:   cfg.ChatAPI.Token,
	})

	// mgr is referenced by the closures below before it exists; both are
	// only invoked later (on an error report or a timer firing), by which
	// point mgr is assigned.
	var mgr *tenantmgr.Manager
	reporter := chatapi.NewReporter(chat, func(t domain.TenantID) (uint64, bool) { return mgr.ErrorChannel(t) })
	timerSched := timers.New(configStore, dispatcherFunc(func(ctx context.Context, route func(ev any) (domain.TenantID, domain.DispatchEvent, bool), ev any) error {
		return mgr.HandleExternalEvent(ctx, route, ev)
	}))

	mgr = tenantmgr.New(tenantmgr.Config{
		Schedulers:   schedulers,
		Store:        configStore,
		Buckets:      bucketStore,
		Chat:         chat,
		Registry:     registry,
		Compiler:     comp,
		SourceMapper: mapper,
		Reporter:     reporter,
		Timers:       timerSched,
		QuotaBatch:   cfg.Quota.RefillBatch,
		QuotaMax:     cfg.Quota.TenantByteCap,
		InitialHeap:  cfg.Isolate.InitialHeapBytes,
		MaxHeap:      cfg.Isolate.MaxHeapBytes,
	})

	for _, sched := range schedulers {
		wd := watchdog.New(watchdog.Config{
			PingInterval:     cfg.Watchdog.PingInterval,
			AttributionGuard: cfg.Watchdog.AttributionGuard,
		}, sched, mgr)
		go wd.Run(ctx)
	}

	// NOTE: ListTenants is not part of ConfigStore (scripts are tenant-scoped
	// lookups only), so Start is given no tenants and already-persisted
	// interval timers are not registered at startup. Timers declared through
	// the set_interval_timer host call register immediately, wired through
	// tenantmgr.Config.Timers above.
	if err := timerSched.Start(ctx, nil); err != nil {
		return fmt.Errorf("start interval timers: %w", err)
	}
	defer timerSched.Stop()

	route := func(ev any) (domain.TenantID, domain.DispatchEvent, bool) {
		r, ok := eventrouter.Route(ev)
		return r.Tenant, r.Event, ok
	}

	eventCh := make(chan any, 256)
	go func() {
		for ev := range eventCh {
			if err := mgr.HandleExternalEvent(ctx, route, ev); err != nil {
				logging.Op().Warn("daemon: event handling failed", "error", err)
			}
		}
	}()

	logging.Op().Info("botloaderd started",
		"scheduler_threads", cfg.Scheduler.Threads,
		"postgres", cfg.Postgres.DSN != "",
		"redis", cfg.Redis.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logging.Op().Info("shutdown signal received")
	close(eventCh)
	cancel()
	time.Sleep(100 * time.Millisecond)
	return nil
}

// dispatcherFunc adapts a plain function to timers.Dispatcher, letting the
// interval-timer scheduler be constructed before the Tenant Manager it
// ultimately dispatches through exists.
type dispatcherFunc func(ctx context.Context, route func(ev any) (domain.TenantID, domain.DispatchEvent, bool), ev any) error

func (f dispatcherFunc) HandleExternalEvent(ctx context.Context, route func(ev any) (domain.TenantID, domain.DispatchEvent, bool), ev any) error {
	return f(ctx, route, ev)
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}
