package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/jmoiron/sqlx"
	"github.com/uber-go/tally"

	"github.com/crmmc/aria2deck/admission"
	"github.com/crmmc/aria2deck/aria2rpc"
	"github.com/crmmc/aria2deck/config"
	"github.com/crmmc/aria2deck/fanout"
	"github.com/crmmc/aria2deck/klog"
	"github.com/crmmc/aria2deck/lib/middleware"
	"github.com/crmmc/aria2deck/metrics"
	"github.com/crmmc/aria2deck/probe"
	"github.com/crmmc/aria2deck/reconciler"
	"github.com/crmmc/aria2deck/registry"
	"github.com/crmmc/aria2deck/storedb"
	"github.com/crmmc/aria2deck/store"
	"github.com/crmmc/aria2deck/submission"
)

// Flags defines the orchestrator CLI flags.
type Flags struct {
	ConfigFile string
	Cluster    string
}

// ParseFlags parses the orchestrator CLI flags.
func ParseFlags() *Flags {
	var flags Flags
	flag.StringVar(&flags.ConfigFile, "config", "", "configuration file path")
	flag.StringVar(&flags.Cluster, "cluster", "", "cluster name, used to tag emitted metrics")
	flag.Parse()
	return &flags
}

// staticQuota hands back a single configured value for every owner; the
// per-user session layer that would resolve a real quota is out of scope.
type staticQuota int64

func (q staticQuota) Quota(context.Context, int64) (int64, error) { return int64(q), nil }

// App wires every component package into a running orchestrator process.
type App struct {
	flags  *Flags
	config config.Config

	db         *sqlx.DB
	stats      tally.Scope
	reconciler *reconciler.Reconciler
	hub        *fanout.Hub
	submission *submission.Service
	healthSrv  *http.Server
	cleanup    []func()
}

// NewApp loads configuration and constructs an unstarted App.
func NewApp(flags *Flags) (*App, error) {
	cfg, err := config.NewConfigWithPath(flags.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app := &App{flags: flags, config: *cfg}
	return app, nil
}

// Initialize constructs every component in dependency order.
func (a *App) Initialize() error {
	if err := klog.Configure(a.config.Log); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}

	stats, closer, err := metrics.New(a.config.Metrics, a.flags.Cluster)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	a.stats = stats
	a.cleanup = append(a.cleanup, func() { closer.Close() })
	go metrics.EmitVersion(stats)

	db, err := storedb.New(a.config.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	a.db = db
	a.cleanup = append(a.cleanup, func() { db.Close() })

	st := store.New(db, a.config.Store.DownloadDir)
	if err := st.EnsureRoot(); err != nil {
		return fmt.Errorf("prepare store root: %w", err)
	}

	reg := registry.New(db)
	adm := admission.New(db, a.config.Store.DownloadDir, a.config.MaxTaskSize)
	client := aria2rpc.New(a.config.Aria2.RPCURL, a.config.Aria2.RPCSecret)

	hub := fanout.NewHub(nil, a.config.FanoutThrottle)
	a.hub = hub

	quotas := staticQuota(a.config.DefaultQuota)
	a.reconciler = reconciler.New(reg, st, adm, quotas, client, hub, a.config.MaxTaskSize, a.config.PollInterval)

	prober := probe.New(probe.DefaultTimeout)
	a.submission = submission.New(prober, probe.DefaultResolver, adm, reg, client, st)

	return nil
}

// Run starts every background loop and the health HTTP server, blocking
// until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	go a.reconciler.Listen(ctx, a.config.Aria2.RPCURL, aria2rpc.ReconnectConfig(a.config.WSReconnect))
	go a.reconciler.Poll(ctx)

	stop := make(chan struct{})
	go a.hub.RunHeartbeat(stop, a.config.FanoutPingInterval)

	r := chi.NewRouter()
	r.Use(middleware.StatusCounter(a.stats))
	r.Use(middleware.LatencyTimer(a.stats))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "OK")
	})
	r.Get("/readiness", func(w http.ResponseWriter, r *http.Request) {
		if err := a.db.Ping(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "OK")
	})

	a.healthSrv = &http.Server{Addr: a.config.ListenAddr, Handler: r}
	srvErr := make(chan error, 1)
	go func() {
		klog.Infof("listening on %s", a.config.ListenAddr)
		if err := a.healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			srvErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		close(stop)
		return a.shutdown()
	case err := <-srvErr:
		close(stop)
		return fmt.Errorf("health server: %w", err)
	}
}

func (a *App) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.healthSrv.Shutdown(shutdownCtx); err != nil {
		klog.Errorf("health server shutdown: %s", err)
	}
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	return nil
}
