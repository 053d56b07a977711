package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fleetwatch/fleetwatch/internal/auth"
	"github.com/fleetwatch/fleetwatch/internal/cluster"
	"github.com/fleetwatch/fleetwatch/internal/config"
	"github.com/fleetwatch/fleetwatch/internal/coord"
	"github.com/fleetwatch/fleetwatch/internal/crypt"
	"github.com/fleetwatch/fleetwatch/internal/events"
	"github.com/fleetwatch/fleetwatch/internal/fleet"
	"github.com/fleetwatch/fleetwatch/internal/logging"
	"github.com/fleetwatch/fleetwatch/internal/metrics"
	"github.com/fleetwatch/fleetwatch/internal/notify"
	"github.com/fleetwatch/fleetwatch/internal/web"
)

// Exit codes: 0 clean shutdown, 1 fatal configuration error,
// 2 coordination backend unreachable at startup, 64 usage error.
const (
	exitOK      = 0
	exitConfig  = 1
	exitBackend = 2
	exitUsage   = 64
)

// shutdownGrace bounds how long in-flight requests may drain.
const shutdownGrace = 30 * time.Second

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("fleetwatch", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the YAML configuration file")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return exitUsage
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "unexpected argument %q\n", fs.Arg(0))
		return exitUsage
	}
	if *showVersion {
		fmt.Println("fleetwatch " + version)
		return exitOK
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return exitConfig
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return exitConfig
	}

	log := logging.New(cfg.Server.LogJSON)
	log.Info("fleetwatch starting", "version", version, "port", cfg.Server.Port)

	// --- Crypto material ---
	wireKey, _ := cfg.WireKey()
	cipher, err := crypt.NewCipher(wireKey)
	if err != nil {
		log.Error("wire cipher init failed", "error", err)
		return exitConfig
	}

	var atRestCipher *crypt.Cipher
	if key, _ := cfg.AtRestKey(); key != nil {
		if atRestCipher, err = crypt.NewCipher(key); err != nil {
			log.Error("at-rest cipher init failed", "error", err)
			return exitConfig
		}
	}

	// --- Coordination backend ---
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelStartup()

	backend, err := openBackend(startupCtx, cfg)
	if err != nil {
		log.Error("coordination backend unreachable", "backend", cfg.Cluster.Backend, "error", err)
		return exitBackend
	}
	defer backend.Close()

	// --- Data store ---
	store := fleet.NewStore(fleet.Options{
		HistorySize:  cfg.Server.HistorySize,
		OnlineWindow: cfg.OnlineWindow(),
		StaleWindow:  cfg.StaleWindow(),
		CommandTTL:   cfg.CommandTTL(),
		Log:          log.Logger,
	})

	var persister *fleet.Persister
	if cfg.Server.PersistPath != "" {
		persister = fleet.NewPersister(store, cfg.Server.PersistPath, atRestCipher)
		if err := persister.Load(); err != nil {
			log.Error("snapshot load failed", "path", cfg.Server.PersistPath, "error", err)
			return exitConfig
		}
	}

	// --- Events & notifications ---
	bus := events.New()
	notifiers := []notify.Notifier{notify.NewLogNotifier(log.Logger)}
	if cfg.Notify.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.Notify.WebhookURL))
	}
	if cfg.Notify.MQTTBroker != "" {
		notifiers = append(notifiers, notify.NewMQTT(cfg.Notify.MQTTBroker, cfg.Notify.MQTTTopic))
	}
	dispatcher := notify.NewDispatcher(bus, log.Logger, notifiers...)
	dispatcher.Start()

	// --- Sessions and users ---
	sessions := auth.NewSessionManager(backend, cfg.SessionTTL(), log.Logger)
	users := auth.NewUserStore(backend, log.Logger)
	if err := bootstrapAdmin(startupCtx, cfg, users, log); err != nil {
		log.Error("admin bootstrap failed", "error", err)
		return exitConfig
	}

	// --- Cluster membership ---
	var clusterMgr *cluster.Manager
	nodeID := "standalone"
	if cfg.Cluster.Enabled {
		secret, _ := cfg.ClusterSecret()
		signer, err := crypt.NewNodeSigner(secret)
		if err != nil {
			log.Error("cluster signer init failed", "error", err)
			return exitConfig
		}
		clusterMgr, err = cluster.New(cluster.Options{
			Backend:           backend,
			Signer:            signer,
			Log:               log.Logger,
			Host:              cfg.Cluster.AdvertiseHost,
			Port:              cfg.Server.Port,
			Roles:             cfg.Cluster.Roles,
			HeartbeatInterval: cfg.HeartbeatInterval(),
			NodeTimeout:       cfg.NodeTimeout(),
		})
		if err != nil {
			log.Error("cluster manager init failed", "error", err)
			return exitConfig
		}
		if err := clusterMgr.Start(startupCtx); err != nil {
			log.Error("cluster registration failed", "error", err)
			return exitBackend
		}
		nodeID = clusterMgr.NodeID()
	}

	// --- HTTP auth service ---
	authSvc := &auth.Service{
		APIKey:       cfg.Server.APIKey,
		Sessions:     sessions,
		CookieSecure: cfg.TLSEnabled(),
		LoginLimiter: auth.NewRateLimiter(cfg.Server.RateLimitPerMinute),
		AgentLimiter: auth.NewRateLimiter(cfg.Server.RateLimitPerMinute),
	}

	// --- Background jobs ---
	sched := cron.New()
	scheduleJobs(sched, cfg, store, persister, backend, bus, authSvc, log)
	sched.Start()

	// --- HTTP server ---
	srv := web.NewServer(web.Dependencies{
		Store:          store,
		Sessions:       sessions,
		Users:          users,
		Auth:           authSvc,
		Cluster:        clusterMgr,
		Backend:        backend,
		BackendName:    cfg.Cluster.Backend,
		Cipher:         cipher,
		Bus:            bus,
		Log:            log.Logger,
		NodeID:         nodeID,
		MetricsEnabled: cfg.Server.MetricsEnabled,
		PackagesDir:    cfg.Server.PackagesDir,
		CookieSecure:   cfg.TLSEnabled(),
	})
	if cfg.TLSEnabled() {
		srv.SetTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe(fmt.Sprintf(":%d", cfg.Server.Port))
	}()

	// --- Shutdown ---
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			return exitConfig
		}
	case s := <-sig:
		log.Info("shutting down", "signal", s.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server drain incomplete", "error", err)
	}
	sched.Stop()
	dispatcher.Stop()
	if clusterMgr != nil {
		clusterMgr.Stop(shutdownCtx)
	}
	if persister != nil {
		if err := persister.Save(); err != nil {
			log.Warn("final snapshot failed", "error", err)
		}
	}

	log.Info("shutdown complete")
	return exitOK
}

// openBackend builds the configured coordination backend and verifies it
// is reachable before the server takes traffic.
func openBackend(ctx context.Context, cfg *config.Config) (coord.Backend, error) {
	switch cfg.Cluster.Backend {
	case config.BackendMemory:
		return coord.NewMemory(), nil
	case config.BackendFile:
		return coord.OpenFile(cfg.Cluster.FilePath)
	case config.BackendKV:
		return coord.NewRedis(ctx, coord.RedisConfig{
			Host:     cfg.Cluster.KV.Host,
			Port:     cfg.Cluster.KV.Port,
			Password: cfg.Cluster.KV.Auth,
		})
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Cluster.Backend)
}

// bootstrapAdmin creates the initial admin account on a fresh install.
func bootstrapAdmin(ctx context.Context, cfg *config.Config, users *auth.UserStore, log *logging.Logger) error {
	if cfg.Server.AdminUser == "" || cfg.Server.AdminPassword == "" {
		return nil
	}
	exists, err := users.Exists(ctx)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := users.Create(ctx, cfg.Server.AdminUser, cfg.Server.AdminPassword, "admin"); err != nil {
		if errors.Is(err, auth.ErrUserExists) {
			return nil // another node won the race
		}
		return err
	}
	log.Info("initial admin user created", "username", cfg.Server.AdminUser)
	return nil
}

// scheduleJobs registers the periodic maintenance work: command expiry,
// snapshot persistence, rate-limit cleanup, and staleness transitions.
func scheduleJobs(sched *cron.Cron, cfg *config.Config, store *fleet.Store, persister *fleet.Persister, backend coord.Backend, bus *events.Bus, authSvc *auth.Service, log *logging.Logger) {
	_, _ = sched.AddFunc("@every 1m", func() {
		if n := store.ExpireCommands(); n > 0 {
			log.Info("commands expired", "count", n)
			metrics.CommandsTotal.WithLabelValues("expired").Add(float64(n))
			bus.Publish(events.Event{
				Type:      events.EventCommandExpired,
				Message:   fmt.Sprintf("%d commands expired", n),
				Timestamp: time.Now(),
			})
		}
	})

	if persister != nil {
		interval := cfg.PersistInterval()
		_, _ = sched.AddFunc(fmt.Sprintf("@every %s", interval), func() {
			if err := persister.Save(); err != nil {
				log.Warn("snapshot save failed", "error", err)
			}
		})
	}

	// Drop idle per-IP rate-limit buckets so the maps stay bounded.
	_, _ = sched.AddFunc("@every 10m", func() {
		authSvc.LoginLimiter.Cleanup()
		authSvc.AgentLimiter.Cleanup()
	})

	if f, ok := backend.(*coord.File); ok {
		_, _ = sched.AddFunc("@every 5m", func() {
			if _, err := f.Sweep(); err != nil {
				log.Warn("backend sweep failed", "error", err)
			}
		})
	}

	// Publish offline/online transitions by diffing each machine's status
	// against the previous run.
	last := make(map[string]fleet.Status)
	_, _ = sched.AddFunc("@every 30s", func() {
		for _, m := range store.List() {
			prev, seen := last[m.ID]
			if seen && prev != m.Status {
				evt := events.Event{
					MachineID: m.ID,
					Message:   fmt.Sprintf("machine %s is now %s", m.ID, m.Status),
					Timestamp: time.Now(),
				}
				switch m.Status {
				case fleet.StatusOffline:
					evt.Type = events.EventMachineOffline
					bus.Publish(evt)
				case fleet.StatusOnline:
					evt.Type = events.EventMachineOnline
					bus.Publish(evt)
				}
			}
			last[m.ID] = m.Status
		}
	})
}
