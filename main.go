package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/robfig/cron/v3"

	"github.com/dan-fein/sandbox-bootstrap-next/config"
	"github.com/dan-fein/sandbox-bootstrap-next/gateway"
	"github.com/dan-fein/sandbox-bootstrap-next/handler"
	"github.com/dan-fein/sandbox-bootstrap-next/hub"
	"github.com/dan-fein/sandbox-bootstrap-next/kv"
	"github.com/dan-fein/sandbox-bootstrap-next/nomad"
	"github.com/dan-fein/sandbox-bootstrap-next/probe"
	"github.com/dan-fein/sandbox-bootstrap-next/saga"
	sbx "github.com/dan-fein/sandbox-bootstrap-next/sandbox"
	"github.com/dan-fein/sandbox-bootstrap-next/storage"
	"github.com/dan-fein/sandbox-bootstrap-next/store"
	"github.com/dan-fein/sandbox-bootstrap-next/watchdog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("%v", err)
	}

	// Config store
	var kvStore kv.Store
	switch cfg.StoreBackend {
	case "consul":
		kvStore, err = kv.NewConsul(cfg.ConsulAddr)
		if err != nil {
			log.Fatalf("consul store: %v", err)
		}
		log.Println("config store: consul at " + cfg.ConsulAddr)
	default:
		kvStore = kv.NewEdgeConfig(cfg.EdgeConfigAPI, cfg.EdgeConfigID, cfg.EdgeConfigToken)
		log.Println("config store: edge-config " + cfg.EdgeConfigID)
	}

	// Sandbox provider
	var provider sbx.Provider
	switch cfg.ProviderBackend {
	case "nomad":
		nomadProvider, err := nomad.NewProvider(cfg.NomadAddr)
		if err != nil {
			log.Fatalf("nomad provider: %v", err)
		}
		if err := nomadProvider.Healthy(); err != nil {
			log.Printf("WARNING: nomad not healthy (%v)", err)
		} else {
			log.Println("nomad connected at " + cfg.NomadAddr)
		}
		provider = nomadProvider
	default:
		provider = sbx.NewVercelClient(cfg.SandboxAPI, cfg.VercelToken, cfg.VercelTeamID, cfg.VercelProjectID)
	}

	// Tick audit store
	var sagaStore saga.Store = saga.NewMemoryStore()
	if cfg.DatabaseURL != "" {
		db, err := store.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Printf("WARNING: database unavailable (%v), keeping tick events in memory", err)
		} else {
			defer db.Close()
			if err := store.Migrate(db); err != nil {
				log.Fatalf("migration: %v", err)
			}
			sagaStore = saga.NewPostgresStore(db.Pool)
			log.Println("tick events persisted to postgres")
		}
	}

	// Snapshot archive
	var snapshots *storage.Client
	if cfg.S3Endpoint != "" {
		snapshots, err = storage.NewClient(storage.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			log.Printf("WARNING: S3 storage unavailable (%v)", err)
		} else if err := snapshots.EnsureBucket(context.Background(), cfg.S3Bucket); err != nil {
			log.Printf("WARNING: S3 bucket: %v", err)
			snapshots = nil
		} else {
			log.Println("state snapshots archived to " + cfg.S3Endpoint + "/" + cfg.S3Bucket)
		}
	}

	// Optional bootstrap overrides
	var runSpec *sbx.RunSpec
	if cfg.SpecFile != "" {
		runSpec, err = sbx.LoadRunSpec(cfg.SpecFile)
		if err != nil {
			log.Fatalf("run spec: %v", err)
		}
	}

	// WebSocket hub
	allowedOrigins := []string{"http://localhost:5173", "http://localhost:3000"}
	for _, o := range strings.Split(cfg.AllowedOrigins, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			allowedOrigins = append(allowedOrigins, o)
		}
	}
	ws := hub.New(allowedOrigins)
	go ws.Run()

	// Rotation controller
	ctrl := &watchdog.Controller{
		Store:     kvStore,
		Provider:  provider,
		Prober:    &probe.Prober{},
		Keepalive: &probe.Pinger{Token: cfg.KeepaliveToken},
		Sagas:     sagaStore,
		WS:        ws,

		Snapshots:      snapshots,
		SnapshotBucket: cfg.S3Bucket,

		Spec: sbx.Spec{
			Port:        cfg.Port,
			Runtime:     "node22",
			MaxLifetime: cfg.RotationInterval,
			Token:       cfg.VercelToken,
			TeamID:      cfg.VercelTeamID,
			ProjectID:   cfg.VercelProjectID,
		},
		Bootstrap: sbx.BootstrapConfig{
			Repo:           cfg.AppRepo,
			Ref:            cfg.AppRef,
			Workdir:        cfg.Workdir,
			Port:           cfg.Port,
			KeepaliveToken: cfg.KeepaliveToken,
			Spec:           runSpec,
		},

		RotationInterval: cfg.RotationInterval,
		DrainGrace:       cfg.DrainGrace,
	}

	// Handler + router
	h := handler.New(cfg, kvStore, ctrl, sagaStore)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
		}))
		r.Get("/health", h.Health)
		r.Get("/state", h.State)
		r.Get("/rotations", h.Rotations)
	})

	r.Get("/internal/keepalive", h.Keepalive)
	r.Get("/watchdog", h.Watchdog)
	r.Post("/watchdog", h.Watchdog)
	r.Get("/ws", ws.HandleConnect)

	// Internal tick schedule (an external cron may also hit /watchdog)
	var cr *cron.Cron
	if cfg.CronSpec != "" && !cfg.MonitoringDisabled {
		cr = cron.New()
		_, err := cr.AddFunc(cfg.CronSpec, func() {
			if err := ctrl.Tick(context.Background(), false); err != nil {
				log.Printf("scheduled tick: %v", err)
			}
		})
		if err != nil {
			log.Fatalf("cron: invalid SANDBOX_CRON %q: %v", cfg.CronSpec, err)
		}
		cr.Start()
		log.Printf("cron: tick scheduled (%s)", cfg.CronSpec)
	}

	srv := &http.Server{
		Addr: cfg.GatewayAddr,
		Handler: gateway.New(kvStore, r, gateway.Options{
			SelfURL:  cfg.SelfURL,
			Disabled: cfg.DisableEdgeRewrite,
			Debug:    cfg.DebugRouting,
		}),
	}

	go func() {
		log.Printf("sandbox router %s listening on %s", Version, cfg.GatewayAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")
	if cr != nil {
		<-cr.Stop().Done()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}
