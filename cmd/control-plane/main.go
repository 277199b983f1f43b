// Control-plane API server.
//
// Serves the fleet's single synchronous surface: appliance checkin,
// evidence chain ingest and verification, provisioning, domain
// credentials, orders, incidents and L2 execution telemetry. Runs its
// own migrations at boot and promotes stable L2 patterns into synced
// L1 rules in the background.
//
// Usage:
//
//	control-plane                       # config from /etc/fleet/control-plane.yaml + FLEET_* env
//	FLEET_DATABASE_URL=postgres://...   # the only setting with no default
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianmsp/fleet/internal/controlplane/chain"
	"github.com/meridianmsp/fleet/internal/controlplane/checkin"
	"github.com/meridianmsp/fleet/internal/controlplane/config"
	"github.com/meridianmsp/fleet/internal/controlplane/flywheel"
	"github.com/meridianmsp/fleet/internal/controlplane/httpx"
	"github.com/meridianmsp/fleet/internal/controlplane/incidents"
	"github.com/meridianmsp/fleet/internal/controlplane/metrics"
	"github.com/meridianmsp/fleet/internal/controlplane/migrations"
	"github.com/meridianmsp/fleet/internal/controlplane/objstore"
	"github.com/meridianmsp/fleet/internal/controlplane/orderapi"
	"github.com/meridianmsp/fleet/internal/controlplane/signing"
	"github.com/meridianmsp/fleet/internal/controlplane/sites"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := migrations.Up(cfg.DatabaseURL); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to create database pool: %v", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("Failed to reach database: %v", err)
	}

	signer, err := signing.Load(cfg.SigningKeyPath)
	if err != nil {
		log.Fatalf("Failed to load signing key: %v", err)
	}
	log.Printf("Server signing key: %s", signer.PublicKeyHex())

	objects, err := objstore.New(cfg.ObjstoreDir)
	if err != nil {
		log.Fatalf("Failed to open evidence object store: %v", err)
	}

	checkinHandler := checkin.NewHandler(checkin.NewStore(pool, signer.PublicKeyHex()))
	chainHandler := chain.NewHandler(chain.NewStore(pool, objects), signer.PublicKeyHex())
	siteHandler := sites.NewHandler(sites.NewStore(pool))
	orderStore := orderapi.NewStore(pool, signer, cfg.OrderTTL)
	orderHandler := orderapi.NewHandler(orderStore)
	incidentHandler := incidents.NewHandler(incidents.NewStore(pool))

	flyStore := flywheel.NewStore(pool)
	rulesHandler := flywheel.NewHandler(flyStore, signer)
	ingestHandler := flywheel.NewIngestHandler(flyStore)

	worker := flywheel.NewWorker(flyStore, orderStore, flywheel.Config{
		Interval:       cfg.PromoteInterval,
		MinExecutions:  cfg.PromoteMinExecutions,
		MinSuccessRate: cfg.PromoteMinSuccessRate,
	})
	go worker.Run(ctx)

	r := chi.NewRouter()
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			httpx.Error(w, http.StatusServiceUnavailable, "database unreachable")
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(api chi.Router) {
		// An appliance has no token until its claim succeeds, so the
		// claim route stays outside the auth group.
		api.Post("/provision/claim", siteHandler.Claim)

		api.Group(func(authed chi.Router) {
			authed.Use(httpx.BearerAuth(cfg.AuthToken))

			authed.Post("/provision/codes", siteHandler.MintCode)

			appliances := siteHandler.ApplianceRoutes()
			appliances.Method(http.MethodPost, "/checkin", checkinHandler)
			authed.Mount("/appliances", appliances)

			siteRoutes := siteHandler.SiteRoutes()
			siteRoutes.Get("/{siteID}/l1-rules", rulesHandler.L1Rules)
			authed.Mount("/sites", siteRoutes)

			authed.Mount("/evidence", chainHandler.Routes())
			authed.Mount("/orders", orderHandler.Routes())
			authed.Mount("/incidents", incidentHandler.Routes())
			authed.Method(http.MethodPost, "/agent/executions", ingestHandler)
		})
	})

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		log.Printf("Shutdown signal: %v", sig)
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Graceful shutdown failed: %v", err)
		}
	}()

	log.Printf("Control plane listening on %s", cfg.ListenAddr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Control plane stopped")
}
