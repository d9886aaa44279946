package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tulkenz-ims/be-ops-approvals/internal/catalog"
	"github.com/tulkenz-ims/be-ops-approvals/internal/client"
	"github.com/tulkenz-ims/be-ops-approvals/internal/engine"
	"github.com/tulkenz-ims/be-ops-approvals/internal/handler"
	"github.com/tulkenz-ims/be-ops-approvals/internal/metrics"
	"github.com/tulkenz-ims/be-ops-approvals/internal/platform/config"
	"github.com/tulkenz-ims/be-ops-approvals/internal/platform/logger"
	"github.com/tulkenz-ims/be-ops-approvals/internal/platform/middleware"
	"github.com/tulkenz-ims/be-ops-approvals/internal/platform/natsclient"
	"github.com/tulkenz-ims/be-ops-approvals/internal/schema"
	"github.com/tulkenz-ims/be-ops-approvals/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Str("store_backend", cfg.Engine.StoreBackend).
		Str("timezone", cfg.Engine.Timezone).
		Msg("Starting Approvals Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence
	st, err := openStores(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open stores")
	}
	defer st.close()

	validator, err := schema.New()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to compile JSON schemas")
	}

	// Seed catalog
	var seed *catalog.Seed
	if cfg.Engine.SeedFile != "" {
		seed, err = catalog.LoadFile(cfg.Engine.SeedFile, validator)
		if err != nil {
			log.Fatal().Err(err).Str("seed_file", cfg.Engine.SeedFile).Msg("Failed to load seed catalog")
		}
		if _, err := catalog.Apply(ctx, seed, st.templates, st.delegations, log.Component("catalog")); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply seed catalog")
		}
	}

	// Role directory: the identity service, or the seed's role table when
	// no identity address is configured.
	var roles engine.RoleDirectory
	if cfg.Identity.GRPCAddr != "" {
		identityClient, err := client.NewIdentityGRPCClient(client.IdentityConfig{
			Addr:            cfg.Identity.GRPCAddr,
			CallTimeout:     cfg.Identity.CallTimeout,
			BreakerFailures: cfg.Identity.BreakerFailures,
			BreakerTimeout:  cfg.Identity.BreakerTimeout,
		}, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create identity gRPC client")
		}
		defer identityClient.Close()
		roles = identityClient
		log.Info().Str("identity_grpc", cfg.Identity.GRPCAddr).Msg("Identity gRPC client initialized")
	} else {
		if seed == nil || len(seed.Roles) == 0 {
			log.Fatal().Msg("No identity service configured and the seed catalog defines no roles")
		}
		roles = seed.RoleDirectory()
		log.Warn().Strs("roles", seed.RoleNames()).Msg("Resolving roles from the seed catalog")
	}

	// Notifications
	var notifier service.Notifier
	if cfg.NATS.Enabled {
		nc, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATS.URL,
			Name:     cfg.Service.Name,
			Stream:   cfg.NATS.Stream,
			Subjects: client.StreamSubjects,
		}, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer nc.Close()
		notifier = client.NewNotificationPublisher(nc, log.Logger)
		log.Info().Str("nats_url", cfg.NATS.URL).Msg("NATS notifications enabled")
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.NewProm("approvals", registry)

	// Initialize services
	loc := cfg.Location()
	builder := engine.NewBuilder(roles, engine.WithLocation(loc))
	approvalService := service.NewApprovalService(
		st.templates, st.delegations, st.chains, st.audit,
		builder, notifier, recorder, cfg.Engine.DecisionMaxRetries, log.Component("approvals"),
	)
	templateService := service.NewTemplateService(st.templates, log.Component("templates"))
	delegationService := service.NewDelegationService(st.delegations, loc, log.Component("delegations"))

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(approvalService, templateService, delegationService,
		validator, recorder, st.ping, log)
	mux := http.NewServeMux()
	httpHandler.Register(mux)
	mux.Handle("/metrics", metrics.Handler(registry))

	// Apply middleware
	var h http.Handler = mux
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS(cfg.Server.CORSOrigins)(h)
	h = middleware.Timeout(cfg.Server.RequestTimeout)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Start gRPC server
	grpcHandler := handler.NewGRPCHandler(st.ping, log.Logger)
	grpcServer := grpcHandler.NewServer()
	go grpcHandler.Watch(ctx, 15*time.Second)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	grpcHandler.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	grpcServer.GracefulStop()
	approvalService.Wait()

	log.Info().Msg("Server stopped")
}
