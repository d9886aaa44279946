package main

import (
	"context"
	"fmt"

	"github.com/tulkenz-ims/be-ops-approvals/internal/platform/config"
	"github.com/tulkenz-ims/be-ops-approvals/internal/platform/database"
	"github.com/tulkenz-ims/be-ops-approvals/internal/platform/logger"
	"github.com/tulkenz-ims/be-ops-approvals/internal/repository"
)

// stores bundles the persistence backends selected by configuration.
type stores struct {
	templates   repository.TemplateStore
	delegations repository.DelegationStore
	chains      repository.ChainStore
	audit       repository.AuditStore

	// ping checks every remote backend; nil for the memory backend.
	ping  func(ctx context.Context) error
	close func()
}

// openStores wires the configured backend. The redis backend keeps chain
// instances in Redis and the catalog and audit trail in Postgres.
func openStores(ctx context.Context, cfg *config.Config, log *logger.Logger) (*stores, error) {
	switch cfg.Engine.StoreBackend {
	case config.StoreMemory:
		log.Warn().Msg("Using in-memory stores; data is lost on restart")
		return &stores{
			templates:   repository.NewMemoryTemplateStore(),
			delegations: repository.NewMemoryDelegationStore(),
			chains:      repository.NewMemoryChainStore(),
			audit:       repository.NewMemoryAuditStore(),
			close:       func() {},
		}, nil

	case config.StorePostgres, config.StoreRedis:
		db, err := openDatabase(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		s := &stores{
			templates:   repository.NewTemplateRepository(db),
			delegations: repository.NewDelegationRepository(db),
			chains:      repository.NewChainRepository(db),
			audit:       repository.NewApprovalAuditRepository(db),
			ping:        db.Ping,
			close:       db.Close,
		}
		if cfg.Engine.StoreBackend == config.StorePostgres {
			return s, nil
		}

		client, err := repository.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		log.Info().Msg("Redis connection established")
		s.chains = repository.NewRedisChainStore(client)
		s.ping = func(ctx context.Context) error {
			if err := db.Ping(ctx); err != nil {
				return err
			}
			return client.Ping(ctx).Err()
		}
		s.close = func() {
			_ = client.Close()
			db.Close()
		}
		return s, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Engine.StoreBackend)
	}
}

func openDatabase(ctx context.Context, cfg *config.Config, log *logger.Logger) (*database.DB, error) {
	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	log.Info().Msg("Database connection established")

	if cfg.Database.AutoMigrate {
		if err := repository.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		log.Info().Msg("Database migrations applied")
	}
	return db, nil
}
