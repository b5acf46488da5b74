// Package app assembles the server from a loaded configuration.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/collapsinghierarchy/blindreview/auth"
	"github.com/collapsinghierarchy/blindreview/config"
	"github.com/collapsinghierarchy/blindreview/cycle"
	"github.com/collapsinghierarchy/blindreview/handler"
	"github.com/collapsinghierarchy/blindreview/pkc/blindsig"
	"github.com/collapsinghierarchy/blindreview/routes"
	"github.com/collapsinghierarchy/blindreview/service"
	"github.com/collapsinghierarchy/blindreview/store"
	"github.com/collapsinghierarchy/blindreview/store/memory"
	"github.com/collapsinghierarchy/blindreview/store/postgres"
	"github.com/collapsinghierarchy/blindreview/store/sqlite"
)

type backend interface {
	store.Store
	store.ProfessorSeeder
}

type App struct {
	Handler   http.Handler
	Authority *blindsig.Authority
	Store     store.Store
	Shuffle   *service.ShuffleEngine

	closers []func()
}

// Close releases the storage backend.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// Build opens storage, loads the signing key and wires every service behind
// the HTTP routes. The caller owns Close.
func Build(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	a := &App{}
	st, err := a.openStore(ctx, cfg.Database, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	for _, p := range cfg.SeedProfessors {
		if err := st.UpsertProfessor(ctx, p.ID, p.Name); err != nil {
			a.Close()
			return nil, fmt.Errorf("seed professor %s: %w", p.ID, err)
		}
	}
	if n := len(cfg.SeedProfessors); n > 0 {
		log.Info("seeded professors", zap.Int("count", n))
	}

	sk, err := blindsig.LoadOrGenerate(cfg.Keys.SigningKeyFile, cfg.Keys.RSABits, cfg.Keys.AllowEphemeral)
	if err != nil {
		a.Close()
		return nil, err
	}
	if cfg.Keys.SigningKeyFile == "" {
		log.Warn("using an ephemeral signing key; issued credentials die with this process")
	}
	authority, err := blindsig.New(sk)
	if err != nil {
		a.Close()
		return nil, err
	}
	hasher, err := service.NewUserHasher(cfg.Claim.UserHashKey)
	if err != nil {
		a.Close()
		return nil, err
	}
	verifier, err := auth.NewVerifier([]byte(cfg.JWT.Secret), cfg.JWT.Issuer)
	if err != nil {
		a.Close()
		return nil, err
	}

	cycles := cycle.New(cfg.Claim.CyclePeriod, nil)
	policy := service.Policy{MinBatch: cfg.Shuffle.MinBatch, MaxDelay: cfg.Shuffle.MaxDelay}
	shuffle := service.NewShuffleEngine(st, authority, policy, nil, log)

	srv := handler.New(handler.Deps{
		Keys:   authority,
		Cycles: cycles,
		Claims: service.NewClaimService(st, authority, cycles, hasher, service.ClaimConfig{
			MaxTokens:      cfg.Claim.MaxTokens,
			AllowedDomains: cfg.Claim.AllowedDomains,
		}, log),
		Submit:  service.NewSubmissionService(st, authority, cycles, cfg.Claim.MaxBlob, log),
		Shuffle: shuffle,
		Reviews: service.NewReviewService(st, shuffle, log),
		MaxBlob: cfg.Claim.MaxBlob,
		Log:     log,
	})

	a.Handler = routes.SetupRoutes(srv, routes.Options{
		Verifier:       verifier,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Log:            log,
	})
	a.Authority = authority
	a.Store = st
	a.Shuffle = shuffle
	log.Info("authority ready",
		zap.Int("modulusBits", authority.PublicKey().N.BitLen()),
		zap.String("cyclePeriod", string(cycles.Period())),
		zap.String("cycleId", cycles.Current()),
		zap.Int("minBatch", policy.MinBatch),
		zap.Duration("maxDelay", policy.MaxDelay))
	return a, nil
}

func (a *App) openStore(ctx context.Context, db config.DatabaseConfig, log *zap.Logger) (backend, error) {
	switch db.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, db.URL)
		if err != nil {
			return nil, fmt.Errorf("pgxpool.New: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("postgres ping: %w", err)
		}
		st := postgres.NewStore(pool)
		if err := st.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("postgres migrate: %w", err)
		}
		log.Info("storage ready", zap.String("driver", "postgres"))
		return st, nil
	case "sqlite":
		st, err := sqlite.Open(db.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = st.Close() })
		if err := st.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("sqlite migrate: %w", err)
		}
		log.Info("storage ready", zap.String("driver", "sqlite"), zap.String("path", db.SQLitePath))
		return st, nil
	case "memory":
		log.Warn("in-memory storage; nothing survives a restart")
		return memory.New(), nil
	}
	return nil, fmt.Errorf("unknown DB_DRIVER %q", db.Driver)
}
