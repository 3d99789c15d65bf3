// Package app assembles the recovery services from a configuration.
package app

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"recoveryd/internal/adversarial"
	"recoveryd/internal/anchors"
	"recoveryd/internal/challenge"
	"recoveryd/internal/commitment"
	"recoveryd/internal/config"
	"recoveryd/internal/duress"
	"recoveryd/internal/health"
	"recoveryd/internal/logging"
	"recoveryd/internal/metrics"
	"recoveryd/internal/recovery"
	"recoveryd/internal/security"
	"recoveryd/internal/signer"
	"recoveryd/internal/store"
)

// App holds the wired components of one process.
type App struct {
	Config       *config.Config
	Store        *store.Store
	Commitments  *commitment.Service
	Challenges   *challenge.Generator
	Orchestrator *recovery.Orchestrator
	Service      *recovery.Service
	Batcher      *anchors.Batcher
	Audit        *logging.AuditLogger
	Health       *health.Checker
	Metrics      *metrics.Registry
	SigningKey   ed25519.PrivateKey

	logger  *slog.Logger
	closers []func() error
}

// Build opens storage and keys and wires the services. The caller owns the
// returned App and must Close it.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	built := &App{
		Config:  cfg,
		Health:  health.NewChecker(),
		Metrics: metrics.NewRegistry("recoveryd"),
		logger:  logger,
	}
	defer func() {
		if err != nil {
			built.Close()
		}
	}()

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	built.Audit, err = logging.NewAuditLogger(cfg.AuditConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	built.closers = append(built.closers, built.Audit.Close)

	built.Store, err = store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	built.closers = append(built.closers, built.Store.Close)

	_, statErr := os.Stat(cfg.Storage.MasterKeyPath)
	keyring, err := security.LoadOrCreateKeyring(cfg.Storage.MasterKeyPath)
	if err != nil {
		return nil, err
	}
	if os.IsNotExist(statErr) {
		_ = built.Audit.LogKeyGenerated(ctx, "master", cfg.Storage.MasterKeyPath)
	}

	codec, err := security.NewCodec(cfg.Commitment.Algorithm)
	if err != nil {
		return nil, err
	}

	_, statErr = os.Stat(cfg.Signing.KeyPath)
	built.SigningKey, err = signer.LoadOrCreatePrivateKey(cfg.Signing.KeyPath)
	if err != nil {
		return nil, err
	}
	if os.IsNotExist(statErr) {
		_ = built.Audit.LogKeyGenerated(ctx, "anchor_signing", cfg.Signing.KeyPath)
	}
	if p := cfg.Signing.PublicKeyPath; p != "" {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			if err := signer.WritePublicKey(p, signer.GetPublicKey(built.SigningKey)); err != nil {
				return nil, err
			}
		}
	}

	cache, err := built.replayCache(ctx)
	if err != nil {
		return nil, err
	}

	built.Commitments = commitment.NewService(built.Store, codec, keyring, cfg.CommitmentServiceConfig(), logger)
	built.Challenges = challenge.NewGenerator(built.Store, cfg.ChallengeConfig(), logger)
	built.Orchestrator = recovery.New(recovery.Options{
		Store:       built.Store,
		Commitments: built.Commitments,
		Challenges:  built.Challenges,
		Detector:    adversarial.NewDetector(cache, cfg.DetectorConfig(), logger),
		Duress:      duress.NewScorer(),
		Audit:       recovery.AuditSinks{built.Audit, metrics.NewRecorder(built.Metrics)},
		Policy:      cfg.RecoveryPolicy(),
		Logger:      logger,
	})
	built.Service = recovery.NewService(built.Orchestrator, built.Commitments, built.Store, built.Store, signer.GetPublicKey(built.SigningKey))

	transport, err := cfg.NewTransport()
	if err != nil {
		return nil, err
	}
	built.Batcher = anchors.NewBatcher(built.Store, transport, built.SigningKey, cfg.BatcherConfig(), logger)

	built.registerChecks()
	metrics.CollectOutbox(built.Metrics, built.Store, logger)
	return built, nil
}

func (a *App) registerChecks() {
	cfg := a.Config
	a.Health.RegisterFunc("database", true, health.PingCheck("database", a.Store.DB().PingContext))
	a.Health.RegisterFunc("master_key", true, health.KeyFileCheck(cfg.Storage.MasterKeyPath))
	a.Health.RegisterFunc("signing_key", true, health.KeyFileCheck(cfg.Signing.KeyPath))
	if cfg.Anchors.Enabled {
		lag := time.Duration(cfg.Health.MaxAnchorLagMin) * time.Minute
		a.Health.RegisterFunc("anchoring", false, health.AnchorBacklogCheck(a.Store, lag, nil))
	}
}

func (a *App) replayCache(ctx context.Context) (adversarial.ReplayCache, error) {
	dc := a.Config.DetectorConfig()
	switch a.Config.Adversarial.CacheBackend {
	case "redis":
	case "memory":
		a.logger.Warn("replay cache is per process", "backend", "memory")
		return adversarial.NewMemoryCache(dc.CacheTTL), nil
	default:
		return adversarial.NewStoreCache(a.Store, dc.CacheTTL, a.logger), nil
	}
	r := a.Config.Adversarial.Redis
	client, err := adversarial.DialRedis(ctx, r.Addr, r.Password, r.DB)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, client.Close)
	a.Health.RegisterFunc("replay_cache", true, health.PingCheck("replay cache", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}))
	a.logger.Info("replay cache connected", "backend", "redis", "addr", r.Addr)
	return adversarial.NewRedisCache(client, r.KeyPrefix, dc.CacheTTL), nil
}

// ApplyConfig pushes the reloadable parts of cfg into the running services.
func (a *App) ApplyConfig(ctx context.Context, old, cfg *config.Config) {
	if old != nil && old.RecoveryPolicy() != cfg.RecoveryPolicy() {
		_ = a.Audit.LogConfigChange(ctx, "recovery", old.RecoveryPolicy(), cfg.RecoveryPolicy())
	}
	if old != nil && old.ChallengeConfig() != cfg.ChallengeConfig() {
		_ = a.Audit.LogConfigChange(ctx, "challenges", old.ChallengeConfig(), cfg.ChallengeConfig())
	}
	a.Orchestrator.SetPolicy(cfg.RecoveryPolicy())
	a.Challenges.SetConfig(cfg.ChallengeConfig())
	a.Config = cfg
}

// Handler serves the health endpoints and /metrics.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.Metrics.HTTPHandler())
	mux.Handle("/", a.Health.Handler())
	return mux
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
