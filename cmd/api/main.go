package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"escrowflow/agreement"
	"escrowflow/audit"
	"escrowflow/authz"
	"escrowflow/clock"
	"escrowflow/config"
	"escrowflow/custody"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/lifecycle"
	"escrowflow/store"
	"escrowflow/transfer"
)

func main() {
	configPath := flag.String("config", "configs/escrow.yaml", "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("escrowflow: %v", err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	server, err := newServer(cfg, st, transfer.NewLedger(), clock.System{}, logger)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("escrow api listening", zap.String("addr", cfg.HTTPAddr), zap.String("store", cfg.StoreDriver))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.LogDev {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.LogLevel, err)
	}
	zcfg.Level = level
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.Named("escrowflow"), nil
}

// openStore connects the configured backend. The returned func releases it.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Store, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.MaxDBConns)
		if err != nil {
			return nil, nil, fmt.Errorf("bootstrap database pool: %w", err)
		}
		pg := store.NewPostgres(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("postgres store ready")
		return pg, pool.Close, nil

	case config.DriverRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		logger.Info("redis store ready", zap.String("prefix", cfg.RedisPrefix))
		return store.NewRedis(client, cfg.RedisPrefix), func() { _ = client.Close() }, nil

	default:
		logger.Warn("using in-memory store; state is lost on restart")
		return store.NewMemory(), func() {}, nil
	}
}

// newServer wires the escrow components over st and ledger.
func newServer(cfg config.Config, st store.Store, ledger *transfer.Ledger, src clock.Source, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	creds := authz.NewCredentials()
	for _, p := range cfg.Arbitrators {
		if err := creds.Register(p.Name, p.Password, authz.RoleArbitrator); err != nil {
			return nil, fmt.Errorf("register arbitrator %s: %w", p.Name, err)
		}
	}
	verifier := authz.NewJWTVerifier(cfg.JWTSecret)
	authority := authz.NewAuthority(creds, authz.NewIssuer(cfg.JWTSecret, cfg.ProofTTL))

	auditLog := audit.New(st, src, logger.Named("audit"))
	registry := agreement.NewRegistry(st, src, cfg.DefaultToken, logger.Named("agreement"))
	transfers := transfer.NewBreaker(ledger, transfer.DefaultBreakerConfig(), logger.Named("transfer"))
	funds := custody.New(st, transfers, verifier, auditLog, escrow.Address(cfg.CustodyAddress), logger.Named("custody"))
	arbitration := dispute.New(st, funds, verifier, auditLog,
		dispute.WithClock(src),
		dispute.WithLogger(logger.Named("dispute")),
	)
	confirmations := lifecycle.NewConfirmations()
	machine := lifecycle.New(st, funds, arbitration, auditLog,
		lifecycle.WithPredicate(confirmations),
		lifecycle.WithSystemArbitrator(escrow.Address(cfg.SystemArbitrator)),
		lifecycle.WithLogger(logger.Named("lifecycle")),
	)

	server := &Server{
		agreements:    registry,
		custody:       funds,
		disputes:      arbitration,
		machine:       machine,
		audit:         auditLog,
		confirmations: confirmations,
		verifier:      verifier,
		principals:    creds,
		authority:     authority,
		clock:         src,
		logger:        logger.Named("http"),
	}
	if cfg.Faucet {
		server.ledger = ledger
	}
	return server, nil
}
