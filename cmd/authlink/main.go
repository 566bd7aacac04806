package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/authlink/internal/auth"
	"github.com/alexjbarnes/authlink/internal/cache"
	"github.com/alexjbarnes/authlink/internal/config"
	"github.com/alexjbarnes/authlink/internal/guilded"
	"github.com/alexjbarnes/authlink/internal/logging"
	"github.com/alexjbarnes/authlink/internal/pgstore"
	"github.com/alexjbarnes/authlink/internal/ratelimit"
	"github.com/alexjbarnes/authlink/internal/resource"
	"github.com/alexjbarnes/authlink/internal/seed"
	"github.com/alexjbarnes/authlink/internal/server"
	"github.com/alexjbarnes/authlink/internal/session"
	"github.com/alexjbarnes/authlink/internal/state"
	"github.com/alexjbarnes/authlink/internal/verify"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

// rateLimitIdleTTL is how long an idle client IP keeps its bucket.
const rateLimitIdleTTL = 10 * time.Minute

// store is what both relational backends provide.
type store interface {
	auth.Store
	seed.Store
	PruneExpired(ctx context.Context, now time.Time) (grants, tokens int, err error)
	Close() error
}

// closingCache is a cache with resources to release on shutdown.
type closingCache interface {
	cache.Cache
	Close() error
}

func main() {
	// Handle hash-secret subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "hash-secret" {
		hashSecret()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// hashSecret reads a client secret from stdin and prints its bcrypt
// hash for the seed file.
func hashSecret() {
	fmt.Fprint(os.Stderr, "Enter client secret: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		fmt.Fprintln(os.Stderr, "no input")
		os.Exit(1)
	}
	secret := scanner.Text()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(hash))
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("authlink starting",
		slog.String("version", Version),
		slog.String("base_url", cfg.BaseURL),
		slog.Bool("redis", cfg.RedisURL != ""),
		slog.Bool("postgres", cfg.DatabaseURL != ""),
		slog.Bool("bot", cfg.GuildedBotToken != ""),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	c, err := openCache(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	if cfg.SeedFile != "" {
		f, err := seed.Load(cfg.SeedFile)
		if err != nil {
			return fmt.Errorf("loading seed file: %w", err)
		}

		if err := seed.Apply(ctx, db, f, logger.With(slog.String("service", "seed"))); err != nil {
			return fmt.Errorf("applying seed file: %w", err)
		}
	}

	channels, err := cfg.ParseVerifyChannels()
	if err != nil {
		return fmt.Errorf("parsing verify channels: %w", err)
	}

	keys := cache.Keys{Prefix: cfg.CacheKeyPrefix}
	client := guilded.NewClient(
		guilded.WithBotToken(cfg.GuildedBotToken),
		guilded.WithLogger(logger),
	)

	var messenger verify.Messenger
	if client.HasBot() {
		messenger = client
	}

	engine := verify.NewEngine(client, messenger, channels, c, keys, logger.With(slog.String("service", "verify")))

	hashKey, blockKey := cfg.SessionKeys()
	binder := session.NewBinder(hashKey, blockKey, cfg.SecureCookies(), logger)

	issuer := auth.NewIssuer(db, c, keys, auth.IssuerConfig{
		AccessTokenTTL: cfg.AccessTokenTTL,
		GrantTTL:       cfg.GrantTTL,
	}, logger.With(slog.String("service", "auth")))

	mux := server.NewMux(server.MuxConfig{
		Auth:      auth.NewHandlers(auth.NewDecider(db), issuer, binder, db, c, keys, logger),
		Issuer:    issuer,
		Verify:    verify.NewHandlers(engine, binder, verify.NewSearchCache(client, 0, 0), logger),
		Resource:  resource.NewHandlers(client, logger),
		Limiter:   ratelimit.New(cfg.VerifyRatePerMinute, cfg.VerifyRateBurst, rateLimitIdleTTL),
		Logger:    logger,
		ServerURL: cfg.BaseURL,
	})

	srv := server.New(cfg.ListenAddr, server.AccessLog(logger)(mux))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Run(gctx, srv, logger)
	})

	g.Go(func() error {
		return pruneLoop(gctx, db, cfg.PruneInterval, logger)
	})

	if client.HasBot() {
		gw := guilded.NewGateway("", cfg.GuildedBotToken, logger.With(slog.String("service", "gateway")))
		g.Go(func() error {
			return ignoreCancel(gw.Run(gctx, engine.HandleReaction))
		})
	}

	if cfg.SeedFile != "" {
		g.Go(func() error {
			return ignoreCancel(seed.Watch(gctx, cfg.SeedFile, db, logger.With(slog.String("service", "seed"))))
		})
	}

	return g.Wait()
}

// openStore selects PostgreSQL when DATABASE_URL is set, otherwise the
// bbolt file at STATE_PATH.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store, error) {
	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, pgstore.Config{DSN: cfg.DatabaseURL, Schema: cfg.DatabaseSchema})
		if err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}

		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("preparing database schema: %w", err)
		}

		logger.Info("using PostgreSQL store", slog.String("schema", cfg.DatabaseSchema))

		return pg, nil
	}

	s, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	logger.Info("using bbolt store", slog.String("path", cfg.StatePath))

	return s, nil
}

// memoryCache adapts Memory's Stop to Close.
type memoryCache struct {
	*cache.Memory
}

func (m memoryCache) Close() error {
	m.Stop()
	return nil
}

func openCache(ctx context.Context, cfg *config.Config, logger *slog.Logger) (closingCache, error) {
	if cfg.RedisURL != "" {
		r, err := cache.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}

		return r, nil
	}

	logger.Warn("REDIS_URL not set, using in-memory cache; state is lost on restart")

	return memoryCache{cache.NewMemory()}, nil
}

// pruneLoop removes expired grants and tokens every interval.
func pruneLoop(ctx context.Context, db store, interval time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			grants, tokens, err := db.PruneExpired(ctx, time.Now())
			if err != nil {
				logger.Warn("pruning expired grants", slog.String("error", err.Error()))
				continue
			}

			if grants > 0 || tokens > 0 {
				logger.Info("pruned expired records",
					slog.Int("grants", grants),
					slog.Int("tokens", tokens),
				)
			}
		}
	}
}

// ignoreCancel treats shutdown as a clean exit for long-running loops.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
