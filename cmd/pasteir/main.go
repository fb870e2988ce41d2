package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"pasteir/cfg"
	"pasteir/pkg/kms"
	"pasteir/svc/api"
	"pasteir/svc/cache"
	"pasteir/svc/crypt"
	"pasteir/svc/db"
	"pasteir/svc/lim"
	"pasteir/svc/svc"
	"pasteir/svc/util"
)

type backend struct {
	store  svc.Store
	sqlite *db.SQLite
	close  func() error
}

func main() {
	health := len(os.Args) > 1 && os.Args[1] == "-health"
	c, err := cfg.Load()
	if err == nil {
		err = cfg.Validate(c)
	}
	if err != nil {
		if health {
			os.Exit(1)
		}
		util.Fatal().Err(err).Msg("invalid configuration")
	}
	if health {
		os.Exit(healthProbe(c))
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "reap":
			os.Exit(runReap(c, os.Args[2:]))
		case "admin-token":
			os.Exit(runAdminToken(c, os.Args[2:]))
		case "serve":
		default:
			fmt.Fprintf(os.Stderr, "usage: pasteir [serve|reap|admin-token|-health]\n")
			os.Exit(2)
		}
	}
	serve(c)
}

// healthProbe is the container health check: it opens the configured store
// and pings it.
func healthProbe(c *cfg.Cfg) int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := openBackend(c)
	if err != nil {
		return 1
	}
	defer b.close()
	if err := b.store.Ping(ctx); err != nil {
		return 1
	}
	return 0
}

func openBackend(c *cfg.Cfg) (*backend, error) {
	switch c.StoreBackend {
	case cfg.BackendPostgres:
		pg, err := db.NewPostgres(c.PostgresDSN.Value(), c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
		if err != nil {
			return nil, err
		}
		return &backend{store: pg, close: pg.Close}, nil
	case cfg.BackendMongo:
		m, err := db.NewMongo(c.MongoURI.Value(), c.MongoDatabase, c.DBQueryTimeout)
		if err != nil {
			return nil, err
		}
		return &backend{store: m, close: m.Close}, nil
	default:
		s, err := db.NewSQLiteWithConfig(c.DatabasePath, db.SQLiteOpts{
			Driver:       c.SQLiteDriver,
			MaxOpenConns: c.DBMaxOpenConns,
			MaxIdleConns: c.DBMaxIdleConns,
			QueryTimeout: c.DBQueryTimeout,
		})
		if err != nil {
			return nil, err
		}
		return &backend{store: s, sqlite: s, close: s.Close}, nil
	}
}

// openGrace picks Redis when configured. The in-process LRU only works for a
// single instance since markers are not shared.
func openGrace(c *cfg.Cfg) (svc.GraceCache, *db.Redis, error) {
	if c.RedisURL != "" {
		rdb, err := db.NewRedis(c.RedisURL, c)
		if err != nil {
			if c.Environment == "production" {
				return nil, nil, errors.Wrap(err, "redis required in production")
			}
			util.Warn().Err(err).Msg("redis unavailable, falling back to in-process grace cache")
		} else {
			return rdb, rdb, nil
		}
	}
	l, err := cache.NewLRU(c.GraceCacheSize)
	if err != nil {
		return nil, nil, err
	}
	return l, nil, nil
}

func reaperOpts(c *cfg.Cfg) svc.ReaperOpts {
	return svc.ReaperOpts{
		Interval:  c.ReaperInterval,
		BatchSize: c.ReaperBatchSize,
		Workers:   c.ReaperWorkers,
	}
}

// runReap mirrors the periodic sweep as a one-shot command.
func runReap(c *cfg.Cfg, args []string) int {
	fs := flag.NewFlagSet("reap", flag.ContinueOnError)
	dryRun := fs.Bool("dry-run", false, "list candidates without deleting")
	verbose := fs.Bool("verbose", false, "print the first candidate ids")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	b, err := openBackend(c)
	if err != nil {
		util.Error().Err(err).Msg("failed to open store")
		return 1
	}
	defer b.close()
	grace, rdb, err := openGrace(c)
	if err != nil {
		util.Error().Err(err).Msg("failed to open grace cache")
		return 1
	}
	if rdb != nil {
		defer rdb.Close()
	}
	r := svc.NewReaper(b.store, grace, reaperOpts(c))
	ids, err := r.Candidates(ctx)
	if err != nil {
		util.Error().Err(err).Msg("failed to list candidates")
		return 1
	}
	fmt.Printf("found %d expired or exhausted pastes\n", len(ids))
	if *verbose {
		for i, id := range ids {
			if i == 10 {
				fmt.Printf("  ... and %d more\n", len(ids)-10)
				break
			}
			fmt.Printf("  %s\n", id)
		}
	}
	if *dryRun || len(ids) == 0 {
		return 0
	}
	rep, err := r.Sweep(ctx)
	fmt.Printf("deleted %d pastes (%d failed) in %s\n", rep.Deleted, rep.Failed, rep.Duration.Round(time.Millisecond))
	if err != nil {
		util.Error().Err(err).Msg("sweep aborted")
		return 1
	}
	return 0
}

func runAdminToken(c *cfg.Cfg, args []string) int {
	fs := flag.NewFlagSet("admin-token", flag.ContinueOnError)
	sub := fs.String("sub", "operator", "token subject")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	secret, err := adminSecret(context.Background(), c, nil)
	if err != nil {
		util.Error().Err(err).Msg("admin secret unavailable")
		return 1
	}
	tok, err := api.SignAdminToken(secret, *sub, *ttl)
	if err != nil {
		util.Error().Err(err).Msg("failed to sign token")
		return 1
	}
	fmt.Println(tok)
	return 0
}

// adminSecret returns the configured admin JWT secret, fetching it from the
// secret provider when ADMIN_SECRET_FROM_KMS is set.
func adminSecret(ctx context.Context, c *cfg.Cfg, adapter *kms.Adapter) (cfg.Secret, error) {
	if !c.AdminFromKMS {
		return c.AdminJWTSecret, nil
	}
	if adapter == nil {
		var err error
		if adapter, err = kms.NewAdapter(ctx); err != nil {
			return cfg.Secret{}, err
		}
	}
	v, err := adapter.GetSecret(ctx, "ADMIN_JWT_SECRET")
	if err != nil {
		return cfg.Secret{}, errors.Wrap(err, "load admin secret")
	}
	if len(v) < 32 {
		return cfg.Secret{}, errors.New("admin secret from provider is shorter than 32 bytes")
	}
	return cfg.NewSecret(v), nil
}

func serve(c *cfg.Cfg) {
	util.Info().Str("backend", c.StoreBackend).Msg("starting pasteir")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var adapter *kms.Adapter
	if c.AtRestEncryption || c.AdminFromKMS {
		var err error
		if adapter, err = kms.NewAdapter(ctx); err != nil {
			util.Fatal().Err(err).Msg("failed to initialize secret provider")
		}
	}
	secret, err := adminSecret(ctx, c, adapter)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load admin secret")
	}
	c.AdminJWTSecret = secret
	if secret.Empty() {
		util.Warn().Msg("no admin secret configured, admin routes disabled")
	}

	b, err := openBackend(c)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize store")
	}
	defer b.close()
	util.Info().Str("backend", c.StoreBackend).Msg("store initialized")

	grace, rdb, err := openGrace(c)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize grace cache")
	}
	if rdb != nil {
		defer rdb.Close()
		util.Info().Msg("redis connected")
	} else {
		util.Info().Int("size", c.GraceCacheSize).Msg("in-process grace cache initialized")
	}

	cipher, err := crypt.NewCipher(c.Argon2Time, c.Argon2Memory, c.Argon2Threads)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize cipher")
	}
	if err := cipher.Start(c.CryptWorkerCount); err != nil {
		util.Fatal().Err(err).Msg("failed to start cipher")
	}
	defer cipher.Stop()
	util.Info().Int("workers", c.CryptWorkerCount).Msg("cipher initialized")

	var opts []svc.Option
	if c.AtRestEncryption {
		opts = append(opts, svc.WithSealer(adapter))
		util.Info().Msg("at-rest sealing enabled")
	}
	pasteSvc := svc.NewPaste(b.store, grace, cipher, c, opts...)

	reaper := svc.NewReaper(b.store, grace, reaperOpts(c))
	if err := reaper.Start(ctx); err != nil {
		util.Fatal().Err(err).Msg("failed to start reaper")
	}

	maintDone := make(chan struct{})
	if b.sqlite != nil {
		go func() {
			defer close(maintDone)
			b.sqlite.Maintain(ctx, c.OptimizeInterval)
		}()
	} else {
		close(maintDone)
	}

	// a nil *db.Redis must not end up inside the Counter interface
	var counter lim.Counter
	if rdb != nil {
		counter = rdb
	}
	limiter := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, c.RateLimit.ConservativeLimit, counter, c.TrustedProxies)
	defer limiter.Stop()
	util.Info().
		Int("rpm", c.RateLimit.RPM).
		Int("burst", c.RateLimit.Burst).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	server := api.NewServer(c, pasteSvc, reaper, limiter)
	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
		}
	}()
	util.Info().Str("port", c.Port).Str("environment", c.Environment).Msg("server started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	reaper.Stop()
	pasteSvc.Shutdown()
	cancel()
	select {
	case <-maintDone:
	case <-time.After(10 * time.Second):
		util.Warn().Msg("storage maintenance did not stop in time")
	}
	util.Info().Msg("shutdown complete")
}
