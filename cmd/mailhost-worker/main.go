// Command mailhost-worker runs the storage worker: it accepts websocket
// storage requests from front-end servers and ingests mail into the
// document store.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
	"golang.org/x/sync/errgroup"

	"github.com/rbaliyan/mailhost"
	"github.com/rbaliyan/mailhost/mailer"
	"github.com/rbaliyan/mailhost/notify"
	"github.com/rbaliyan/mailhost/store"
	"github.com/rbaliyan/mailhost/store/attachment/cached"
	"github.com/rbaliyan/mailhost/store/attachment/gcs"
	bodyotel "github.com/rbaliyan/mailhost/store/attachment/otel"
	"github.com/rbaliyan/mailhost/store/attachment/s3"
	"github.com/rbaliyan/mailhost/store/memory"
	mongostore "github.com/rbaliyan/mailhost/store/mongo"
	"github.com/rbaliyan/mailhost/store/postgres"
	"github.com/rbaliyan/mailhost/worker"
	"github.com/rbaliyan/mailhost/wsp"
)

func main() {
	app := &cli.App{
		Name:  "mailhost-worker",
		Usage: "mail storage worker",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "log-level", Value: "info", EnvVars: []string{"MAILHOST_LOG_LEVEL"}},
			&cli.StringFlag{Name: "mongo-uri", EnvVars: []string{"MAILHOST_MONGO_URI"}, Usage: "MongoDB connection string"},
			&cli.StringFlag{Name: "mongo-database", Value: mongostore.DefaultDatabase, EnvVars: []string{"MAILHOST_MONGO_DATABASE"}},
			&cli.StringFlag{Name: "postgres-dsn", EnvVars: []string{"MAILHOST_POSTGRES_DSN"}, Usage: "PostgreSQL DSN, used when no MongoDB URI is set"},
			&cli.BoolFlag{Name: "postgres-skip-schema", EnvVars: []string{"MAILHOST_POSTGRES_SKIP_SCHEMA"}, Usage: "do not create tables on startup"},
			&cli.StringFlag{Name: "redis-addr", EnvVars: []string{"MAILHOST_REDIS_ADDR"}, Usage: "Redis address for events and change notifications"},
			&cli.StringFlag{Name: "s3-bucket", EnvVars: []string{"MAILHOST_S3_BUCKET"}},
			&cli.StringFlag{Name: "s3-region", EnvVars: []string{"MAILHOST_S3_REGION"}},
			&cli.StringFlag{Name: "s3-endpoint", EnvVars: []string{"MAILHOST_S3_ENDPOINT"}},
			&cli.StringFlag{Name: "gcs-bucket", EnvVars: []string{"MAILHOST_GCS_BUCKET"}},
			&cli.StringFlag{Name: "cache-dir", EnvVars: []string{"MAILHOST_CACHE_DIR"}, Usage: "local body cache directory; empty disables the cache"},
			&cli.Int64Flag{Name: "max-quota", Value: mailhost.DefaultMaxQuota, EnvVars: []string{"MAILHOST_MAX_QUOTA"}},
			&cli.StringFlag{Name: "smtp-addr", EnvVars: []string{"MAILHOST_SMTP_ADDR"}, Usage: "relay for owner notices"},
			&cli.StringFlag{Name: "smtp-from", EnvVars: []string{"MAILHOST_SMTP_FROM"}},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Serve storage requests",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "listen", Value: ":7080", EnvVars: []string{"MAILHOST_LISTEN"}},
					&cli.StringFlag{Name: "metrics-listen", Value: ":9090", EnvVars: []string{"MAILHOST_METRICS_LISTEN"}},
					&cli.StringFlag{Name: "data-dir", Value: "/var/lib/mailhost", EnvVars: []string{"MAILHOST_DATA_DIR"}},
					&cli.DurationFlag{Name: "request-timeout", Value: 60 * time.Second, EnvVars: []string{"MAILHOST_REQUEST_TIMEOUT"}},
					&cli.DurationFlag{Name: "cleanup-interval", Value: time.Hour, EnvVars: []string{"MAILHOST_CLEANUP_INTERVAL"}},
				},
				Action: serve,
			},
			{
				Name:   "cleanup",
				Usage:  "Delete messages past their mailbox retention once and exit",
				Action: cleanupOnce,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("mailhost-worker failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(c *cli.Context) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.String("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// components holds everything built from the global flags.
type components struct {
	store    store.Store
	files    store.AttachmentFileStore
	redis    *redis.Client
	notifier *notify.Notifier
	closers  []func(context.Context) error
}

func (c *components) close(ctx context.Context, logger *slog.Logger) {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			logger.Warn("shutdown step failed", "error", err)
		}
	}
}

func build(c *cli.Context, logger *slog.Logger) (*components, error) {
	comp := &components{}

	switch {
	case c.String("mongo-uri") != "":
		client, err := mongo.Connect(mongoopts.Client().ApplyURI(c.String("mongo-uri")))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		comp.closers = append(comp.closers, client.Disconnect)
		comp.store = mongostore.New(client,
			mongostore.WithDatabase(c.String("mongo-database")),
			mongostore.WithLogger(logger),
		)
	case c.String("postgres-dsn") != "":
		db, err := sqlx.Open("postgres", c.String("postgres-dsn"))
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		comp.closers = append(comp.closers, func(context.Context) error { return db.Close() })
		pgOpts := []postgres.Option{postgres.WithLogger(logger)}
		if c.Bool("postgres-skip-schema") {
			pgOpts = append(pgOpts, postgres.WithoutSchema())
		}
		comp.store = postgres.New(db, pgOpts...)
	default:
		return nil, errors.New("one of --mongo-uri or --postgres-dsn is required")
	}

	files, closer, err := buildFiles(c, logger)
	if err != nil {
		comp.close(c.Context, logger)
		return nil, err
	}
	if closer != nil {
		comp.closers = append(comp.closers, closer)
	}
	comp.files = files

	var broadcaster notify.Broadcaster
	if addr := c.String("redis-addr"); addr != "" {
		comp.redis = redis.NewClient(&redis.Options{Addr: addr})
		comp.closers = append(comp.closers, func(context.Context) error { return comp.redis.Close() })
		broadcaster = notify.NewRedisBroadcaster(comp.redis, notify.WithRedisLogger(logger))
	}
	comp.notifier = notify.New(comp.store, notify.WithLogger(logger), notify.WithBroadcaster(broadcaster))
	return comp, nil
}

// buildFiles picks the body backend, wraps it in the disk cache if
// configured and instruments it.
func buildFiles(c *cli.Context, logger *slog.Logger) (store.AttachmentFileStore, func(context.Context) error, error) {
	var (
		backend = "memory"
		files   store.AttachmentFileStore
		closer  func(context.Context) error
	)
	switch {
	case c.String("s3-bucket") != "":
		opts := []s3.Option{
			s3.WithBucket(c.String("s3-bucket")),
			s3.WithRegion(c.String("s3-region")),
			s3.WithLogger(logger),
		}
		if ep := c.String("s3-endpoint"); ep != "" {
			opts = append(opts, s3.WithEndpoint(ep), s3.WithPathStyle(true))
		}
		st, err := s3.New(c.Context, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("create s3 store: %w", err)
		}
		files, backend = st, "s3"
	case c.String("gcs-bucket") != "":
		st, err := gcs.New(c.Context, gcs.WithBucket(c.String("gcs-bucket")), gcs.WithLogger(logger))
		if err != nil {
			return nil, nil, fmt.Errorf("create gcs store: %w", err)
		}
		files, backend = st, "gcs"
		closer = func(context.Context) error { return st.Close() }
	default:
		logger.Warn("no body bucket configured, keeping bodies in memory")
		files = memory.NewFileStore()
	}

	if dir := c.String("cache-dir"); dir != "" {
		cs, err := cached.New(files, cached.WithCacheDir(dir), cached.WithLogger(logger))
		if err != nil {
			return nil, nil, fmt.Errorf("create body cache: %w", err)
		}
		files = cs
		inner := closer
		closer = func(ctx context.Context) error {
			err := cs.Close()
			if inner != nil {
				err = errors.Join(err, inner(ctx))
			}
			return err
		}
	}

	instrumented, err := bodyotel.New(files, bodyotel.WithBackend(backend))
	if err != nil {
		return nil, nil, fmt.Errorf("instrument body store: %w", err)
	}
	return instrumented, closer, nil
}

func ingestorOptions(c *cli.Context, comp *components, logger *slog.Logger) []mailhost.Option {
	opts := []mailhost.Option{
		mailhost.WithStore(comp.store),
		mailhost.WithBodyFiles(comp.files),
		mailhost.WithLogger(logger),
		mailhost.WithMaxQuota(c.Int64("max-quota")),
		mailhost.WithNotifier(comp.notifier),
	}
	if comp.redis != nil {
		opts = append(opts, mailhost.WithRedisClient(comp.redis))
	}
	if addr := c.String("smtp-addr"); addr != "" {
		from := c.String("smtp-from")
		opts = append(opts,
			mailhost.WithMailer(mailer.New(addr, from, mailer.WithLogger(logger))),
			mailhost.WithNoticeFrom(from),
		)
	}
	return opts
}

func serve(c *cli.Context) error {
	logger := newLogger(c)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	comp, err := build(c, logger)
	if err != nil {
		return err
	}
	defer comp.close(context.Background(), logger)

	metrics := worker.NewMetrics()
	w, err := worker.New(c.String("data-dir"), comp.store,
		worker.WithLogger(logger),
		worker.WithMetrics(metrics),
		worker.WithFirer(comp.notifier),
	)
	if err != nil {
		return err
	}

	ing, err := mailhost.NewLocalIngestor(append(ingestorOptions(c, comp, logger), mailhost.WithSizeRefresher(w))...)
	if err != nil {
		return err
	}
	if err := ing.Connect(ctx); err != nil {
		return fmt.Errorf("connect ingestor: %w", err)
	}

	srv := wsp.NewServer(
		wsp.WithServerLogger(logger),
		wsp.WithObserver(metrics.Observe),
		wsp.WithDefaultTimeout(c.Duration("request-timeout")),
	)
	w.Register(srv, ing)

	api := &http.Server{Addr: c.String("listen"), Handler: srv, ReadHeaderTimeout: 10 * time.Second}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsSrv := &http.Server{Addr: c.String("metrics-listen"), Handler: metricsMux, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("serving storage requests", "addr", api.Addr)
		if err := api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("storage listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("serving metrics", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		runCleanup(gctx, ing, c.Duration("cleanup-interval"), logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), mailhost.DefaultShutdownTimeout)
		defer cancel()
		err := errors.Join(api.Shutdown(shutdownCtx), metricsSrv.Shutdown(shutdownCtx))
		// Hijacked websocket connections are not tracked by Shutdown.
		srv.Wait()
		comp.notifier.Wait()
		return errors.Join(err, ing.Close(shutdownCtx))
	})
	return g.Wait()
}

func runCleanup(ctx context.Context, ing *mailhost.LocalIngestor, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := ing.CleanupExpired(ctx)
			if err != nil {
				logger.Warn("retention cleanup failed", "error", err)
				continue
			}
			logger.Info("retention cleanup", "deleted", res.DeletedCount, "interrupted", res.Interrupted)
		}
	}
}

func cleanupOnce(c *cli.Context) error {
	logger := newLogger(c)
	comp, err := build(c, logger)
	if err != nil {
		return err
	}
	defer comp.close(context.Background(), logger)

	ing, err := mailhost.NewLocalIngestor(ingestorOptions(c, comp, logger)...)
	if err != nil {
		return err
	}
	if err := ing.Connect(c.Context); err != nil {
		return fmt.Errorf("connect ingestor: %w", err)
	}
	defer ing.Close(context.Background())

	res, err := ing.CleanupExpired(c.Context)
	if err != nil {
		return err
	}
	logger.Info("retention cleanup", "deleted", res.DeletedCount, "interrupted", res.Interrupted)
	return nil
}
