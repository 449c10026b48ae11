package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/LeventeLantos/notification-dispatch/internal/api"
	"github.com/LeventeLantos/notification-dispatch/internal/broker"
	"github.com/LeventeLantos/notification-dispatch/internal/config"
	"github.com/LeventeLantos/notification-dispatch/internal/gateway"
	"github.com/LeventeLantos/notification-dispatch/internal/model"
	"github.com/LeventeLantos/notification-dispatch/internal/repo"
	"github.com/LeventeLantos/notification-dispatch/internal/scheduler"
	"github.com/LeventeLantos/notification-dispatch/internal/service"
	"github.com/LeventeLantos/notification-dispatch/internal/store"
)

var version = "0.1.0"

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:          "dispatcher",
		Short:        "Asynchronous notification dispatch engine",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Consume envelopes, release deferred ones and serve the ops API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAll()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger := newLogger(cfg.Log, os.Stdout)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rdb, err := connectRedis(ctx, cfg.Redis)
			if err != nil {
				return err
			}
			defer rdb.Close()

			b, err := connectBroker(ctx, cfg.NATS, logger)
			if err != nil {
				return err
			}

			var (
				audit       repo.AuditSink = repo.NewLogAuditSink(logger)
				auditReader api.AuditReader
			)
			if cfg.Database.PostgresURL != "" {
				db, err := openPostgres(ctx, cfg.Database.PostgresURL)
				if err != nil {
					_ = b.Close()
					return err
				}
				defer db.Close()

				pg := repo.NewPostgresAuditRepo(db)
				if err := pg.Migrate(ctx); err != nil {
					_ = b.Close()
					return fmt.Errorf("audit migration failed: %w", err)
				}
				audit, auditReader = pg, pg
			}

			deferral := store.NewRedisDeferralStore(rdb, logger)
			statuses := store.NewRedisStatusStore(rdb, store.StatusTTL)
			stats := store.NewRedisStatsStore(rdb, store.StatisticsTTL)

			producer := service.NewProducer(b, deferral, producerConfig(cfg), logger)
			dispatcher := service.NewDispatcher(service.Dependencies{
				Gateway:  gateway.NewWebhookGateway(cfg.Gateway.URL, cfg.Gateway.Timeout, cfg.Gateway.ContentMax, logger),
				Limiter:  store.NewRedisRateLimiter(rdb, cfg.RateLimit.Max, cfg.RateLimit.Window),
				Statuses: statuses,
				Stats:    stats,
				Audit:    audit,
				Producer: producer,
			}, cfg.Dispatch, logger)

			if err := dispatcher.Register(ctx, b, cfg.NATS.Destinations); err != nil {
				_ = b.Close()
				return err
			}

			release, err := scheduler.New("deferral-release", cfg.Deferral.PollInterval,
				scheduler.ReleaseDue(deferral, producer.Publish), logger)
			if err != nil {
				_ = b.Close()
				return err
			}
			release.Start()

			server := &http.Server{
				Addr:              cfg.Server.Address,
				Handler:           loggingMiddleware(api.Router(api.NewHandler(release, deferral, statuses, stats, auditReader))),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server error", "error", err)
					stop()
				}
			}()

			logger.Info("dispatcher running",
				"version", version,
				"addr", cfg.Server.Address,
				"broker", brokerKind(cfg.NATS),
				"batch_size", cfg.Dispatch.BatchSize,
				"max_retry_count", cfg.Dispatch.MaxRetryCount,
			)

			<-ctx.Done()
			logger.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("http server shutdown error", "error", err)
			}
			release.Stop()
			if err := b.Close(); err != nil {
				logger.Error("broker close error", "error", err)
			}

			logger.Info("dispatcher stopped")
			return nil
		},
	}
}

func sendCmd() *cobra.Command {
	var (
		to           []string
		content      string
		templateID   string
		params       map[string]string
		at           string
		businessType string
		businessID   string
		priority     string
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Publish one notification through the producer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAll()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.NATS.URL == "" {
				return errors.New("send needs NATS_URL; the in-memory broker has no consumer outside serve")
			}

			logger := newLogger(cfg.Log, os.Stderr)
			ctx := cmd.Context()

			prio, err := parsePriority(priority)
			if err != nil {
				return err
			}

			rdb, err := connectRedis(ctx, cfg.Redis)
			if err != nil {
				return err
			}
			defer rdb.Close()

			b, err := connectBroker(ctx, cfg.NATS, logger)
			if err != nil {
				return err
			}
			defer b.Close()

			p := service.NewProducer(b, store.NewRedisDeferralStore(rdb, logger), producerConfig(cfg), logger)
			meta := service.Meta{BusinessType: businessType, BusinessID: businessID, Actor: "cli", Priority: prio}

			var id string
			switch {
			case at != "":
				when, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				env := model.Envelope{
					Priority:     prio,
					BusinessType: businessType,
					BusinessID:   businessID,
					Actor:        "cli",
				}
				fillEnvelope(&env, to, content, templateID, params)
				id, err = p.SendScheduled(ctx, env, when)
				if err != nil {
					return err
				}
			case templateID != "":
				id, err = p.SendTemplate(ctx, to, templateID, params, meta)
			case len(to) == 1:
				id, err = p.SendSingle(ctx, to[0], content, meta)
			default:
				id, err = p.SendBatch(ctx, to, content, meta)
			}
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&to, "to", nil, "recipient phone number (repeatable)")
	cmd.Flags().StringVar(&content, "content", "", "message text")
	cmd.Flags().StringVar(&templateID, "template", "", "template id (sends a templated message)")
	cmd.Flags().StringToStringVar(&params, "param", nil, "template parameter key=value (repeatable)")
	cmd.Flags().StringVar(&at, "at", "", "RFC3339 time to deliver at")
	cmd.Flags().StringVar(&businessType, "business-type", "", "correlation tag: business event type")
	cmd.Flags().StringVar(&businessID, "business-id", "", "correlation tag: business event id")
	cmd.Flags().StringVar(&priority, "priority", "normal", "low, normal or high")
	_ = cmd.MarkFlagRequired("to")

	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the audit table",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn := os.Getenv("POSTGRES_URL")
			if dsn == "" {
				return errors.New("POSTGRES_URL is not set")
			}

			db, err := openPostgres(cmd.Context(), dsn)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := repo.NewPostgresAuditRepo(db).Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "audit migrations completed")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dispatcher %s\n", version)
		},
	}
}

func producerConfig(cfg *config.Config) service.ProducerConfig {
	return service.ProducerConfig{
		Destinations:  cfg.NATS.Destinations,
		MaxRetryCount: cfg.Dispatch.MaxRetryCount,
		SourceSystem:  cfg.Dispatch.SourceSystem,
	}
}

func fillEnvelope(env *model.Envelope, to []string, content, templateID string, params map[string]string) {
	switch {
	case templateID != "":
		env.MessageType = model.Template
		env.TemplateID = templateID
		env.TemplateParams = params
	case len(to) == 1:
		env.MessageType = model.Single
	default:
		env.MessageType = model.Batch
	}
	env.Content = content
	if len(to) == 1 && env.MessageType != model.Batch {
		env.Recipient = to[0]
		return
	}
	env.Recipients = to
}

func parsePriority(raw string) (model.Priority, error) {
	switch strings.ToLower(raw) {
	case "low":
		return model.Low, nil
	case "", "normal":
		return model.Normal, nil
	case "high":
		return model.High, nil
	default:
		return model.Normal, fmt.Errorf("unknown priority %q", raw)
	}
}

func connectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

func connectBroker(ctx context.Context, cfg config.NATSConfig, logger *slog.Logger) (broker.Broker, error) {
	if cfg.URL == "" {
		return broker.NewMemory(logger), nil
	}
	d := cfg.Destinations
	js, err := broker.ConnectJetStream(ctx, cfg.URL, cfg.Stream, []string{d.Single, d.Batch, d.Template, d.DeadLetter}, logger)
	if err != nil {
		return nil, err
	}
	return js, nil
}

func brokerKind(cfg config.NATSConfig) string {
	if cfg.URL == "" {
		return "memory"
	}
	return "jetstream"
}

func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return db, nil
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
