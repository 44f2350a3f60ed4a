package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"lessonbook/internal/backend"
	"lessonbook/internal/config"
	"lessonbook/internal/database"
	"lessonbook/internal/events"
	"lessonbook/internal/ledger"
	"lessonbook/internal/metrics"
	"lessonbook/internal/notify"
	"lessonbook/internal/payment"
	"lessonbook/internal/session"
)

const usage = `usage: bookingctl <command> [flags]

commands:
  slots          list bookable start times for an instructor
  quote          price a package
  checkout       run a checkout for an instructor
  ledger-export  write partial commits to an .xlsx file
  backup         back up the sqlite database once
  serve          run health, metrics, scheduled backups and the monthly report
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load(config.Path())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{cfg: cfg, logger: &logger}
	defer a.close()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "slots":
		err = a.runSlots(ctx, args)
	case "quote":
		err = a.runQuote(args)
	case "checkout":
		err = a.runCheckout(ctx, args)
	case "ledger-export":
		err = a.runLedgerExport(ctx, args)
	case "backup":
		err = a.runBackup(ctx)
	case "serve":
		err = a.runServe(ctx)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Error().Err(err).Str("command", cmd).Msg("command failed")
		a.close()
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil || cfg.Logging.Level == "" {
		level = zerolog.InfoLevel
	}
	if cfg.Logging.Console {
		output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		return zerolog.New(output).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}

// app lazily builds the collaborators a command needs and closes them on exit.
type app struct {
	cfg    *config.Config
	logger *zerolog.Logger

	registry *prometheus.Registry
	metrics  *metrics.Metrics
	rdb      *redis.Client
	db       *database.DB
	client   *backend.Client
	bus      *events.EventBus
	telegram *notify.Telegram
}

func (a *app) close() {
	if a.rdb != nil {
		_ = a.rdb.Close()
		a.rdb = nil
	}
	if a.db != nil {
		_ = a.db.Close()
		a.db = nil
	}
}

func (a *app) getMetrics() *metrics.Metrics {
	if a.metrics == nil {
		a.registry = prometheus.NewRegistry()
		a.metrics = metrics.New("lessonbook", a.registry)
	}
	return a.metrics
}

func (a *app) getRedis() *redis.Client {
	if a.rdb == nil && a.cfg.Redis.Address != "" {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Address,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
	}
	return a.rdb
}

func (a *app) getDB() (*database.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := database.Open(a.cfg.Storage.SQLitePath, a.logger)
	if err != nil {
		return nil, err
	}
	a.db = db
	return db, nil
}

func (a *app) getBus() *events.EventBus {
	if a.bus == nil {
		a.bus = events.NewEventBus()
		a.bus.SetLogger(a.logger)
	}
	return a.bus
}

func (a *app) getClient() (*backend.Client, error) {
	if a.client != nil {
		return a.client, nil
	}
	if a.cfg.Backend.BaseURL == "" {
		return nil, fmt.Errorf("backend.base_url is not set")
	}
	c := backend.NewClient(a.cfg.Backend.BaseURL, a.cfg.Backend.APIKey, a.cfg.BackendTimeout(), a.logger)
	c.UseRateLimit(a.cfg.BackendRate())
	c.SetMetrics(a.getMetrics())
	if rdb := a.getRedis(); rdb != nil && a.cfg.BackendCacheTTL() > 0 {
		c.UseRedisCache(rdb, a.cfg.BackendCacheTTL())
	}
	a.client = c
	return c, nil
}

// sessionBackend picks where checkout and auth records live.
func (a *app) sessionBackend() (session.Backend, error) {
	switch a.cfg.Storage.Driver {
	case "redis":
		rdb := a.getRedis()
		if rdb == nil {
			return nil, fmt.Errorf("storage.driver is redis but redis.address is not set")
		}
		primary := session.NewRedisBackend(rdb, "session:")
		if !a.cfg.Storage.Failover {
			return primary, nil
		}
		return session.NewFailoverBackend(primary, session.NewMemoryBackend(), a.logger), nil
	case "sqlite":
		db, err := a.getDB()
		if err != nil {
			return nil, err
		}
		return session.NewSQLiteBackend(db), nil
	case "", "memory":
		return session.NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown storage.driver %q", a.cfg.Storage.Driver)
	}
}

// orchestrator wires the payment pipeline with the partial-commit ledger and, when configured,
// Telegram alerts.
func (a *app) orchestrator() (*payment.Orchestrator, error) {
	if a.cfg.Payment.StripeSecretKey == "" {
		return nil, fmt.Errorf("payment.stripe_secret_key is not set")
	}
	client, err := a.getClient()
	if err != nil {
		return nil, err
	}
	db, err := a.getDB()
	if err != nil {
		return nil, err
	}

	o := payment.NewOrchestrator(client, payment.NewStripeProcessor(a.cfg.Payment.StripeSecretKey), a.logger)
	o.SetMetrics(a.getMetrics())
	o.SetRecorder(ledger.New(db, a.logger))
	if tg := a.getTelegram(); tg != nil {
		o.SetAlerter(tg)
	}
	return o, nil
}

// getTelegram returns the support notifier, or nil when it is not configured.
func (a *app) getTelegram() *notify.Telegram {
	if a.telegram != nil || a.cfg.Support.TelegramToken == "" || len(a.cfg.Support.ChatIDs) == 0 {
		return a.telegram
	}
	tg, err := notify.NewTelegramFromToken(a.cfg.Support.TelegramToken, a.cfg.Support.ChatIDs, a.logger)
	if err != nil {
		a.logger.Warn().Err(err).Msg("support notifications disabled")
		return nil
	}
	a.telegram = tg
	return tg
}
