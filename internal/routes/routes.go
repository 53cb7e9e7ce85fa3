package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/tidepay/tidepay/internal/config"
	"github.com/tidepay/tidepay/internal/engine"
	"github.com/tidepay/tidepay/internal/fraud"
	"github.com/tidepay/tidepay/internal/idempotency"
	"github.com/tidepay/tidepay/internal/ledger"
	"github.com/tidepay/tidepay/internal/lock"
	"github.com/tidepay/tidepay/internal/middleware"
	"github.com/tidepay/tidepay/internal/notification"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger
}

// Runtime holds the background components started during route setup so main
// can stop them on shutdown.
type Runtime struct {
	Sweeper    *engine.Sweeper
	Dispatcher *notification.AsyncDispatcher
}

// Stop shuts down background components, draining queued work.
func (r *Runtime) Stop() {
	if r.Sweeper != nil {
		r.Sweeper.Stop()
	}
	if r.Dispatcher != nil {
		r.Dispatcher.Close()
	}
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) (*Runtime, error) {
	// Enforce DB/Redis presence outside of dev, even though main also checks.
	if !isDev(d.Cfg.Env) {
		if d.DB == nil {
			return nil, fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.Env)
		}
		if d.Cache == nil {
			return nil, fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.Env)
		}
	}

	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	// Plain text access log in desired format: [HH:MM:SS] 200 -  145ms METHOD /path
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))

	// Health
	RegisterHealthRoutes(app, d)

	// Storage, locks and the idempotency cache; in-memory fallbacks keep dev
	// environments self-contained.
	var store ledger.Store
	if d.DB != nil {
		store = ledger.NewPostgresStore(d.DB)
	} else {
		store = ledger.NewInMemory()
	}

	var locks lock.Manager
	var cache idempotency.Cache
	if d.Cache != nil {
		locks = lock.NewRedisManager(d.Cache)
		cache = idempotency.NewRedisCache(d.Cache)
	} else {
		locks = lock.NewInMemory()
		cache = idempotency.NewInMemory()
	}

	scorer := fraud.ThresholdScorer{}
	if d.Cfg.FraudCeiling != "" {
		ceiling, err := decimal.NewFromString(d.Cfg.FraudCeiling)
		if err != nil {
			return nil, fmt.Errorf("invalid FRAUD_AMOUNT_CEILING: %w", err)
		}
		scorer.Ceiling = ceiling
	}

	dispatcher := notification.NewAsyncDispatcher(notification.NewLogDispatcher(d.Logger), 256, d.Logger)

	eng := engine.New(store, locks, cache, scorer, dispatcher, d.Logger, engine.Options{
		LockTTL:        d.Cfg.LockTTL,
		IdempotencyTTL: d.Cfg.IdempotencyTTL,
	})
	handler := engine.NewHandler(eng)

	sweeper := engine.NewSweeper(store, d.Cfg.SweepInterval, d.Cfg.StaleAfter, d.Logger)
	sweeper.Start()

	// API routes
	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID, _ := c.Locals(middleware.RequestIDHeader).(string)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	RegisterEngineRoutes(api, handler)

	return &Runtime{Sweeper: sweeper, Dispatcher: dispatcher}, nil
}

func isDev(env string) bool {
	switch strings.ToLower(env) {
	case "dev", "development", "local":
		return true
	default:
		return false
	}
}
