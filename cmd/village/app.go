package main

import (
	"context"
	"fmt"
	"os"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"village/internal/config"
	"village/internal/database"
	"village/internal/domain"
	"village/internal/lock"
	"village/internal/notify"
	"village/internal/ranking"
	"village/internal/storage/postgres"
	"village/internal/storage/postgres/migrations"
)

// store is what both storage drivers provide.
type store interface {
	domain.ReservationStore
	domain.ProductStore
	Ping(ctx context.Context) error
}

// runtime holds the opened infrastructure shared by every command.
type runtime struct {
	cfg    *config.Config
	logger zerolog.Logger
	store  store
	sqlite *database.DB
	rdb    *redis.Client
	closer []func()
}

func (rt *runtime) Close() {
	for i := len(rt.closer) - 1; i >= 0; i-- {
		rt.closer[i]()
	}
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.Pretty {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(output).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
}

func openRuntime(ctx context.Context, configPath string) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	rt := &runtime{cfg: cfg, logger: newLogger(cfg.Logging)}

	switch cfg.Database.Driver {
	case config.DriverPostgres:
		pool, err := postgres.Connect(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		rt.closer = append(rt.closer, pool.Close)
		if err := migrations.Apply(ctx, pool); err != nil {
			rt.Close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		rt.store = postgres.NewStore(pool)
	default:
		db, err := database.NewDB(cfg.Database.Path, &rt.logger)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		rt.closer = append(rt.closer, func() { _ = db.Close() })
		rt.sqlite = db
		rt.store = db
	}

	if cfg.Redis.Address != "" {
		rt.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rt.closer = append(rt.closer, func() { _ = rt.rdb.Close() })
	}

	return rt, nil
}

// locker returns the in-process mutex, fronting a Redis lock when several
// replicas share the store.
func (rt *runtime) locker() lock.Locker {
	local := lock.NewKeyedMutex()
	if rt.cfg.Locking.Backend != config.LockRedis || rt.rdb == nil {
		return local
	}
	return lock.Chain{local, lock.NewRedisLocker(rt.rdb, rt.cfg.LockTTL(), &rt.logger)}
}

func (rt *runtime) ranker() *ranking.Ranker {
	var cache ranking.Cache = ranking.NewMemoryCache()
	if rt.rdb != nil {
		cache = ranking.NewRedisCache(rt.rdb)
	}
	return ranking.NewRanker(rt.store, cache, rt.cfg.RankingTTL(), rt.cfg.Ranking.TopPercent, &rt.logger)
}

func (rt *runtime) notifier() (domain.StatusNotifier, error) {
	tg := rt.cfg.Telegram
	if !tg.Enabled {
		return notify.NewLogNotifier(&rt.logger), nil
	}

	bot, err := tgbotapi.NewBotAPI(tg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	bot.Debug = tg.Debug
	rt.logger.Info().Str("account", bot.Self.UserName).Msg("Telegram notifier authorized")

	n := rt.cfg.Notifications
	retry := notify.DefaultRetryConfig()
	retry.MaxRetries = n.MaxRetries
	limiter := rate.NewLimiter(rate.Limit(n.RatePerSecond), n.Burst)
	return notify.NewTelegramNotifier(bot, limiter, retry, &rt.logger), nil
}
