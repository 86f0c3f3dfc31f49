package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/blastware/broadcast-gateway/internal/autoreply"
	"github.com/blastware/broadcast-gateway/internal/config"
	"github.com/blastware/broadcast-gateway/internal/core"
	"github.com/blastware/broadcast-gateway/internal/db"
	"github.com/blastware/broadcast-gateway/internal/dispatch"
	httpapi "github.com/blastware/broadcast-gateway/internal/http"
	"github.com/blastware/broadcast-gateway/internal/metrics"
	"github.com/blastware/broadcast-gateway/internal/provider"
	"github.com/blastware/broadcast-gateway/internal/ratelimit"
	"github.com/blastware/broadcast-gateway/internal/resolver"
	"github.com/blastware/broadcast-gateway/internal/scheduler"
	"github.com/blastware/broadcast-gateway/internal/status"
)

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()
	cfg := config.Load()

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// ---- Postgres ----
	pool, err := db.Connect(rootCtx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer pool.Close()
	if err := db.Migrate(rootCtx, pool); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}
	store := &core.Store{DB: pool}

	poolStats := metrics.NewPGXPoolStats(pool)
	go poolStats.Start(15*time.Second, rootCtx.Done())

	// ---- Redis ----
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = rdb.Close() }()

	// ---- Providers ----
	providers := provider.NewRegistry()
	providers.Register(core.ChannelWhatsApp, provider.NewDummy())
	providers.Register(core.ChannelMeta, provider.NewDummy())
	if cfg.TelegramToken != "" {
		tg, err := provider.NewTelegram(cfg.TelegramToken)
		if err != nil {
			log.Fatal().Err(err).Msg("telegram client")
		}
		providers.Register(core.ChannelTelegram, tg)
	} else {
		providers.Register(core.ChannelTelegram, provider.NewDummy())
	}

	// ---- Engine ----
	limiter := ratelimit.New(ratelimit.Caps{
		Hourly:    cfg.HourlyCap,
		Daily:     cfg.DailyCap,
		Retention: cfg.BucketRetention,
	}, ratelimit.NewRedisStore(rdb), log)

	engine := dispatch.New(store, providers, limiter, status.NewRedisIndex(rdb), dispatch.Options{
		SendTimeout:   cfg.SendTimeout,
		QueueDepth:    cfg.QueueDepth,
		ProviderQPS:   cfg.ProviderQPS,
		ProviderBurst: cfg.ProviderBurst,
	}, log)
	engine.Start(rootCtx)
	defer engine.Stop()

	sched := scheduler.New(store, engine, scheduler.Options{
		PollInterval: cfg.PollInterval,
		BatchSize:    cfg.SchedBatch,
		StaleAfter:   cfg.StaleAfter,
	}, log)
	go func() {
		if err := sched.Run(rootCtx); err != nil && rootCtx.Err() == nil {
			log.Error().Err(err).Msg("scheduler exited")
		}
	}()

	// Stale bucket eviction is explicit, not left to accumulate.
	cr := cron.New()
	if _, err := cr.AddFunc(cfg.EvictCron, func() { limiter.EvictStale(time.Now()) }); err != nil {
		log.Fatal().Err(err).Str("spec", cfg.EvictCron).Msg("evict cron")
	}
	cr.Start()
	defer cr.Stop()

	// ---- HTTP server ----
	srv := httpapi.NewServer(store,
		resolver.New(store, cfg.DefaultCountryCode),
		status.New(store, status.NewRedisIndex(rdb), log),
		autoreply.NewResponder(store, providers, log),
		log)

	server := &http.Server{
		Addr:         cfg.Host + ":" + cfg.Port,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server")
		}
	}()

	<-rootCtx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
}
