package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/blastware/broadcast-gateway/internal/config"
	"github.com/blastware/broadcast-gateway/internal/core"
	"github.com/blastware/broadcast-gateway/internal/db"
	"github.com/blastware/broadcast-gateway/internal/dispatch"
	"github.com/blastware/broadcast-gateway/internal/provider"
	"github.com/blastware/broadcast-gateway/internal/ratelimit"
	"github.com/blastware/broadcast-gateway/internal/scheduler"
	"github.com/blastware/broadcast-gateway/internal/status"
)

// Standalone dispatcher: scheduler + engine without the API surface.
// Safe to run alongside cmd/api; broadcast claims are exactly-once.
func main() {
	var exitCode int
	defer func() { os.Exit(exitCode) }()

	log := zerolog.New(os.Stdout).With().Timestamp().Str("proc", "worker").Logger()
	cfg := config.Load()

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := db.Connect(rootCtx, cfg.DatabaseURL)
	if err != nil {
		log.Error().Err(err).Msg("db connect")
		exitCode = 1
		return
	}
	defer pool.Close()
	store := &core.Store{DB: pool}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = rdb.Close() }()

	providers := provider.NewRegistry()
	providers.Register(core.ChannelWhatsApp, provider.NewDummy())
	providers.Register(core.ChannelMeta, provider.NewDummy())
	if cfg.TelegramToken != "" {
		tg, err := provider.NewTelegram(cfg.TelegramToken)
		if err != nil {
			log.Error().Err(err).Msg("telegram client")
			exitCode = 1
			return
		}
		providers.Register(core.ChannelTelegram, tg)
	} else {
		providers.Register(core.ChannelTelegram, provider.NewDummy())
	}

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

	cr := cron.New()
	if _, err := cr.AddFunc(cfg.EvictCron, func() { limiter.EvictStale(time.Now()) }); err != nil {
		log.Error().Err(err).Str("spec", cfg.EvictCron).Msg("evict cron")
		exitCode = 1
		return
	}
	cr.Start()
	defer cr.Stop()

	go serveHealthz(cfg.HealthAddr)

	sched := scheduler.New(store, engine, scheduler.Options{
		PollInterval: cfg.PollInterval,
		BatchSize:    cfg.SchedBatch,
		StaleAfter:   cfg.StaleAfter,
	}, log)
	if err := sched.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("scheduler exited")
		exitCode = 1
		return
	}
}

func serveHealthz(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	_ = http.ListenAndServe(addr, mux)
}
