package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/Stream/internal/adapters/bus"
	router "github.com/dkeye/Stream/internal/adapters/http"
	"github.com/dkeye/Stream/internal/adapters/rtc"
	sig "github.com/dkeye/Stream/internal/adapters/signal"
	"github.com/dkeye/Stream/internal/app"
	"github.com/dkeye/Stream/internal/app/chat"
	"github.com/dkeye/Stream/internal/config"
	"github.com/dkeye/Stream/internal/core"
	"github.com/dkeye/Stream/internal/logging"
	"github.com/dkeye/Stream/internal/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logging.Setup(cfg.Log)

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	engine, err := rtc.NewEngine(ctx, rtc.Options{
		ICEServers:    cfg.Engine.ICEServers,
		UDPPortMin:    cfg.Engine.UDPPortMin,
		UDPPortMax:    cfg.Engine.UDPPortMax,
		GatherTimeout: cfg.Engine.GatherTimeout,
		PLIInterval:   cfg.Engine.PLIInterval,
		LoggerFactory: logging.PionFactory{Base: &log.Logger},
	})
	if err != nil {
		return fmt.Errorf("media engine: %w", err)
	}
	defer engine.Close()

	chatBus, closeBus, err := newBus(ctx, cfg.Chat)
	if err != nil {
		return err
	}
	defer closeBus()

	hub := sig.NewHub()
	dir := app.NewDirectory(hub.OnEvent)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg, dir.Stats)

	relay := chat.NewRelay(chatBus, engine, dir, m, cfg.Engine.RequestTimeout)
	ctl := sig.NewSignalWSController(hub, dir, engine, relay, m, sig.Options{
		SendBuffer:       cfg.Signal.SendBuffer,
		ReadLimit:        cfg.ReadLimit,
		PingPeriod:       cfg.PingPeriod,
		WriteWait:        cfg.Signal.WriteWait,
		RequestTimeout:   cfg.Signal.RequestTimeout,
		EngineTimeout:    cfg.Engine.RequestTimeout,
		AutoDataProducer: cfg.Chat.AutoDataProducer,
		ChatRateLimit:    cfg.Chat.RateLimit,
		ChatRateInterval: cfg.Chat.RateInterval,
	})

	r := router.SetupRouter(ctx, cfg, router.Deps{Signal: ctl, Directory: dir, Gatherer: reg})
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return relay.Run(gctx, hub.BroadcastChat) })
	g.Go(func() error {
		log.Info().Str("addr", addr).Str("chat_bus", cfg.Chat.Bus).Msg("Stream server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})
	return g.Wait()
}

func newBus(ctx context.Context, cfg config.ChatConfig) (core.ChatBus, func(), error) {
	if cfg.Bus != "redis" {
		return bus.NewLocal(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis chat bus %s: %w", cfg.Redis.Address, err)
	}
	log.Info().Str("module", "bus").Str("addr", cfg.Redis.Address).Str("channel", cfg.Redis.Channel).Msg("redis chat bus connected")
	return bus.NewRedis(client, cfg.Redis.Channel), func() { _ = client.Close() }, nil
}
