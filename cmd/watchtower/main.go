// Command watchtower is the durable transaction-relay entrypoint: it
// loads configuration, connects to Postgres, Redis, and every
// configured chain's RPC endpoints, runs the one-shot stuck-broadcast
// recovery pass, then starts a scheduler and watcher goroutine per
// chain until terminated.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arvina-tech/temprano-watchtower/internal/config"
	"github.com/arvina-tech/temprano-watchtower/internal/httpapi"
	"github.com/arvina-tech/temprano-watchtower/internal/ingress"
	"github.com/arvina-tech/temprano-watchtower/internal/readyindex"
	"github.com/arvina-tech/temprano-watchtower/internal/recovery"
	"github.com/arvina-tech/temprano-watchtower/internal/rpcmanager"
	"github.com/arvina-tech/temprano-watchtower/internal/scheduler"
	"github.com/arvina-tech/temprano-watchtower/internal/store"
	"github.com/arvina-tech/temprano-watchtower/internal/watcher"
	"github.com/arvina-tech/temprano-watchtower/internal/wtlog"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := wtlog.Configure(wtlog.Config{
		Level:   cfg.Log.Level,
		Pretty:  cfg.Log.Pretty,
		File:    cfg.Log.File,
		MaxSize: cfg.Log.MaxSize,
	}); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	idx := readyindex.New(redis.NewClient(redisOpts))

	var chainURLs []rpcmanager.ChainURLs
	for chainID, urls := range cfg.RPC.Chains {
		chainURLs = append(chainURLs, rpcmanager.ChainURLs{
			ChainID:      chainID,
			URLs:         urls,
			UseWebsocket: cfg.Watcher.UseWebsocket,
		})
	}
	rpcs, err := rpcmanager.New(ctx, chainURLs)
	if err != nil {
		return fmt.Errorf("connect rpc endpoints: %w", err)
	}

	recovered, err := recovery.Run(ctx, db)
	if err != nil {
		return fmt.Errorf("run startup recovery: %w", err)
	}
	wtlog.L(ctx).WithField("recovered", recovered).Info("startup recovery complete")

	poll, lease, retryMin, retryMax := cfg.Scheduler.Durations()
	sched := scheduler.New(scheduler.Config{
		PollInterval:     poll,
		MaxConcurrency:   cfg.Scheduler.MaxConcurrency,
		LeaseTTL:         lease,
		RetryMinDelay:    retryMin,
		RetryMaxDelay:    retryMax,
		BroadcastFanout:  cfg.Broadcaster.Fanout,
		BroadcastTimeout: time.Duration(cfg.Broadcaster.TimeoutMs) * time.Millisecond,
	}, db, idx, rpcs)

	watch := watcher.New(watcher.Config{
		PollInterval: time.Duration(cfg.Watcher.PollIntervalMs) * time.Millisecond,
		UseWebsocket: cfg.Watcher.UseWebsocket,
	}, db, rpcs)

	for _, chainID := range rpcs.ChainIDs() {
		chainID := chainID
		go sched.Run(ctx, chainID)
		go watch.Run(ctx, chainID)
	}

	submitter := ingress.New(db, idx)
	api := httpapi.New(submitter, cfg.Server.MaxBodyBytes)
	httpServer := &http.Server{Addr: cfg.Server.Bind, Handler: api.Handler()}
	go func() {
		wtlog.L(ctx).WithField("bind", cfg.Server.Bind).Info("http api listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			wtlog.L(ctx).WithError(err).Error("http api stopped")
		}
	}()

	wtlog.L(ctx).Info("watchtower started")
	<-ctx.Done()
	wtlog.L(ctx).Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
