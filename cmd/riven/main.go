// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/rivenmedia/riven/internal/api"
	"github.com/rivenmedia/riven/internal/bus"
	"github.com/rivenmedia/riven/internal/cache"
	"github.com/rivenmedia/riven/internal/clock"
	"github.com/rivenmedia/riven/internal/config"
	"github.com/rivenmedia/riven/internal/dispatch"
	"github.com/rivenmedia/riven/internal/pipeline"
	"github.com/rivenmedia/riven/internal/queue"
	"github.com/rivenmedia/riven/internal/ratelimit"
	"github.com/rivenmedia/riven/internal/scheduler"
	"github.com/rivenmedia/riven/internal/service"
	"github.com/rivenmedia/riven/internal/session"
	"github.com/rivenmedia/riven/internal/store"
	"github.com/rivenmedia/riven/internal/streams"
	"github.com/rivenmedia/riven/internal/symlink"

	xglog "github.com/rivenmedia/riven/internal/log"
)

var version = "dev"

// Exit codes: 1 covers fatal configuration and other startup errors, 2 a
// database that cannot be opened, 3 an uncaught panic.
const (
	exitOK = iota
	exitFatal
	exitStore
	exitPanic
)

func main() {
	os.Exit(run())
}

func run() (code int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "riven: panic: %v\n%s", r, debug.Stack())
			code = exitPanic
		}
	}()

	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "data/settings.yaml", "path to the settings file (YAML)")
	port := flag.Int("port", 0, "override server.port")
	hardResetDB := flag.Bool("hard_reset_db", false, "drop and recreate the database on startup")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return exitOK
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "riven: invalid configuration: %v\n", err)
		return exitFatal
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	xglog.Configure(xglog.Config{Level: cfg.Log.Level, Service: "riven"})
	logger := xglog.WithComponent("main")
	logger.Info().
		Str("event", "riven.starting").
		Str("version", version).
		Str("config", *configPath).
		Msg("riven starting")

	// Mutating API endpoints fail closed without a key, so generate one on
	// first run and persist it.
	if cfg.Server.APIKey == "" {
		key, err := generateAPIKey()
		if err != nil {
			logger.Error().Err(err).Msg("cannot generate api key")
			return exitFatal
		}
		cfg.Server.APIKey = key
		if err := config.Save(*configPath, cfg); err != nil {
			logger.Warn().Err(err).Msg("cannot persist generated api key")
		}
		logger.Info().
			Str("event", "config.api_key_generated").
			Str("api_key", key).
			Msg("generated api key, stored in settings file")
	}

	st, err := store.Open(cfg.Database.Path, store.DefaultConfig())
	if err != nil {
		logger.Error().Err(err).Str("path", cfg.Database.Path).Msg("cannot open database")
		return exitStore
	}
	defer func() { _ = st.Close() }()
	if *hardResetDB {
		if err := st.Reset(); err != nil {
			logger.Error().Err(err).Msg("hard reset failed")
			return exitStore
		}
		logger.Warn().Str("event", "store.hard_reset").Msg("database dropped and recreated")
	}

	sessions, err := session.OpenStore(filepath.Join(filepath.Dir(cfg.Database.Path), "sessions"))
	if err != nil {
		logger.Error().Err(err).Msg("cannot open session store")
		return exitStore
	}
	defer func() { _ = sessions.Close() }()

	var metaCache cache.Cache
	if cfg.Cache.RedisAddr != "" {
		metaCache, err = cache.NewRedis(cfg.Cache.RedisAddr)
		if err != nil {
			logger.Error().Err(err).Str("addr", cfg.Cache.RedisAddr).Msg("cannot connect to redis")
			return exitFatal
		}
	} else {
		metaCache = cache.NewMemory(nil, 0)
	}
	defer func() { _ = metaCache.Close() }()

	limiters := ratelimit.NewRegistry()
	registry := service.NewRegistry(limiters)
	registerBackends(registry, cfg)

	clk := clock.System{}
	q := queue.New()
	b := bus.New()
	pipe := &pipeline.Pipeline{
		Store:     st,
		Services:  registry,
		Streams:   streams.NewRegistry(cfg.Ranking),
		Symlinker: symlink.New(cfg.Library.Root, cfg.Library.Mount, cfg.Library.SeparateAnime, clk),
		Cache:     metaCache,
		CacheTTL:  cfg.Cache.TTL,
	}
	disp := &dispatch.Dispatcher{
		Store:    st,
		Queue:    q,
		Services: registry,
		Pipeline: pipe,
		Bus:      b,
		Clock:    clk,
		Retry:    cfg.Retry,
		Cadence:  cfg.Scheduler,
		Pools:    cfg.Pools,
		Notify:   cfg.Notifications.Events,
	}
	sched := &scheduler.Scheduler{
		Store:    st,
		Services: registry,
		Bus:      b,
		Sink:     disp,
		Clock:    clk,
		Cadence:  cfg.Scheduler,
		Library:  cfg.Library,
	}
	sessionMgr := &session.Manager{
		Sessions:   sessions,
		Items:      st,
		Services:   registry,
		Pipeline:   pipe,
		Dispatcher: disp,
		Bus:        b,
		Clock:      clk,
		TTL:        cfg.Sessions.TTL,
	}
	srv := &api.Server{
		Store:      st,
		Dispatcher: disp,
		Pipeline:   pipe,
		Sessions:   sessionMgr,
		Bus:        b,
		Queue:      q,
		Clock:      clk,
		APIKey:     cfg.Server.APIKey,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := disp.Bootstrap(ctx); err != nil {
		logger.Error().Err(err).Msg("queue bootstrap failed")
		return exitStore
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return disp.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return sessionMgr.Run(gctx) })
	g.Go(func() error {
		addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
		return srv.Serve(gctx, addr)
	})
	g.Go(func() error {
		err := config.Watch(gctx, *configPath, func(s config.Settings) {
			registry.ApplyEnabled(enabledBackends(s))
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("riven exited with error")
		return exitFatal
	}
	logger.Info().Str("event", "riven.stopped").Msg("riven stopped")
	return exitOK
}

func generateAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func enabledBackends(s config.Settings) map[string]bool {
	out := map[string]bool{}
	for _, b := range s.ContentSources {
		out[b.Name] = b.Enabled
	}
	for _, b := range s.Scrapers {
		out[b.Name] = b.Enabled
	}
	for _, b := range s.Downloaders {
		out[b.Name] = b.Enabled
	}
	for _, b := range s.Updaters {
		out[b.Name] = b.Enabled
	}
	if s.Subtitles.Name != "" {
		out[s.Subtitles.Name] = s.Subtitles.Enabled
	}
	return out
}
