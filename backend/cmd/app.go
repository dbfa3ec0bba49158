package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/stateroom/backend/config"
	"github.com/adwski/stateroom/backend/manager"
	"github.com/adwski/stateroom/backend/metrics"
	httpServer "github.com/adwski/stateroom/backend/server/http"
	websocketServer "github.com/adwski/stateroom/backend/server/websocket"
	"github.com/adwski/stateroom/backend/services/echo"
	"github.com/adwski/stateroom/backend/stateroom"
	store "github.com/adwski/stateroom/backend/storage/memory"
	"github.com/adwski/stateroom/backend/wasmhost"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)
	flags := config.RegisterFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	cfg, err := flags.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var factory stateroom.Factory = echo.Factory()
	if cfg.Module != "" {
		wf, errW := wasmhost.NewFactoryFromFile(ctx, cfg.Module, wasmhost.Config{
			Logger:  &logger,
			Metrics: m,
		})
		if errW != nil {
			logger.Fatal().Err(errW).Str("module", cfg.Module).Msg("failed to load wasm module")
		}
		defer func() {
			if errC := wf.Close(context.Background()); errC != nil {
				logger.Error().Err(errC).Msg("failed to close wasm runtime")
			}
		}()
		factory = wf
		logger.Info().Str("module", cfg.Module).Msg("serving wasm module")
	} else {
		logger.Info().Msg("no module configured, serving native echo service")
	}

	mgr := manager.New(manager.Config{
		Logger:       &logger,
		Metrics:      m,
		Factory:      factory,
		Strategy:     cfg.Strategy(),
		IdleShutdown: cfg.IdleShutdown(),
		RoomStore:    store.NewMemStore(),
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:      &logger,
		RoomService: mgr,
		ListenAddr:  cfg.HTTPListenAddr,
		Gatherer:    reg,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:         &logger,
		Metrics:        m,
		SessionService: mgr,
		ListenAddr:     cfg.WSListenAddr,
		PingInterval:   cfg.HeartbeatInterval,
		PongWait:       cfg.HeartbeatTimeout,
		MaxMessageSize: cfg.MaxMessageSize,
		RateLimit:      cfg.RateLimit,
	})

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
	mgr.Shutdown()
}
