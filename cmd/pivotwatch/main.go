package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"pivotwatch/internal/alpaca"
	"pivotwatch/internal/config"
	"pivotwatch/internal/crossing"
	"pivotwatch/internal/feed"
	"pivotwatch/internal/levels"
	"pivotwatch/internal/marketdata"
	"pivotwatch/internal/monitor"
	"pivotwatch/internal/notify"
	"pivotwatch/internal/pivot"
	"pivotwatch/internal/polygon"
	"pivotwatch/internal/schedule"
	"pivotwatch/internal/server"
	"pivotwatch/internal/state"
	"pivotwatch/internal/telegram"
)

func main() {
	configPath := pflag.StringP("config", "c", "config.yaml", "path to the YAML config file (optional)")
	logLevel := pflag.String("log-level", "", "override log level (debug, info, warn, error)")
	pflag.Parse()

	_ = godotenv.Load() // best-effort: .env is optional

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	logger := config.NewLogger(cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("pivotwatch failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
	logger.Info("bye")
}

func newProvider(cfg config.Config, tf marketdata.Timeframe, logger *slog.Logger) marketdata.Provider {
	if cfg.Provider == "polygon" {
		return polygon.New(cfg.Polygon.APIKey, tf, logger)
	}
	return alpaca.NewClient(cfg.Alpaca.DataURL, cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.Feed, tf, logger)
}

func run(cfg config.Config, logger *slog.Logger) error {
	formula, _ := pivot.ParseFormula(cfg.Detector.Formula)
	tf, _ := marketdata.ParseTimeframe(cfg.Detector.Timeframe)

	logger.Info("pivotwatch starting",
		slog.Any("symbols", cfg.Symbols),
		slog.String("provider", cfg.Provider),
		slog.Float64("threshold", cfg.Detector.Threshold),
		slog.Duration("cooldown", cfg.Detector.Cooldown),
		slog.String("timeframe", cfg.Detector.Timeframe),
		slog.String("formula", string(formula)),
	)

	provider := newProvider(cfg, tf, logger)

	// Levels are loaded lazily on the first observation for each symbol.
	store := levels.NewStore(provider, formula, logger)
	tracker := state.NewTracker(cfg.Detector.Cooldown, cfg.Detector.PricePrecision)
	detector := crossing.NewDetector(store, tracker, cfg.Detector.Threshold, logger)

	dispatcher := notify.NewDispatcher(logger, cfg.Pipeline.AlertQueueSize, cfg.Pipeline.SendTimeout,
		notify.LogSink{Log: logger})
	pipeline := monitor.NewPipeline(detector, dispatcher, cfg.Pipeline.Workers, cfg.Pipeline.QueueSize, logger)

	manager := feed.NewManager(feed.Config{
		URL:            cfg.Alpaca.StreamURL,
		Key:            cfg.Alpaca.APIKey,
		Secret:         cfg.Alpaca.APISecret,
		Symbols:        cfg.Symbols,
		Channels:       cfg.Stream.Channels,
		MaxAttempts:    cfg.Stream.MaxReconnectAttempts,
		ReconnectDelay: cfg.Stream.ReconnectDelay,
		AuthTimeout:    cfg.Stream.AuthTimeout,
	}, feed.WSDialer{}, pipeline, logger)

	svc := monitor.NewService(monitor.Settings{
		Symbols:   cfg.Symbols,
		Threshold: cfg.Detector.Threshold,
		Cooldown:  cfg.Detector.Cooldown,
		Timeframe: cfg.Detector.Timeframe,
		Formula:   formula,
		Provider:  provider.Name(),
	}, store, provider, manager, pipeline)

	srv := server.NewHTTPServer(svc, cfg.Server.AllowedOrigins, logger)
	dispatcher.Add(srv)
	manager.OnStatus(srv.BroadcastStatus)

	var tg *telegram.Client
	if cfg.Telegram.Enabled() {
		client, err := telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID,
			cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelay, logger)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		tg = client
		dispatcher.Add(tg)
	} else {
		logger.Info("telegram disabled (TELEGRAM_BOT_TOKEN / TELEGRAM_CHAT_ID not set)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { srv.Run(gctx); return nil })
	g.Go(func() error { dispatcher.Run(gctx); return nil })
	g.Go(func() error { pipeline.Run(gctx); return nil })
	g.Go(func() error {
		if err := manager.Run(gctx); err != nil {
			// degraded: polling keeps alerts flowing until an operator restarts
			logger.Error("real-time stream disabled; restart to re-enable", slog.String("err", err.Error()))
		}
		return nil
	})

	poll := schedule.NewPollTask(cfg.Symbols, store, provider, pipeline, logger)
	g.Go(func() error { schedule.Every(gctx, logger, cfg.Schedule.PollInterval, false, poll); return nil })

	var digest schedule.Digester
	if tg != nil && cfg.Telegram.Digest {
		digest = tg
	}
	refresh := schedule.NewRefreshTask(cfg.Symbols, store, digest, tf.Cutoff, cfg.Schedule.RefreshInterval, logger)
	g.Go(func() error { schedule.Every(gctx, logger, cfg.Schedule.RefreshCheck, false, refresh); return nil })

	prune := schedule.NewPruneTask(tracker, logger)
	g.Go(func() error { schedule.Every(gctx, logger, cfg.Schedule.PruneInterval, false, prune); return nil })

	if tg != nil {
		tg.ListenForCommands(gctx, svc)
		if cfg.Telegram.Welcome {
			go func() {
				wctx, cancel := context.WithTimeout(gctx, 30*time.Second)
				defer cancel()
				if err := tg.SendWelcome(wctx, svc.Settings()); err != nil {
					logger.Warn("telegram welcome failed", slog.String("err", err.Error()))
				}
			}()
		}
	}

	if cfg.Server.Port > 0 {
		httpSrv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           srv.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("HTTP server listening", slog.Int("port", cfg.Server.Port))
			if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			logger.Info("shutting down...")
			shCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shCtx)
		})
	}

	return g.Wait()
}
