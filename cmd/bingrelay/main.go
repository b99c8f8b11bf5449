package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clawinfra/bingrelay/internal/api"
	"github.com/clawinfra/bingrelay/internal/bing"
	"github.com/clawinfra/bingrelay/internal/config"
	"github.com/clawinfra/bingrelay/internal/credentials"
	"github.com/clawinfra/bingrelay/internal/events"
	"github.com/clawinfra/bingrelay/internal/progress"
	"github.com/clawinfra/bingrelay/internal/turns"
	"github.com/clawinfra/bingrelay/internal/upstream"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

// How long shutdown waits for background turns before cancelling them
const drainTimeout = 30 * time.Second

// App holds all the runtime components
type App struct {
	Config      *config.Config
	Logger      *slog.Logger
	Pool        *credentials.Pool
	Store       *progress.Store
	Coordinator *turns.Coordinator
	Janitor     *progress.Janitor
	Events      *events.MQTTPublisher
	APIServer   *api.Server
}

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("bingrelay", flag.ContinueOnError)
	configPath := fs.String("config", "bingrelay.json", "Path to config file (.json or .toml)")
	showVersion := fs.Bool("version", false, "Show version")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return 2
	}

	if *showVersion {
		fmt.Printf("bingrelay v%s (built %s)\n", version, buildTime)
		return 0
	}

	app, err := setup(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Setup failed: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go waitForSignal(ctx, cancel, app.Logger)

	printBanner(app)

	if err := serve(ctx, app, nil); err != nil {
		app.Logger.Error("server error", "error", err)
		return 1
	}
	return 0
}

// setup initializes all application components
func setup(configPath string) (*App, error) {
	app := &App{}

	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	app.Logger.Info("starting bingrelay",
		"version", version,
		"config", configPath,
	)

	cfg, err := loadConfig(configPath, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app.Config = cfg

	// Recreate logger with config's log level
	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))

	pool, err := credentials.LoadPool(cfg.Credentials.File)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	app.Pool = pool
	app.Logger.Info("credential pool loaded", "file", cfg.Credentials.File, "count", pool.Len())

	adapter, err := newAdapter(cfg, app.Logger)
	if err != nil {
		return nil, err
	}

	app.Store = progress.New()
	app.Coordinator = turns.New(adapter, app.Store, app.Pool, turns.Config{
		Deadline:    cfg.Deadline(),
		TurnTimeout: cfg.TurnTimeout(),
	}, app.Logger)

	app.Janitor, err = progress.NewJanitor(app.Store, cfg.Progress.SweepSchedule, cfg.Retention(), app.Logger)
	if err != nil {
		return nil, fmt.Errorf("create janitor: %w", err)
	}

	if cfg.Events.MQTT.Enabled {
		mq := cfg.Events.MQTT
		app.Logger.Info("enabling mqtt turn events", "host", mq.Host, "port", mq.Port)
		app.Events = events.NewMQTTPublisher(mq.Host, mq.Port, mq.Username, mq.Password, mq.TopicPrefix, app.Logger)
	}

	app.APIServer = api.NewServer(cfg.Server.Port, app.Coordinator, app.Store, app.Logger)
	app.APIServer.SetTimeouts(
		time.Duration(cfg.Server.ReadTimeoutSec)*time.Second,
		time.Duration(cfg.Server.WriteTimeoutSec)*time.Second,
	)
	app.APIServer.SetVersion(version)

	return app, nil
}

func newAdapter(cfg *config.Config, logger *slog.Logger) (upstream.Adapter, error) {
	switch cfg.Upstream.Provider {
	case "bing":
		logger.Info("using bing upstream", "baseUrl", cfg.Upstream.BaseURL)
		return bing.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.ChatHubURL, logger), nil
	case "echo":
		logger.Warn("using echo upstream, answers are not real")
		return upstream.NewEcho(cfg.EchoDelay()), nil
	default:
		return nil, fmt.Errorf("unknown upstream provider %q", cfg.Upstream.Provider)
	}
}

func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("no config found, creating default")
			cfg = config.DefaultConfig()
			if err := cfg.Save(path); err != nil {
				return nil, fmt.Errorf("save default config: %w", err)
			}
			logger.Info("default config created", "path", path)
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// serve runs the API server and the store janitor until ctx is cancelled,
// then drains background turns. A nil ln listens on the configured port.
func serve(ctx context.Context, app *App, ln net.Listener) error {
	if app.Events != nil {
		if err := app.Events.Start(ctx); err != nil {
			app.Logger.Warn("mqtt turn events unavailable", "error", err)
		} else {
			app.Coordinator.SetNotifier(app.Events)
			defer app.Events.Stop()
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if ln != nil {
			return app.APIServer.Serve(gctx, ln)
		}
		return app.APIServer.Start(gctx)
	})
	g.Go(func() error {
		return app.Janitor.Run(gctx)
	})
	err := g.Wait()

	app.Logger.Info("draining background turns", "inflight", app.Coordinator.Inflight())
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if cerr := app.Coordinator.Close(drainCtx); cerr != nil {
		app.Logger.Warn("background turns cancelled", "error", cerr)
	}

	app.Logger.Info("bingrelay stopped")
	return err
}

func waitForSignal(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, getShutdownSignals()...)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			if handlePlatformSignal(sig, logger) {
				continue
			}
			logger.Info("shutdown signal received", "signal", sig)
			cancel()
			return
		}
	}
}

func printBanner(app *App) {
	fmt.Println()
	fmt.Printf("  bingrelay v%s\n", version)
	fmt.Printf("  API:       http://localhost:%d/newbing/\n", app.Config.Server.Port)
	fmt.Printf("  Upstream:  %s\n", app.Config.Upstream.Provider)
	fmt.Printf("  Cookies:   %d loaded\n", app.Pool.Len())
	fmt.Println()
}
