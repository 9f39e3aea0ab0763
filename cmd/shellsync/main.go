package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/shellsync/internal/config"
	"github.com/agentworkforce/shellsync/internal/hostclient"
	"github.com/agentworkforce/shellsync/internal/httpapi"
	"github.com/agentworkforce/shellsync/internal/metrics"
	"github.com/agentworkforce/shellsync/internal/shell"
)

func main() {
	configPath := flag.String("config", strings.TrimSpace(os.Getenv("SHELLSYNC_CONFIG")), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(rootCtx, cfg, logger); err != nil {
		logger.Error("shellsync stopped with error", "error", err)
		os.Exit(1)
	}
}

type app struct {
	view   *shell.View
	writer *shell.FlagWriter
	index  shell.ArchiveIndex
	server *httpapi.Server
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := build(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(logger)

	a.writer.Start()
	if err := a.view.Start(ctx); err != nil {
		return fmt.Errorf("start view: %w", err)
	}

	if path := watchPath(cfg); path != "" {
		watcher, err := shell.NewReloadWatcher(path, shell.WatcherOptions{Debounce: cfg.WatchDebounce, Logger: logger})
		if err != nil {
			return fmt.Errorf("index watcher: %w", err)
		}
		go func() {
			if err := watcher.Run(ctx, reloadAction(a.view, "watch"), nil); err != nil {
				logger.Warn("index watcher exited", "path", path, "error", err)
			}
		}()
	}
	if cfg.ReloadInterval > 0 {
		go runPeriodicReload(ctx, a.view, cfg.ReloadInterval, cfg.ReloadJitter, rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)), logger)
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           a.server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("shellsync listening", "addr", cfg.Listen, "index", redactDSN(cfg.IndexDSN))
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
		logger.Info("shellsync stopping", "reason", ctx.Err())
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func build(cfg *config.Config, logger *slog.Logger) (*app, error) {
	rec := metrics.New()
	registerHostFactories(cfg.HostToken)

	index, err := shell.BuildArchiveIndexFromDSN(cfg.IndexDSN, shell.IndexOptions{PostgresDriver: cfg.PostgresDriver})
	if err != nil {
		return nil, fmt.Errorf("archive index: %w", err)
	}
	queue, err := shell.BuildWritebackQueueFromDSN(cfg.WritebackDSN, cfg.WritebackCapacity)
	if err != nil {
		return nil, fmt.Errorf("writeback queue: %w", err)
	}
	writer := shell.NewFlagWriter(index, shell.WriterOptions{
		Queue:       queue,
		Workers:     cfg.WritebackWorkers,
		MaxAttempts: cfg.WritebackAttempts,
		RetryDelay:  cfg.WritebackDelay,
		Logger:      logger,
		Metrics:     rec,
	})

	validator, err := buildValidator(cfg.EventSchema)
	if err != nil {
		return nil, err
	}
	opts := shell.Options{
		Index:                 index,
		Writer:                writer,
		Validator:             validator,
		SearchDebounce:        cfg.SearchDebounce,
		EnrichmentConcurrency: cfg.EnrichmentConcurrency,
		SuggestionCount:       cfg.SuggestionCount,
		Logger:                logger,
		Metrics:               rec,
	}
	if cfg.HostURL != "" {
		client := hostclient.NewClient(cfg.HostURL, cfg.HostToken, nil)
		opts.Downloads = client
		opts.AddressBook = client
	}
	if cfg.EventsURL != "" {
		stream, err := hostclient.NewEventStream(cfg.EventsURL, hostclient.StreamOptions{Token: cfg.HostToken, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("event stream: %w", err)
		}
		opts.Events = stream
	}
	view := shell.NewView(opts)
	server := httpapi.NewServerWithConfig(view, httpapi.ServerConfig{
		APIToken: cfg.APIToken,
		Logger:   logger,
		Metrics:  rec,
	})
	return &app{view: view, writer: writer, index: index, server: server}, nil
}

func (a *app) close(logger *slog.Logger) {
	if err := a.view.Close(); err != nil {
		logger.Warn("closing view failed", "error", err)
	}
	if err := a.writer.Close(); err != nil {
		logger.Warn("closing writeback queue failed", "error", err)
	}
	if closer, ok := a.index.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("closing archive index failed", "error", err)
		}
	}
}

// registerHostFactories lets http and https index DSNs resolve to the host
// API client.
func registerHostFactories(token string) {
	factory := func(dsn string) (shell.ArchiveIndex, error) {
		return hostclient.NewClient(dsn, token, nil), nil
	}
	shell.RegisterArchiveIndexFactory("http", factory)
	shell.RegisterArchiveIndexFactory("https", factory)
}

func buildValidator(schemaPath string) (*shell.EventValidator, error) {
	if strings.TrimSpace(schemaPath) == "" {
		return shell.NewDefaultEventValidator()
	}
	validator, err := shell.LoadEventValidator(schemaPath)
	if err != nil {
		return nil, fmt.Errorf("event schema: %w", err)
	}
	return validator, nil
}

func watchPath(cfg *config.Config) string {
	if cfg.NoWatch {
		return ""
	}
	if cfg.WatchFile != "" {
		return cfg.WatchFile
	}
	path, _ := shell.IndexFilePath(cfg.IndexDSN)
	return path
}

func reloadAction(view *shell.View, trigger string) func(context.Context) error {
	return func(ctx context.Context) error {
		return view.Reload(ctx, trigger)
	}
}

func runPeriodicReload(ctx context.Context, view *shell.View, interval time.Duration, jitter float64, rng *rand.Rand, logger *slog.Logger) {
	timer := time.NewTimer(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := view.Reload(ctx, "interval"); err != nil {
				logger.Warn("periodic reload failed", "error", err)
			}
			timer.Reset(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
		}
	}
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = config.ClampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	sample = min(max(sample, 0), 1)
	factor := max(1+((sample*2)-1)*jitterRatio, 0)
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}

// redactDSN drops credentials before a DSN is logged.
func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	return dsn[:scheme+3] + "***" + dsn[at:]
}
