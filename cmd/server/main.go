package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/x11mirror/internal/admission"
	"github.com/JonMunkholm/x11mirror/internal/config"
	"github.com/JonMunkholm/x11mirror/internal/convert"
	"github.com/JonMunkholm/x11mirror/internal/core"
	"github.com/JonMunkholm/x11mirror/internal/history"
	"github.com/JonMunkholm/x11mirror/internal/logging"
	"github.com/JonMunkholm/x11mirror/internal/metrics"
	"github.com/JonMunkholm/x11mirror/internal/stats"
	"github.com/JonMunkholm/x11mirror/internal/web"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	// The env file has to be read before the config, and the config before
	// the flags that override it.
	envFile := scanEnvFile(args)
	if err := godotenv.Overload(envFile); err != nil {
		slog.Info("no env file found, using environment variables", "file", envFile)
	} else {
		slog.Info("loaded env file (overwriting existing env vars)", "file", envFile)
	}

	cfg, err := config.LoadUnvalidated()
	if err != nil {
		return err
	}
	fs := pflag.NewFlagSet("x11mirror-server", pflag.ExitOnError)
	fs.String("env-file", envFile, "file with environment variables to load")
	config.BindFlags(fs, cfg)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("configuration loaded",
		"addr", cfg.Server.Addr(),
		"dir", cfg.Storage.Dir,
		"connection_timeout", cfg.Server.ConnectionTimeout,
		"max_file_size", humanize.IBytes(uint64(cfg.Upload.MaxFileSize)),
		"max_waiters", cfg.Upload.MaxWaiters,
		"converter", cfg.Convert.Backend,
		"rate_limit_enabled", cfg.Rate.Enabled,
	)
	logger.Debug("effective configuration", "config", cfg.String())

	store := core.NewStorage(cfg.Storage)
	if err := store.Prepare(); err != nil {
		return err
	}

	conv, err := convert.New(cfg.Convert)
	if err != nil {
		return err
	}

	ctx := context.Background()
	var recorders core.Recorders

	if cfg.History.DatabaseURL != "" {
		hist, err := history.Connect(ctx, cfg.History)
		if err != nil {
			return err
		}
		defer hist.Close()
		recorders = append(recorders, hist)

		if last, err := hist.Recent(ctx, 1); err != nil {
			logger.Warn("failed to read upload history", "error", err)
		} else if len(last) > 0 {
			logger.Info("upload history enabled",
				"last_upload", last[0].FinishedAt.Format(time.RFC3339),
				"last_status", last[0].StatusCode,
			)
		}
	}

	if cfg.Stats.RedisURL != "" {
		st, err := stats.Connect(ctx, cfg.Stats)
		if err != nil {
			return err
		}
		defer st.Close()
		recorders = append(recorders, st)
		logger.Info("upload stats enabled", "prefix", cfg.Stats.Prefix)
	}

	ctrlOpts := []admission.Option{admission.WithLogger(logger)}
	var collector *metrics.Collector
	var recent *history.MemoryRecorder
	if cfg.Metrics.Enabled {
		collector = metrics.New()
		ctrlOpts = append(ctrlOpts, admission.WithObserver(collector))
		recorders = append(recorders, collector)

		if cfg.Metrics.StatusPath != "" {
			recent = history.NewMemoryRecorder(history.DefaultMemorySize)
			recorders = append(recorders, recent)
		}
	}

	ctrl := admission.NewController(admission.NewPool(cfg.Upload.MaxWaiters), ctrlOpts...)

	machine := core.NewMachine(ctrl, store, conv, core.Options{
		FieldPrefix:   cfg.Upload.FieldPrefix,
		Recorder:      recorders,
		RecordTimeout: cfg.Upload.RecordTimeout,
		Logger:        logger,
	})

	serverOpts := []web.Option{web.WithLogger(logger)}
	if collector != nil {
		collector.WatchController(ctrl)
		serverOpts = append(serverOpts, web.WithMetrics(collector.Handler()))
	}
	if recent != nil {
		serverOpts = append(serverOpts, web.WithStatus(ctrl, recent))
		logger.Info("status endpoint enabled", "path", cfg.Metrics.StatusPath)
	}
	server := web.NewServer(cfg, machine, serverOpts...)

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(sigCtx)

	g.Go(func() error {
		if err := server.Start(cfg.Server.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Parked uploads are turned away; the one in progress may finish.
		if n := ctrl.Close(); n > 0 {
			logger.Info("released parked uploads", "count", n)
		}
		if err := ctrl.WaitForDrain(shutdownCtx); err != nil {
			logger.Warn("upload did not complete in time", "error", err)
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
			return err
		}
		logger.Info("server stopped")
		return nil
	})

	return g.Wait()
}

// scanEnvFile picks --env-file out of args before the full flag set exists.
func scanEnvFile(args []string) string {
	pre := pflag.NewFlagSet("env", pflag.ContinueOnError)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.Usage = func() {}
	pre.SetOutput(io.Discard)

	envFile := pre.String("env-file", ".env", "")
	_ = pre.Parse(args)
	return *envFile
}
