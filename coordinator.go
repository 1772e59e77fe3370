package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	rpprof "runtime/pprof"
	"syscall"

	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	"github.com/anoma/trusted-setup-ceremony/logging"
	"github.com/anoma/trusted-setup-ceremony/server"
)

// Coordinator binary version, set with '-ldflags "-X main.version="'.
var version = "unknown"

// loadConfig layers defaults, the config file and the command line, in that order of precedence.
func loadConfig() (*server.Config, error) {
	cfg, err := server.ParseFlags(server.DefaultConfig())
	if err != nil {
		return nil, err
	}
	if cfg, err = server.ReadConfigFile(cfg); err != nil {
		return nil, err
	}
	if cfg, err = server.SetupConfig(cfg); err != nil {
		return nil, err
	}
	return server.ParseFlags(cfg)
}

func newLogger(cfg *server.Config) (*zap.Logger, func() error) {
	logCfg := logging.DefaultConfig()
	if cfg.DebugLog {
		logCfg.Level = zap.DebugLevel
	}
	logCfg.JSON = cfg.JSONLog
	logCfg.File = filepath.Join(cfg.LogDir, "coordinator.log")
	logCfg.MaxSizeMB = cfg.MaxLogFileSize
	logCfg.MaxBackups = cfg.MaxLogFiles
	return logCfg.Build()
}

// serveProfiling exposes pprof on port until ctx is done.
func serveProfiling(ctx context.Context, port string) {
	logger := logging.FromContext(ctx)
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/", http.RedirectHandler("/debug/pprof/", http.StatusSeeOther))
	srv := &http.Server{Addr: net.JoinHostPort("", port), Handler: mux}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	logger.Info("serving pprof", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("pprof server failed", zap.Error(err))
	}
}

// startCPUProfile returns a function that stops the profile. Failures are logged, not fatal.
func startCPUProfile(logger *zap.Logger, path string) func() {
	f, err := os.Create(path)
	if err != nil {
		logger.Error("could not create CPU profile", zap.Error(err))
		return func() {}
	}
	if err := rpprof.StartCPUProfile(f); err != nil {
		logger.Error("could not start CPU profile", zap.Error(err))
		_ = f.Close()
		return func() {}
	}
	return func() {
		rpprof.StopCPUProfile()
		_ = f.Close()
	}
}

// run is the coordinator entry point. Deferred cleanups do not run after os.Exit,
// so main only exits once run has returned.
func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, closeLog := newLogger(cfg)
	defer func() {
		logger.Info("shutdown complete")
		_ = closeLog()
	}()
	logger.Info("starting ceremony coordinator",
		zap.String("version", version),
		zap.String("ceremony_dir", cfg.CeremonyDir),
		zap.String("data_dir", cfg.DataDir),
		zap.String("db_dir", cfg.DbDir),
		zap.Object("store", cfg.Store),
		zap.Object("verifier", cfg.Verifier),
	)

	ctx, stop := signal.NotifyContext(logging.NewContext(context.Background(), logger), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Profile != "" {
		go serveProfiling(ctx, cfg.Profile)
	} else {
		runtime.MemProfileRate = 0
	}
	if cfg.CPUProfile != "" {
		defer startCPUProfile(logger, cfg.CPUProfile)()
	}

	srv, err := server.New(ctx, *cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer func() {
		if cerr := srv.Close(); cerr != nil {
			logger.Error("failed to close server", zap.Error(cerr))
		}
	}()
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failure in server: %w", err)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		// go-flags already printed its help text
		var ferr *flags.Error
		if !errors.As(err, &ferr) || ferr.Type != flags.ErrHelp {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
