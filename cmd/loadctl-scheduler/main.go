package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/loadctl/internal/clock"
	"github.com/malbeclabs/loadctl/internal/config"
	"github.com/malbeclabs/loadctl/internal/cryptutil"
	"github.com/malbeclabs/loadctl/internal/domain"
	"github.com/malbeclabs/loadctl/internal/executor"
	"github.com/malbeclabs/loadctl/internal/logging"
	"github.com/malbeclabs/loadctl/internal/scheduler"
	"github.com/malbeclabs/loadctl/internal/signalsink"
	"github.com/malbeclabs/loadctl/internal/sourcepool"
	"github.com/malbeclabs/loadctl/internal/sourceregistry"
	"github.com/malbeclabs/loadctl/internal/storage"
	"github.com/malbeclabs/loadctl/internal/versionstore"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Bind(flag.CommandLine)
	flag.Parse()

	if cfg.ShowVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logging.New(os.Stdout, cfg.Verbose, logging.FormatTint)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("connect to control store: %w", err)
	}
	defer pool.Close()

	if err := storage.Bootstrap(ctx, pool); err != nil {
		return fmt.Errorf("bootstrap control store: %w", err)
	}

	decryptor, err := loadDecryptor(cfg.EncryptionKeyPath)
	if err != nil {
		return err
	}

	registry := sourceregistry.New(pool)
	sourcePool, err := sourcepool.New(sourcepool.Config{
		Logger: log,
		Dialer: sourcepool.NewStdDialer(),
		Lookup: registry.Lookup,
	})
	if err != nil {
		return fmt.Errorf("create source pool: %w", err)
	}
	defer sourcePool.Close()

	realClock := clock.New(clockwork.NewRealClock())
	versions := versionstore.New(pool)
	sink := signalsink.New(pool)

	exec, err := executor.New(executor.Config{
		Clock:          realClock,
		Pool:           sourcePool,
		Sink:           sink,
		Decryptor:      decryptor,
		BorrowTimeout:  cfg.BorrowTimeout,
		FetchBatchSize: cfg.FetchBatchSize,
	})
	if err != nil {
		return fmt.Errorf("create executor: %w", err)
	}

	reg := prometheus.NewRegistry()
	sched, err := scheduler.New(scheduler.Config{
		Logger:            log,
		Clock:             realClock,
		Pool:              pool,
		Versions:          versions,
		Executor:          exec,
		Metrics:           scheduler.NewMetrics(reg),
		SweepInterval:     cfg.SweepInterval,
		MaxClaimsPerSweep: cfg.MaxClaimsPerSweep,
		MaxConcurrency:    cfg.MaxConcurrency,
		ExecutionTimeout:  cfg.ExecutionTimeout,
		AutoRecoverAfter:  cfg.AutoRecoverAfter,
	})
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	var metricsErrCh <-chan error
	if cfg.MetricsAddr != "" {
		metricsErrCh = startMetricsServer(ctx, log, cfg.MetricsAddr, reg)
	}

	log.Info("loadctl-scheduler: starting", "version", version, "commit", commit, "date", date)

	errCh := make(chan error, 1)
	go func() {
		errCh <- sched.Run(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("scheduler error: %w", err)
		}
		return nil
	case err, ok := <-metricsErrCh:
		if ok && err != nil {
			return fmt.Errorf("metrics server error: %w", err)
		}
		<-errCh
		return nil
	}
}

func loadDecryptor(keyPath string) (domain.Decryptor, error) {
	if keyPath == "" {
		return cryptutil.PassthroughDecryptor{}, nil
	}
	return cryptutil.NewAESGCMDecryptor(keyPath)
}

func startMetricsServer(ctx context.Context, log *slog.Logger, addr string, reg *prometheus.Registry) <-chan error {
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)

		listener, err := net.Listen("tcp", addr)
		if err != nil {
			errCh <- err
			return
		}
		defer listener.Close()

		log.Info("prometheus metrics server listening", "address", listener.Addr().String())

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		httpSrv := &http.Server{Handler: mux}

		go func() {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(sctx)
		}()

		if err := httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	return errCh
}
