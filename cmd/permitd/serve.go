package main

import (
	"context"
	"expvar"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"permitcore/internal/adapters/permits"
	"permitcore/internal/blob"
	"permitcore/internal/core"
	"permitcore/internal/infra/persistence/memory"
	"permitcore/internal/infra/persistence/postgres"
	"permitcore/internal/infra/persistence/sqlite"
	"permitcore/internal/render"
	"permitcore/pkg/domain"
)

func newServeCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("PERMITCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the permit lifecycle HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), v)
		},
	}

	flags := cmd.Flags()
	flags.String("addr", ":8080", "listen address")
	flags.String("storage-driver", "sqlite", "persistence backend: memory|sqlite|postgres")
	flags.String("sqlite-path", "permitcore.db", "sqlite database path")
	flags.String("postgres-dsn", "", "postgres DSN when storage-driver=postgres")
	flags.String("blob-driver", "fs", "blob backend: fs|s3|memory")
	flags.String("blob-fs-root", "./blobdata", "blob root when blob-driver=fs")
	flags.String("log-format", "text", "log output format: text|json")
	flags.Bool("trace", false, "emit JSON trace spans to stderr")
	for _, name := range []string{"addr", "storage-driver", "sqlite-path", "postgres-dsn", "blob-driver", "blob-fs-root", "log-format", "trace"} {
		if err := v.BindPFlag(strings.ReplaceAll(name, "-", "_"), flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	return cmd
}

func openStore(v *viper.Viper, engine *domain.RulesEngine) (domain.PersistentStore, error) {
	switch driver := v.GetString("storage_driver"); core.StorageDriver(driver) {
	case core.StorageMemory:
		return memory.NewStore(engine), nil
	case core.StorageSQLite:
		return sqlite.NewStore(v.GetString("sqlite_path"), engine)
	case core.StoragePostgres:
		return postgres.NewStore(v.GetString("postgres_dsn"), engine)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}

func openBlob(ctx context.Context, v *viper.Viper) (blob.Store, error) {
	switch driver := v.GetString("blob_driver"); blob.Driver(driver) {
	case blob.DriverFilesystem:
		return blob.NewFilesystem(v.GetString("blob_fs_root"))
	case blob.DriverS3:
		return blob.OpenS3FromEnv(ctx)
	case blob.DriverMemory:
		return blob.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}

func runServe(ctx context.Context, v *viper.Viper) error {
	logger := logrus.New()
	if v.GetString("log_format") == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	engine := core.NewDefaultRulesEngine()
	store, err := openStore(v, engine)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	blobStore, err := openBlob(ctx, v)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	promRecorder, err := core.NewPrometheusMetricsRecorder(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	opts := []core.Option{
		core.WithArtifactStore(permits.NewBlobArtifactStore(blobStore)),
		core.WithClosureRenderer(render.NewClosureRenderer()),
		core.WithMetricsRecorder(promRecorder),
		core.WithLogger(logger),
	}
	if v.GetBool("trace") {
		opts = append(opts, core.WithTracer(core.NewJSONTracer(os.Stderr)))
	}
	service := core.NewService(store, opts...)

	exporter := permits.NewExportWorker(service, permits.NewBlobArtifactStore(blobStore), logger)
	exporter.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = exporter.Stop(stopCtx)
	}()

	handler := permits.NewHandler(service)
	handler.Exports = exporter

	mux := http.NewServeMux()
	mux.Handle("/api/v1/", handler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/debug/vars", expvar.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", addr).Info("permitd listening")
		errCh <- srv.ListenAndServe()
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-sigCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}
