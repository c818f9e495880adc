package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/anacrolix/torrent/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"torrentstream/internal/app"
	"torrentstream/internal/domain"
	"torrentstream/internal/gateway"
	"torrentstream/internal/metrics"
	mongorepo "torrentstream/internal/repository/mongo"
	"torrentstream/internal/services/torrent/engine/anacrolix"
	"torrentstream/internal/storage/memory"
	"torrentstream/internal/telemetry"
	"torrentstream/internal/usecase"

	nethttp "net/http"

	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
)

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), "torrent-gateway")
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", "torrent-gateway"),
		slog.String("gatewayAddr", cfg.GatewayAddr),
		slog.Int("gatewayPort", cfg.GatewayPort),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.String("dataDir", cfg.TorrentDataDir),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	ctx, cancel := context.WithTimeout(rootCtx, 10*time.Second)
	defer cancel()

	mongoOpts := otelmongo.NewMonitor()
	mongoClient, err := mongorepo.Connect(ctx, cfg.MongoURI, options.Client().SetMonitor(mongoOpts))
	if err != nil {
		logger.Error("mongo connect failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := mongoClient.Ping(ctx, readpref.Primary()); err != nil {
		logger.Error("mongo ping failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	repo := mongorepo.NewRepository(mongoClient, cfg.MongoDatabase, cfg.MongoCollection)
	if err := repo.EnsureIndexes(ctx); err != nil {
		logger.Warn("mongo ensure indexes failed", slog.String("error", err.Error()))
	}

	engineCfg := anacrolix.Config{
		DataDir:     cfg.TorrentDataDir,
		MaxSessions: cfg.MaxSessions,
	}
	if cfg.MemoryLimitBytes > 0 {
		provider := memory.NewProvider(
			memory.WithMaxBytes(cfg.MemoryLimitBytes),
			memory.WithSpillDir(cfg.MemorySpillDir),
		)
		engineCfg.Storage = storage.NewResourcePieces(provider)
		logger.Info("piece storage backed by memory provider",
			slog.Int64("memoryLimitBytes", cfg.MemoryLimitBytes),
			slog.String("spillDir", cfg.MemorySpillDir))
	}

	engine, err := anacrolix.New(engineCfg)
	if err != nil {
		logger.Error("torrent engine init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Seed the engine with an optional positional .torrent/magnet argument,
	// mirroring the original server's argv[1] convenience.
	if len(os.Args) > 1 {
		seedTorrent(ctx, engine, repo, os.Args[1], logger)
	}

	// Restore previously active torrents from DB (in background so the
	// gateway starts accepting connections immediately).
	go restoreTorrents(rootCtx, engine, repo, logger)

	syncUC := usecase.SyncState{Engine: engine, Repo: repo, Logger: logger}
	go syncUC.Run(rootCtx)

	if cfg.MinDiskSpaceBytes > 0 {
		diskUC := usecase.DiskPressure{
			Engine:       engine,
			Logger:       logger,
			DataDir:      cfg.TorrentDataDir,
			MinFreeBytes: cfg.MinDiskSpaceBytes,
			ResumeBytes:  cfg.MinDiskSpaceBytes * 2,
		}
		go diskUC.Run(rootCtx)
	}

	producer := gateway.NewTorrentProducer(engine, repo, logger)
	if err := producer.Refresh(ctx); err != nil {
		logger.Warn("media index refresh failed", slog.String("error", err.Error()))
	}
	go refreshMediaIndex(rootCtx, producer, logger)

	server := &gateway.Server{
		Addr:     cfg.GatewayAddr,
		Port:     cfg.GatewayPort,
		DocRoot:  cfg.GatewayDocRoot,
		Producer: producer,
		Logger:   logger,
	}

	if err := server.Listen(); err != nil {
		logger.Error("gateway listen failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	metricsSrv := startMetricsServer(logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(rootCtx)
	}()

	logger.Info("gateway started", slog.String("addr", net.JoinHostPort(cfg.GatewayAddr, strconv.Itoa(cfg.GatewayPort))))

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, net.ErrClosed) {
			logger.Error("gateway serve error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	server.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	if err := engine.Close(); err != nil {
		logger.Warn("engine close error", slog.String("error", err.Error()))
	}
	if err := mongoClient.Disconnect(context.Background()); err != nil {
		logger.Warn("mongo disconnect error", slog.String("error", err.Error()))
	}

	logger.Info("gateway stopped")
}

// startMetricsServer exposes Prometheus metrics on a plain net/http mux;
// this is the one remaining net/http surface in the process, since the
// gateway's data plane speaks raw sockets rather than net/http.
func startMetricsServer(logger *slog.Logger) *nethttp.Server {
	mux := nethttp.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &nethttp.Server{Addr: ":9100", Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			logger.Warn("metrics server error", slog.String("error", err.Error()))
		}
	}()
	return srv
}

// refreshMediaIndex keeps the producer's basename->video-index table current
// as torrents are added, removed, or finish fetching metadata.
func refreshMediaIndex(ctx context.Context, producer *gateway.TorrentProducer, logger *slog.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := producer.Refresh(ctx); err != nil {
				logger.Warn("media index refresh failed", slog.String("error", err.Error()))
			}
		}
	}
}

// seedTorrent opens and persists the optional CLI-provided source before the
// gateway starts serving, matching the original server/main.cpp's argv[1]
// convenience for "start and immediately serve this one torrent".
func seedTorrent(ctx context.Context, engine *anacrolix.Engine, repo *mongorepo.Repository, arg string, logger *slog.Logger) {
	src := domain.TorrentSource{}
	if strings.HasPrefix(arg, "magnet:") {
		src.Magnet = arg
	} else {
		src.Torrent = arg
	}

	createUC := usecase.CreateTorrent{Engine: engine, Repo: repo, Now: time.Now}
	rec, err := createUC.Execute(ctx, usecase.CreateTorrentInput{Source: src})
	if err != nil {
		logger.Warn("seed torrent failed", slog.String("source", arg), slog.String("error", err.Error()))
		return
	}
	logger.Info("seeded torrent from argv", slog.String("id", string(rec.ID)), slog.String("name", rec.Name))
}

func restoreTorrents(ctx context.Context, engine *anacrolix.Engine, repo *mongorepo.Repository, logger *slog.Logger) {
	active := domain.TorrentActive
	pending := domain.TorrentPending

	var records []domain.TorrentRecord
	for _, status := range []*domain.TorrentStatus{&active, &pending} {
		recs, err := repo.List(ctx, domain.TorrentFilter{Status: status})
		if err != nil {
			logger.Warn("restore: list failed", slog.String("status", string(*status)), slog.String("error", err.Error()))
			continue
		}
		records = append(records, recs...)
	}

	if len(records) == 0 {
		return
	}

	logger.Info("restoring torrents", slog.Int("count", len(records)))

	for _, rec := range records {
		src := rec.Source
		if strings.TrimSpace(src.Magnet) == "" && strings.TrimSpace(src.Torrent) == "" {
			logger.Warn("restore: no source", slog.String("id", string(rec.ID)))
			continue
		}

		session, err := engine.Open(ctx, src)
		if err != nil {
			logger.Warn("restore: open failed", slog.String("id", string(rec.ID)), slog.String("error", err.Error()))
			continue
		}

		if rec.Status == domain.TorrentActive {
			if err := session.Start(); err != nil {
				logger.Warn("restore: start failed", slog.String("id", string(rec.ID)), slog.String("error", err.Error()))
			}
		}

		logger.Info("restored torrent", slog.String("id", string(rec.ID)), slog.String("name", rec.Name))
	}
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
