package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	alertapi "github.com/qiniu/remediator/internal/alerting/api"
	adb "github.com/qiniu/remediator/internal/alerting/database"
	"github.com/qiniu/remediator/internal/alerting/model"
	"github.com/qiniu/remediator/internal/alerting/service/jobrunner"
	"github.com/qiniu/remediator/internal/alerting/service/notify"
	"github.com/qiniu/remediator/internal/alerting/service/playbook"
	"github.com/qiniu/remediator/internal/alerting/service/remediation"
	"github.com/qiniu/remediator/internal/alerting/service/source"
	"github.com/qiniu/remediator/internal/alerting/service/tracker"
	"github.com/qiniu/remediator/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

func serve(ctx context.Context) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if closer := setupLogging(cfg.Logging); closer != nil {
		defer closer.Close()
	}
	log.Info().Msg("Starting remediator")

	// a broken rule set must keep the process from starting
	playbooks, err := playbook.LoadFile(cfg.Remediation.PlaybooksFile)
	if err != nil {
		return err
	}
	registry := playbook.NewRegistry(playbook.NewSnapshot(playbooks, cfg.Remediation.PlaybooksFile))
	log.Info().Str("path", cfg.Remediation.PlaybooksFile).Int("playbooks", len(playbooks)).Msg("playbooks loaded")

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := remediation.NewMetrics(promReg)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()

	var db *adb.Database
	if cfg.Database.Enabled {
		d := cfg.Database
		db, err = adb.New(adb.DSN(d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode))
		if err != nil {
			return fmt.Errorf("failed to open audit database: %w", err)
		}
		defer db.Close()
	}

	archives, err := buildArchives(ctx, cfg, rdb, db)
	if err != nil {
		return err
	}
	trOpts := tracker.Options{
		Capacity: cfg.Tracker.Capacity,
		MaxAge:   config.Duration(cfg.Tracker.MaxAge, 24*time.Hour),
	}
	var archiveLoader tracker.Loader
	if len(archives) > 0 {
		trOpts.Archive = archives
		archiveLoader = archives
	}
	tr := tracker.New(trOpts)

	kube, err := jobrunner.NewClientset(cfg.Kubernetes.Kubeconfig)
	if err != nil {
		return err
	}
	runner := jobrunner.NewRunner(kube, tr)
	runner.PollInterval = config.Duration(cfg.Remediation.PollInterval, 2*time.Second)
	runner.LogTailLines = int64(cfg.Remediation.LogTailLines)

	notifier, err := buildNotifier(cfg.Notify)
	if err != nil {
		return err
	}

	policy, err := remediation.ParsePolicy(cfg.Remediation.Policy)
	if err != nil {
		return err
	}
	consumer := remediation.NewConsumer(registry, runner, notifier, metrics)
	consumer.Policy = policy
	consumer.MaxInFlight = cfg.Remediation.MaxInFlight
	if period := config.Duration(cfg.Remediation.ObservationPeriod, 0); period > 0 {
		consumer.Windows = remediation.NewRedisObservationWindowManager(rdb)
		consumer.ObservationPeriod = period
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup

	alertCh := make(chan model.RawAlert, cfg.Remediation.MaxInFlight)
	queue := source.NewRedisQueue(rdb, cfg.Remediation.QueueKey)
	consumer.Requeue = queue
	wg.Add(2)
	go func() {
		defer wg.Done()
		// closing tells the consumer's shutdown drain nothing more is coming
		defer close(alertCh)
		if err := queue.Run(ctx, alertCh); err != nil {
			log.Error().Err(err).Msg("alert queue stopped")
		}
	}()
	go func() {
		defer wg.Done()
		consumer.Start(ctx, alertCh)
	}()

	if cfg.Remediation.WatchPlaybooks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := playbook.Watch(ctx, registry, cfg.Remediation.PlaybooksFile, metrics.ObserveReload); err != nil {
				log.Error().Err(err).Msg("playbook watcher stopped")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		sweepTracker(ctx, tr, time.Minute)
	}()

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	alertapi.NewApi(router, &alertapi.Api{
		Tracker:       tr,
		Archive:       archiveLoader,
		Registry:      registry,
		PlaybooksFile: cfg.Remediation.PlaybooksFile,
		OnReload:      metrics.ObserveReload,
		Gatherer:      promReg,
	}, cfg.Server.AdminToken)

	srv := &http.Server{Addr: cfg.Server.BindAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Msgf("Starting server on %s", cfg.Server.BindAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-errCh:
		log.Error().Err(err).Msg("admin api server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	cancel()
	wg.Wait()
	log.Info().Msg("remediator exit...")
	return err
}

func setupLogging(cfg config.LoggingConfig) io.Closer {
	switch strings.ToLower(cfg.Level) {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	var closer io.Closer
	if cfg.File != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(out, file)
		closer = file
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return closer
}

func buildArchives(ctx context.Context, cfg *config.Config, rdb *redis.Client, db *adb.Database) (tracker.Archives, error) {
	var archives tracker.Archives
	ttl := config.Duration(cfg.Tracker.ArchiveTTL, 7*24*time.Hour)
	if cfg.Tracker.Archive == "redis" || cfg.Tracker.Archive == "both" {
		archives = append(archives, tracker.NewRedisArchive(rdb, ttl))
	}
	if cfg.Tracker.Archive == "pg" || cfg.Tracker.Archive == "both" {
		pg := tracker.NewPgArchive(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("failed to prepare invocation archive: %w", err)
		}
		archives = append(archives, pg)
	}
	return archives, nil
}

func buildNotifier(cfg config.NotifyConfig) (notify.Notifier, error) {
	if cfg.Type == "" || cfg.Type == "log" {
		return notify.LogNotifier{}, nil
	}
	wh, err := notify.NewWebhook(cfg.Type, cfg.URL, config.Duration(cfg.Timeout, 10*time.Second))
	if err != nil {
		return nil, err
	}
	return notify.Multi{notify.LogNotifier{}, wh}, nil
}

func sweepTracker(ctx context.Context, tr *tracker.Tracker, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tr.Sweep()
		}
	}
}
