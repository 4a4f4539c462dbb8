package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/IliaW/enrollment-scrape-worker/config"
	"github.com/IliaW/enrollment-scrape-worker/internal/archive"
	"github.com/IliaW/enrollment-scrape-worker/internal/aws_s3"
	"github.com/IliaW/enrollment-scrape-worker/internal/broker"
	cacheClient "github.com/IliaW/enrollment-scrape-worker/internal/cache"
	"github.com/IliaW/enrollment-scrape-worker/internal/fetcher"
	"github.com/IliaW/enrollment-scrape-worker/internal/metrics"
	"github.com/IliaW/enrollment-scrape-worker/internal/model"
	"github.com/IliaW/enrollment-scrape-worker/internal/persistence"
	"github.com/IliaW/enrollment-scrape-worker/internal/worker"
	"github.com/go-sql-driver/mysql"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cfg     *config.Config
	log     *slog.Logger
	db      *sql.DB
	s3      aws_s3.BucketClient
	cache   cacheClient.PageCache
	runRepo persistence.RunStorage
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg = config.MustLoad()
	log = setupLogger()
	if cfg.DbSettings.Enabled {
		db = setupDatabase()
		defer closeDatabase()
		runRepo = persistence.NewRunRepository(db, log)
	}
	if cfg.S3Settings.Enabled {
		s3 = aws_s3.NewS3BucketClient(cfg.S3Settings, log)
	}
	cache = setupCache()
	if cache != nil {
		defer cache.Close()
	}
	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)
	strategies, err := fetcher.NewStrategies(cfg.FetcherSettings, log)
	if err != nil {
		log.Error("failed to set up fetch strategies.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	if cfg.FallbackSettings.CommonCrawl.Enabled {
		strategies.Archive = archive.NewCommonCrawl(cfg.FallbackSettings.CommonCrawl, log)
	}
	log.Info("starting application.", slog.String("env", cfg.Env), slog.String("mode", cfg.WorkerSettings.Mode),
		slog.String("version", cfg.Version))

	srv := startMetricsServer(registry)

	taskChan := make(chan *model.RunTask, 100)
	reportChan := make(chan *model.RunReport, 100)
	panicChan := make(chan struct{}, cfg.WorkerSettings.MaxWorkers)

	kafkaWg := &sync.WaitGroup{}
	switch cfg.WorkerSettings.Mode {
	case "kafka":
		if !cfg.KafkaSettings.Enabled {
			log.Error("kafka mode requires kafka.enabled.")
			os.Exit(1)
		}
		kafkaWg.Add(1)
		go broker.NewTaskConsumer(taskChan, cfg.KafkaSettings.Consumer, log, kafkaWg).Run(ctx)
	default:
		go enqueueSites(ctx, taskChan)
	}

	if cfg.KafkaSettings.Enabled {
		kafkaWg.Add(1)
		go broker.NewReportProducer(reportChan, cfg.KafkaSettings.Producer, log, kafkaWg).Run()
	} else {
		kafkaWg.Add(1)
		go logReports(reportChan, kafkaWg)
	}

	workerWg := &sync.WaitGroup{}
	runWorker := &worker.RunWorker{
		InputChan:  taskChan,
		OutputChan: reportChan,
		PanicChan:  panicChan,
		Cfg:        cfg,
		Log:        log,
		Strategies: strategies,
		Cache:      cache,
		Metrics:    m,
		Db:         runRepo,
		S3:         s3,
		Locks:      worker.NewSiteLocks(),
		Wg:         workerWg,
	}
	for i := 0; i < cfg.WorkerSettings.MaxWorkers; i++ {
		workerWg.Add(1)
		go runWorker.Run(ctx)
	}
	// Restart workers if they panic.
	go func() {
		for range panicChan {
			workerWg.Add(1)
			go runWorker.Run(ctx)
			time.Sleep(3 * time.Minute) // timeout to avoid polluting logs if something unrecoverable happened
		}
	}()

	// Graceful shutdown.
	// 1. taskChan is closed after the last configured site (once) or by the consumer on a system call (kafka)
	// 2. Wait till all Workers finished their runs. A system call cancels runs in progress; partial
	//    results are flushed and a checkpoint is left behind. Close reportChan
	// 3. Wait till Producer process all reports from reportChan and write to kafka
	// 4. Stop metrics server. Close database and memcached connections
	workerWg.Wait()
	if ctx.Err() != nil {
		log.Info("stopping server...")
	}
	close(reportChan)
	log.Info("close reportChan.")
	close(panicChan)
	log.Info("close panicChan.")
	kafkaWg.Wait()
	stopMetricsServer(srv)
}

// enqueueSites turns every configured site into a run task and closes taskChan.
func enqueueSites(ctx context.Context, taskChan chan<- *model.RunTask) {
	defer close(taskChan)
	for _, site := range cfg.Sites {
		select {
		case taskChan <- &model.RunTask{Site: site.Name, Resume: cfg.RunnerSettings.Resume}:
		case <-ctx.Done():
			return
		}
	}
	log.Info("all sites enqueued.", slog.Int("sites", len(cfg.Sites)))
}

func logReports(reportChan <-chan *model.RunReport, wg *sync.WaitGroup) {
	defer wg.Done()
	for r := range reportChan {
		attrs := []any{
			slog.String("site", r.Site),
			slog.Int("records", r.Records),
			slog.Int("requests", r.Requests),
			slog.Int("failed", r.Failed),
			slog.Int("blocked", r.Blocked),
			slog.Int("not_found", r.NotFound),
			slog.Int("parse_anomalies", r.Anomalies),
			slog.Bool("halted", r.Halted),
			slog.Bool("canceled", r.Canceled),
			slog.Duration("duration", r.Duration),
		}
		switch {
		case r.Err != "":
			log.Error("run failed.", append(attrs, slog.String("err", r.Err))...)
		case r.Skipped:
			log.Info("run skipped. Outputs already exist.", slog.String("site", r.Site))
		case r.Halted:
			log.Warn("run halted.", append(attrs, slog.String("reason", r.HaltReason))...)
		default:
			log.Info(fmt.Sprintf("collected %d records, %d requests failed.", r.Records, r.Failed), attrs...)
		}
	}
}

func setupLogger() *slog.Logger {
	resolvedLogLevel := func() slog.Level {
		envLogLevel := strings.ToLower(cfg.LogLevel)
		switch envLogLevel {
		case "info":
			return slog.LevelInfo
		case "warn":
			return slog.LevelWarn
		case "error":
			return slog.LevelError
		default:
			return slog.LevelDebug
		}
	}

	replaceAttrs := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			source := a.Value.Any().(*slog.Source)
			source.File = filepath.Base(source.File)
		}
		return a
	}

	var logger *slog.Logger
	if strings.ToLower(cfg.LogType) == "json" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			AddSource:   true,
			Level:       resolvedLogLevel(),
			ReplaceAttr: replaceAttrs}))
	} else {
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			AddSource:   true,
			Level:       resolvedLogLevel(),
			ReplaceAttr: replaceAttrs,
			NoColor:     false}))
	}

	slog.SetDefault(logger)
	logger.Debug("debug messages are enabled.")

	return logger
}

func setupCache() cacheClient.PageCache {
	switch cfg.CacheSettings.Type {
	case "local":
		return cacheClient.NewLocalCache(cfg.CacheSettings.TTL, log)
	case "memcached":
		return cacheClient.NewMemcachedClient(cfg.CacheSettings, log)
	default:
		log.Info("page cache is disabled.")
		return nil
	}
}

func startMetricsServer(reg *prometheus.Registry) *http.Server {
	if cfg.Port == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("serving metrics on port "+cfg.Port, slog.String("path", "/metrics"))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed.", slog.String("err", err.Error()))
		}
	}()
	return srv
}

func stopMetricsServer(srv *http.Server) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("failed to stop metrics server.", slog.String("err", err.Error()))
	}
}

func setupDatabase() *sql.DB {
	log.Info("connecting to the database...")
	sqlCfg := mysql.Config{
		User:                 cfg.DbSettings.User,
		Passwd:               cfg.DbSettings.Password,
		Net:                  "tcp",
		Addr:                 fmt.Sprintf("%s:%s", cfg.DbSettings.Host, cfg.DbSettings.Port),
		DBName:               cfg.DbSettings.Name,
		AllowNativePasswords: true,
		ParseTime:            true,
	}
	database, err := sql.Open("mysql", sqlCfg.FormatDSN())
	if err != nil {
		log.Error("failed to establish database connection.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	database.SetConnMaxLifetime(cfg.DbSettings.ConnMaxLifetime)
	database.SetMaxOpenConns(cfg.DbSettings.MaxOpenConns)
	database.SetMaxIdleConns(cfg.DbSettings.MaxIdleConns)

	maxRetry := 6
	for i := 1; i <= maxRetry; i++ {
		log.Info("ping the database.", slog.String("attempt", fmt.Sprintf("%d/%d", i, maxRetry)))
		pingErr := database.Ping()
		if pingErr != nil {
			log.Error("not responding.", slog.String("err", pingErr.Error()))
			if i == maxRetry {
				log.Error("failed to establish database connection.")
				os.Exit(1)
			}
			log.Info(fmt.Sprintf("wait %d seconds", 5*i))
			time.Sleep(time.Duration(5*i) * time.Second)
		} else {
			break
		}
	}
	log.Info("connected to the database!")

	return database
}

func closeDatabase() {
	log.Info("closing database connection.")
	err := db.Close()
	if err != nil {
		log.Error("failed to close database connection.", slog.String("err", err.Error()))
	}
}
