package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IliaW/enrollment-scrape-worker/config"
	"github.com/IliaW/enrollment-scrape-worker/internal/aws_s3"
	"github.com/IliaW/enrollment-scrape-worker/internal/cache"
	"github.com/IliaW/enrollment-scrape-worker/internal/fetcher"
	"github.com/IliaW/enrollment-scrape-worker/internal/metrics"
	"github.com/IliaW/enrollment-scrape-worker/internal/model"
	"github.com/IliaW/enrollment-scrape-worker/internal/persistence"
	"github.com/IliaW/enrollment-scrape-worker/internal/runner"
	"github.com/IliaW/enrollment-scrape-worker/internal/scheduler"
)

const uploadTimeout = 2 * time.Minute

// RunWorker executes run tasks one at a time. Several workers share the fetch strategies
// and the page cache; everything else belongs to a single run.
type RunWorker struct {
	InputChan  <-chan *model.RunTask
	OutputChan chan<- *model.RunReport
	PanicChan  chan struct{}
	Cfg        *config.Config
	Log        *slog.Logger
	Strategies *fetcher.Strategies
	Cache      cache.PageCache
	Metrics    *metrics.Metrics
	Db         persistence.RunStorage
	S3         aws_s3.BucketClient
	Locks      *SiteLocks
	Wg         *sync.WaitGroup
}

// Run starts the run worker. It runs every task and sends the report to the output channel.
func (w *RunWorker) Run(ctx context.Context) {
	defer w.Wg.Done()
	// reports the panic before Done so the channel is still open
	defer func() {
		if r := recover(); r != nil {
			w.Log.Error("PANIC!", slog.Any("err", r))
			w.PanicChan <- struct{}{}
		}
	}()
	w.Log.Debug("starting run worker.")

	for task := range w.InputChan {
		if ctx.Err() != nil {
			w.Log.Info("shutdown in progress. Skip the task.", slog.String("site", task.Site))
			continue
		}
		report := w.runTask(ctx, task)
		w.saveReport(report)
	}
}

func (w *RunWorker) runTask(ctx context.Context, task *model.RunTask) *model.RunReport {
	log := w.Log.With(slog.String("site", task.Site))
	site, ok := w.Cfg.Site(task.Site)
	if !ok {
		log.Error("unknown site.")
		return failedReport(task, w.Cfg.Version, "unknown site")
	}

	unlock := w.Locks.Lock(site.Name)
	defer unlock()

	sched, err := scheduler.NewPolite(w.Cfg.SchedulerSettings, log)
	if err != nil {
		log.Error("failed to create scheduler.", slog.String("err", err.Error()))
		return failedReport(task, w.Cfg.Version, err.Error())
	}
	pf := fetcher.New(w.Cfg.FetcherSettings, w.Strategies, sched, w.Cache, w.Metrics, log)
	r, err := runner.New(w.Cfg, site, pf, sched, w.Metrics, log)
	if err != nil {
		log.Error("failed to create runner.", slog.String("err", err.Error()))
		return failedReport(task, w.Cfg.Version, err.Error())
	}
	return r.Run(ctx, *task)
}

func (w *RunWorker) saveReport(report *model.RunReport) {
	if w.S3 != nil && !report.Skipped && report.Err == "" {
		ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
		report.OutputLinks = w.S3.WriteRun(ctx, report) // Save outputs to S3
		cancel()
	}
	if w.Db != nil {
		w.Db.Save(report) // Save the report to database
	}
	if w.OutputChan != nil {
		w.OutputChan <- report // Send the report to kafka producer
	}
}

func failedReport(task *model.RunTask, version, msg string) *model.RunReport {
	return &model.RunReport{
		Site:          task.Site,
		WorkerVersion: version,
		StartedAt:     time.Now(),
		Err:           fmt.Sprintf("run not started: %s", msg),
	}
}

// SiteLocks keeps two runs from working on the same site at once.
type SiteLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewSiteLocks() *SiteLocks {
	return &SiteLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock blocks until the site is free and returns the matching unlock function.
func (l *SiteLocks) Lock(site string) func() {
	l.mu.Lock()
	m, ok := l.locks[site]
	if !ok {
		m = &sync.Mutex{}
		l.locks[site] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}
