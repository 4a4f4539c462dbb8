// Package runner executes one scrape run: schedule, fetch, extract and accumulate,
// strictly sequentially against a single site.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/IliaW/enrollment-scrape-worker/config"
	"github.com/IliaW/enrollment-scrape-worker/internal/extractor"
	"github.com/IliaW/enrollment-scrape-worker/internal/metrics"
	"github.com/IliaW/enrollment-scrape-worker/internal/model"
	"github.com/IliaW/enrollment-scrape-worker/internal/plan"
	"github.com/IliaW/enrollment-scrape-worker/internal/scheduler"
	"github.com/IliaW/enrollment-scrape-worker/internal/sink"
)

// PageFetcher is the part of *fetcher.PageFetcher a run needs.
type PageFetcher interface {
	Fetch(ctx context.Context, req model.FetchRequest) (*model.Page, error)
	FetchArchived(ctx context.Context, req model.FetchRequest) (*model.Page, error)
}

// Scheduler paces the requests of a run. *scheduler.Polite satisfies it.
type Scheduler interface {
	AwaitTurn(ctx context.Context, c scheduler.Category) error
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

type Runner struct {
	cfg       *config.Config
	site      *config.SiteConfig
	plan      *plan.Plan
	fetcher   PageFetcher
	extractor extractor.Extractor
	scheduler Scheduler
	sink      *sink.ResultSink
	metrics   *metrics.Metrics
	log       *slog.Logger
	now       func() time.Time

	consecutiveFailures int
}

func New(cfg *config.Config, site *config.SiteConfig, f PageFetcher, s Scheduler, m *metrics.Metrics,
	log *slog.Logger) (*Runner, error) {
	p, err := plan.Build(site, cfg.FetcherSettings.Render)
	if err != nil {
		return nil, err
	}
	ex, err := extractor.New(site)
	if err != nil {
		return nil, err
	}
	return &Runner{
		cfg:       cfg,
		site:      site,
		plan:      p,
		fetcher:   f,
		extractor: ex,
		scheduler: s,
		sink:      sink.New(cfg.OutputSettings.BaseColumns, log),
		metrics:   m,
		log:       log.With(slog.String("site", site.Name)),
		now:       time.Now,
	}, nil
}

// OutputPaths returns where the CSV and JSON results of a site are written.
func OutputPaths(cfg *config.OutputConfig, site string) (string, string) {
	base := filepath.Join(cfg.Dir, unsafeName.ReplaceAllString(site, "_")+"_enrollment")
	return base + ".csv", base + ".json"
}

func (r *Runner) checkpointPath() string {
	dir := r.cfg.RunnerSettings.CheckpointDir
	if dir == "" {
		dir = filepath.Join(r.cfg.OutputSettings.Dir, ".checkpoints")
	}
	return filepath.Join(dir, unsafeName.ReplaceAllString(r.site.Name, "_")+".checkpoint.json")
}

// Run visits every page of the plan and always returns a report; failures of single
// requests are counted, never returned.
func (r *Runner) Run(ctx context.Context, task model.RunTask) *model.RunReport {
	report := &model.RunReport{
		Site:          r.site.Name,
		WorkerVersion: r.cfg.Version,
		StartedAt:     r.now(),
	}
	csvPath, jsonPath := OutputPaths(r.cfg.OutputSettings, r.site.Name)
	cpPath := r.checkpointPath()

	if r.cfg.OutputSettings.SkipExisting && exists(csvPath) && exists(jsonPath) && !exists(cpPath) {
		r.log.Info("output already exists. Skip the site.", slog.String("csv", csvPath))
		report.Skipped = true
		r.finish(report, "skipped")
		return report
	}

	start := 0
	if r.cfg.RunnerSettings.Resume || task.Resume {
		start = r.resume(cpPath, report)
	}
	r.log.Info("starting run.", slog.Int("batches", len(r.plan.Batches)), slog.Int("pages", r.plan.Pages()),
		slog.Int("first batch", start))

	committed, complete := r.snapshot(start, report), true
batches:
	for bi := start; bi < len(r.plan.Batches); bi++ {
		batch := r.plan.Batches[bi]
		if err := r.scheduler.AwaitTurn(ctx, scheduler.Batch); err != nil {
			complete = false
			break
		}
		r.log.Info("processing batch.", slog.String("batch", batch.Name), slog.Int("pages", len(batch.Pages)))

		for pi, req := range batch.Pages {
			if ctx.Err() != nil {
				complete = false
				break batches
			}
			if err := r.scheduler.AwaitTurn(ctx, scheduler.Page); err != nil {
				complete = false
				break batches
			}

			n, ok := r.visit(ctx, batch, pi, req, report)
			if ctx.Err() != nil {
				complete = false
				break batches
			}
			if r.halted(ok, report) {
				complete = false
				break batches
			}
			if batch.Paginated && (!ok || n == 0) {
				r.log.Debug("pagination ended.", slog.String("batch", batch.Name), slog.Int("page", pi))
				break
			}
		}

		report.BatchesProcessed++
		committed = r.snapshot(bi+1, report)
		if bi+1 < len(r.plan.Batches) {
			r.persist(cpPath, committed)
		}
	}
	report.Canceled = ctx.Err() != nil

	if err := r.sink.Flush(csvPath, jsonPath); err != nil {
		r.log.Error("failed to save results.", slog.String("err", err.Error()))
		report.Err = err.Error()
	} else {
		report.CSVPath, report.JSONPath = csvPath, jsonPath
	}
	report.Records = r.sink.Len()

	if complete {
		if err := removeCheckpoint(cpPath); err != nil {
			r.log.Warn("failed to remove checkpoint.", slog.String("err", err.Error()))
		}
	} else {
		// records of an unfinished batch are not kept: the batch is visited again on resume
		r.persist(cpPath, committed)
	}

	status := "completed"
	switch {
	case report.Canceled:
		status = "canceled"
	case report.Halted:
		status = "halted"
	}
	r.finish(report, status)
	return report
}

// visit fetches one page and appends its records. It reports the number of records
// and whether the request succeeded.
func (r *Runner) visit(ctx context.Context, batch plan.Batch, pageIdx int, req model.FetchRequest,
	report *model.RunReport) (int, bool) {
	report.Requests++
	page, err := r.fetcher.Fetch(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, false
		}
		page = r.fallback(ctx, req, err, report)
		if page == nil {
			report.Failed++
			return 0, false
		}
	}

	scrapedAt := r.now().UTC().Format(time.RFC3339)
	var records []model.Record
	for rec := range r.extractor.Extract(page.Document()) {
		for k, v := range batch.Fields {
			if !rec.Has(k) {
				rec = rec.With(k, v)
			}
		}
		records = append(records, rec.With(model.FieldSourceURL, req.URL).With(model.FieldScrapedAt, scrapedAt))
	}

	if len(records) == 0 {
		if !batch.Paginated || pageIdx == 0 {
			report.Anomalies++
			r.log.Warn("no records found on the page.", slog.String("url", req.URL),
				slog.String("extractor", r.extractor.Name()))
		}
		return 0, true
	}
	if err = r.sink.Append(records...); err != nil {
		r.log.Error("failed to append records.", slog.String("err", err.Error()))
		return 0, true
	}
	r.metrics.AddRecords(r.site.Name, len(records))
	r.log.Debug("page processed.", slog.String("url", req.URL), slog.Int("records", len(records)),
		slog.Bool("from cache", page.FromCache))
	return len(records), true
}

// fallback classifies a failed fetch and tries the archive for blocked pages.
func (r *Runner) fallback(ctx context.Context, req model.FetchRequest, err error,
	report *model.RunReport) *model.Page {
	switch model.KindOf(err) {
	case model.NotFound:
		report.NotFound++
		r.log.Info("page not found. Skip.", slog.String("url", req.URL), slog.String("err", err.Error()))
		return nil
	case model.Blocked:
		report.Blocked++
		report.Warn(fmt.Sprintf("blocked by anti-automation challenge: %s", req.URL))
		r.log.Warn("request blocked.", slog.String("url", req.URL), slog.String("err", err.Error()))
	default:
		r.log.Error("failed to fetch page.", slog.String("url", req.URL), slog.String("err", err.Error()))
		return nil
	}

	if cc := r.cfg.FallbackSettings.CommonCrawl; cc == nil || !cc.Enabled {
		return nil
	}
	page, ferr := r.fetcher.FetchArchived(ctx, req)
	if ferr != nil {
		r.log.Warn("archive fallback failed.", slog.String("url", req.URL), slog.String("err", ferr.Error()))
		return nil
	}
	report.Fallbacks++
	r.log.Info("page taken from archive.", slog.String("url", req.URL))
	return page
}

// halted counts consecutive failed requests. The run halts once the count goes beyond
// the configured limit; a limit of 0 never halts.
func (r *Runner) halted(ok bool, report *model.RunReport) bool {
	if ok {
		r.consecutiveFailures = 0
		return false
	}
	r.consecutiveFailures++
	limit := r.cfg.RunnerSettings.MaxConsecutiveFailures
	if limit <= 0 || r.consecutiveFailures <= limit {
		return false
	}
	report.Halted = true
	report.HaltReason = fmt.Sprintf("%d consecutive failed requests", r.consecutiveFailures)
	r.log.Error("too many consecutive failures. Halting the run.", slog.Int("failures", r.consecutiveFailures))
	return true
}

func (r *Runner) resume(path string, report *model.RunReport) int {
	cp, err := loadCheckpoint(path)
	if err != nil {
		r.log.Warn("failed to load checkpoint. Starting from scratch.", slog.String("err", err.Error()))
		return 0
	}
	if cp == nil {
		return 0
	}
	if cp.Site != r.site.Name || cp.Plan != planFingerprint(r.plan) || cp.NextBatch > len(r.plan.Batches) {
		r.log.Info("checkpoint does not match the current plan. Starting from scratch.")
		return 0
	}
	if err = r.sink.Append(cp.Records...); err != nil {
		r.log.Warn("failed to restore records.", slog.String("err", err.Error()))
		return 0
	}
	report.Resumed = true
	report.Requests, report.Failed, report.Blocked = cp.Requests, cp.Failed, cp.Blocked
	report.NotFound, report.Anomalies, report.Fallbacks = cp.NotFound, cp.Anomalies, cp.Fallbacks
	report.BatchesProcessed = cp.NextBatch
	r.log.Info("resuming from checkpoint.", slog.Int("next batch", cp.NextBatch), slog.Int("records", len(cp.Records)))
	return cp.NextBatch
}

// snapshot captures the state of the run at a batch boundary.
func (r *Runner) snapshot(next int, report *model.RunReport) *checkpoint {
	return &checkpoint{
		Site:      r.site.Name,
		Plan:      planFingerprint(r.plan),
		NextBatch: next,
		Records:   r.sink.Records(),
		Requests:  report.Requests,
		Failed:    report.Failed,
		Blocked:   report.Blocked,
		NotFound:  report.NotFound,
		Anomalies: report.Anomalies,
		Fallbacks: report.Fallbacks,
	}
}

func (r *Runner) persist(path string, cp *checkpoint) {
	cp.SavedAt = r.now()
	if err := saveCheckpoint(path, cp); err != nil {
		r.log.Error("failed to save checkpoint.", slog.String("err", err.Error()))
	}
}

func (r *Runner) finish(report *model.RunReport, status string) {
	report.Duration = time.Since(report.StartedAt)
	r.metrics.IncRuns(r.site.Name, status)
	r.log.Info("run finished.", slog.String("status", status), slog.Int("records", report.Records),
		slog.Int("requests", report.Requests), slog.Int("failed", report.Failed),
		slog.Int("blocked", report.Blocked), slog.Duration("duration", report.Duration))
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, os.ErrNotExist)
}
