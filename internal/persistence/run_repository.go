package persistence

import (
	"database/sql"
	"log/slog"
	"strings"

	"github.com/IliaW/enrollment-scrape-worker/internal/model"
)

type RunStorage interface {
	Save(*model.RunReport)
}

// RunRepository stores run reports in the scrape_runs table.
type RunRepository struct {
	db  *sql.DB
	log *slog.Logger
}

func NewRunRepository(db *sql.DB, log *slog.Logger) *RunRepository {
	return &RunRepository{db: db, log: log}
}

func (rr *RunRepository) Save(report *model.RunReport) {
	_, err := rr.db.Exec("INSERT INTO scrape_runs (site, records, requests, failed, blocked, not_found, parse_anomalies, fallbacks, batches_processed, halted, halt_reason, canceled, skipped, warnings, csv_path, json_path, worker_version, started_at, duration_ms) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		report.Site,
		report.Records,
		report.Requests,
		report.Failed,
		report.Blocked,
		report.NotFound,
		report.Anomalies,
		report.Fallbacks,
		report.BatchesProcessed,
		report.Halted,
		report.HaltReason,
		report.Canceled,
		report.Skipped,
		strings.Join(report.Warnings, "\n"),
		report.CSVPath,
		report.JSONPath,
		report.WorkerVersion,
		report.StartedAt,
		report.Duration.Milliseconds())
	if err != nil {
		rr.log.Error("failed to save run report to database.", slog.String("err", err.Error()))
		return
	}
	rr.log.Debug("run report saved to db.", slog.String("site", report.Site))
}
