package persistence

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/IliaW/enrollment-scrape-worker/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunRepositorySave(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	startedAt := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	report := &model.RunReport{
		Site:             "stanford",
		Records:          120,
		Requests:         14,
		Failed:           2,
		Blocked:          1,
		NotFound:         1,
		BatchesProcessed: 3,
		Warnings:         []string{"blocked by anti-automation challenge: https://example.edu/a"},
		CSVPath:          "output/stanford_enrollment.csv",
		JSONPath:         "output/stanford_enrollment.json",
		WorkerVersion:    "0.1.0",
		StartedAt:        startedAt,
		Duration:         90 * time.Second,
	}

	mock.ExpectExec("INSERT INTO scrape_runs").
		WithArgs("stanford", 120, 14, 2, 1, 1, 0, 0, 3, false, "", false, false,
			"blocked by anti-automation challenge: https://example.edu/a",
			"output/stanford_enrollment.csv", "output/stanford_enrollment.json", "0.1.0", startedAt, int64(90000)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	NewRunRepository(db, slog.New(slog.NewTextHandler(io.Discard, nil))).Save(report)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunRepositorySaveLogsErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO scrape_runs").WillReturnError(errors.New("connection refused"))

	assert.NotPanics(t, func() {
		NewRunRepository(db, slog.New(slog.NewTextHandler(io.Discard, nil))).Save(&model.RunReport{Site: "uva"})
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}
