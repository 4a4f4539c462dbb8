// Package sink accumulates the records of a run and writes them as CSV and JSON.
package sink

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"log/slog"

	"github.com/IliaW/enrollment-scrape-worker/internal/model"
)

// ResultSink owns the ResultSet of one run. It is not safe for concurrent use.
type ResultSink struct {
	set         *model.ResultSet
	baseColumns []string
	log         *slog.Logger
}

func New(baseColumns []string, log *slog.Logger) *ResultSink {
	return &ResultSink{
		set:         model.NewResultSet(),
		baseColumns: baseColumns,
		log:         log,
	}
}

// Append adds records in order. It fails with model.ErrSealed after Flush.
func (s *ResultSink) Append(records ...model.Record) error {
	return s.set.Append(records...)
}

func (s *ResultSink) Len() int {
	return s.set.Len()
}

func (s *ResultSink) Records() []model.Record {
	return s.set.Records()
}

// Flush seals the set and writes both encodings. Both files are staged before either
// replaces its destination. A second Flush returns model.ErrSealed.
func (s *ResultSink) Flush(csvPath, jsonPath string) error {
	if !s.set.Seal() {
		return model.ErrSealed
	}
	records := s.set.Records()

	csvData, err := EncodeCSV(s.baseColumns, records)
	if err != nil {
		return err
	}
	jsonData, err := model.EncodeRecords(records)
	if err != nil {
		return fmt.Errorf("encode json: %w", err)
	}

	err = WriteFilesAtomic(0o644, File{Path: csvPath, Data: csvData}, File{Path: jsonPath, Data: jsonData})
	if err != nil {
		return err
	}
	s.log.Info("results saved.", slog.Int("records", len(records)), slog.String("csv", csvPath),
		slog.String("json", jsonPath))
	return nil
}

// EncodeCSV renders records with a header row. Absent fields are empty cells.
func EncodeCSV(baseColumns []string, records []model.Record) ([]byte, error) {
	columns := model.Columns(baseColumns, records)
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(columns); err != nil {
		return nil, fmt.Errorf("encode csv: %w", err)
	}
	row := make([]string, len(columns))
	for _, r := range records {
		for i, c := range columns {
			row[i] = r.String(c)
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("encode csv: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("encode csv: %w", err)
	}
	return buf.Bytes(), nil
}
