package model

import "time"

// RunTask asks for one end-to-end run against one configured site.
type RunTask struct {
	Site   string `json:"site"`
	Resume bool   `json:"resume"`
}

// RunReport is the outcome of a run: N records collected, M requests failed.
type RunReport struct {
	Site             string        `json:"site"`
	Records          int           `json:"records"`
	Requests         int           `json:"requests"`
	Failed           int           `json:"failed"`
	Blocked          int           `json:"blocked"`
	NotFound         int           `json:"not_found"`
	Anomalies        int           `json:"parse_anomalies"`
	Fallbacks        int           `json:"fallbacks"`
	BatchesProcessed int           `json:"batches_processed"`
	Resumed          bool          `json:"resumed"`
	Skipped          bool          `json:"skipped"`
	Halted           bool          `json:"halted"`
	HaltReason       string        `json:"halt_reason,omitempty"`
	Canceled         bool          `json:"canceled"`
	Warnings         []string      `json:"warnings,omitempty"`
	CSVPath          string        `json:"csv_path,omitempty"`
	JSONPath         string        `json:"json_path,omitempty"`
	OutputLinks      []string      `json:"output_links,omitempty"`
	WorkerVersion    string        `json:"worker_version"`
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration"`
	Err              string        `json:"error,omitempty"`
}

func (r *RunReport) Warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}
