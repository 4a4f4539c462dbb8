package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/IliaW/enrollment-scrape-worker/config"
	"github.com/IliaW/enrollment-scrape-worker/internal/model"
	"github.com/IliaW/enrollment-scrape-worker/internal/scheduler"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	discard = slog.New(slog.NewTextHandler(io.Discard, nil))
	fixedAt = time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
)

// table renders a class listing with one row per course code.
func table(codes ...string) string {
	var b strings.Builder
	b.WriteString("<html><body><table>")
	for i, c := range codes {
		fmt.Fprintf(&b, "<tr><td>%s Course</td><td>00%d</td><td>%d / 50</td></tr>", c, i+1, 10+i)
	}
	b.WriteString("</table></body></html>")
	return b.String()
}

type fakeFetcher struct {
	pages    map[string]string
	errs     map[string]error
	archive  map[string]string
	calls    []string
	archived []string
	onFetch  func(call int)
}

func (f *fakeFetcher) Fetch(ctx context.Context, req model.FetchRequest) (*model.Page, error) {
	f.calls = append(f.calls, req.URL)
	if f.onFetch != nil {
		f.onFetch(len(f.calls))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err, ok := f.errs[req.URL]; ok {
		return nil, err
	}
	body, ok := f.pages[req.URL]
	if !ok {
		fe := model.NewFetchError(model.NotFound, false, req.URL, "page not available", nil)
		fe.StatusCode = 404
		return nil, fe
	}
	return &model.Page{URL: req.URL, FinalURL: req.URL, Body: []byte(body), StatusCode: 200}, nil
}

func (f *fakeFetcher) FetchArchived(_ context.Context, req model.FetchRequest) (*model.Page, error) {
	f.archived = append(f.archived, req.URL)
	body, ok := f.archive[req.URL]
	if !ok {
		return nil, model.NewFetchError(model.NotFound, false, req.URL, "no archived copy", nil)
	}
	return &model.Page{URL: req.URL, Body: []byte(body), StatusCode: 200, Strategy: model.Archive}, nil
}

type countingScheduler struct {
	turns map[scheduler.Category]int
}

func (s *countingScheduler) AwaitTurn(ctx context.Context, c scheduler.Category) error {
	if s.turns == nil {
		s.turns = make(map[scheduler.Category]int)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.turns[c]++
	return nil
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Version:         "test",
		FetcherSettings: &config.FetcherConfig{},
		RunnerSettings:  &config.RunnerConfig{MaxConsecutiveFailures: 3, Resume: true},
		OutputSettings: &config.OutputConfig{
			Dir:         t.TempDir(),
			BaseColumns: []string{"course_code", "enrolled", "capacity"},
		},
		FallbackSettings: &config.FallbackConfig{CommonCrawl: &config.CommonCrawlConfig{}},
	}
}

func site(batches ...*config.BatchConfig) *config.SiteConfig {
	return &config.SiteConfig{Name: "uva", Extractor: "louslist", Batches: batches}
}

func newRunner(t *testing.T, cfg *config.Config, s *config.SiteConfig, f PageFetcher,
	sched Scheduler) *Runner {
	r, err := New(cfg, s, f, sched, nil, discard)
	require.NoError(t, err)
	r.now = func() time.Time { return fixedAt }
	return r
}

func readJSON(t *testing.T, path string) []map[string]any {
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var out []map[string]any
	require.NoError(t, jsoniter.Unmarshal(raw, &out))
	return out
}

func TestRunCollectsAndStampsRecords(t *testing.T) {
	cfg := testConfig(t)
	f := &fakeFetcher{pages: map[string]string{
		"https://example.edu/a": table("CS 1110", "CS 2100"),
		"https://example.edu/b": table("MATH 3100"),
		"https://example.edu/c": table("APMA 2120"),
	}}
	sched := &countingScheduler{}
	s := site(
		&config.BatchConfig{Name: "Fall", Fields: map[string]string{"semester_code": "1248"},
			URLs: []string{"https://example.edu/a", "https://example.edu/b"}},
		&config.BatchConfig{Name: "Spring", Fields: map[string]string{"semester_code": "1252"},
			URLs: []string{"https://example.edu/c"}},
	)

	report := newRunner(t, cfg, s, f, sched).Run(context.Background(), model.RunTask{Site: "uva"})

	assert.Equal(t, 4, report.Records)
	assert.Equal(t, 3, report.Requests)
	assert.Zero(t, report.Failed)
	assert.Equal(t, 2, report.BatchesProcessed)
	assert.False(t, report.Halted)
	assert.False(t, report.Canceled)
	assert.Equal(t, "test", report.WorkerVersion)
	assert.Equal(t, 2, sched.turns[scheduler.Batch])
	assert.Equal(t, 3, sched.turns[scheduler.Page])

	csvPath, jsonPath := OutputPaths(cfg.OutputSettings, "uva")
	assert.Equal(t, csvPath, report.CSVPath)
	assert.FileExists(t, csvPath)
	assert.NoFileExists(t, newRunner(t, cfg, s, f, sched).checkpointPath())

	records := readJSON(t, jsonPath)
	require.Len(t, records, 4)
	assert.Equal(t, "CS 1110", records[0]["course_code"])
	assert.Equal(t, "1248", records[0]["semester_code"])
	assert.Equal(t, "https://example.edu/a", records[0]["source_url"])
	assert.Equal(t, "2024-09-01T12:00:00Z", records[0]["scraped_at"])
	assert.Equal(t, "1252", records[3]["semester_code"])
	assert.Equal(t, "https://example.edu/c", records[3]["source_url"])
}

func TestRunContinuesAfterNotFoundAndEmptyPages(t *testing.T) {
	cfg := testConfig(t)
	f := &fakeFetcher{pages: map[string]string{
		"https://example.edu/empty": "<html><body><p>No classes offered.</p></body></html>",
		"https://example.edu/ok":    table("CS 1110"),
	}}
	s := site(&config.BatchConfig{URLs: []string{
		"https://example.edu/missing", "https://example.edu/empty", "https://example.edu/ok"}})

	report := newRunner(t, cfg, s, f, &countingScheduler{}).Run(context.Background(), model.RunTask{})

	assert.Equal(t, 1, report.Records)
	assert.Equal(t, 3, report.Requests)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.NotFound)
	assert.Equal(t, 1, report.Anomalies)
	assert.False(t, report.Halted)
}

func TestRunBlockedUsesArchive(t *testing.T) {
	blocked := model.NewFetchError(model.Blocked, false, "https://example.edu/a", "challenge page detected", nil)

	t.Run("fallback enabled", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.FallbackSettings.CommonCrawl.Enabled = true
		f := &fakeFetcher{
			errs:    map[string]error{"https://example.edu/a": blocked},
			archive: map[string]string{"https://example.edu/a": table("CS 1110", "CS 2100")},
		}
		report := newRunner(t, cfg, site(&config.BatchConfig{URLs: []string{"https://example.edu/a"}}), f,
			&countingScheduler{}).Run(context.Background(), model.RunTask{})

		assert.Equal(t, 2, report.Records)
		assert.Equal(t, 1, report.Blocked)
		assert.Equal(t, 1, report.Fallbacks)
		assert.Zero(t, report.Failed)
		assert.Len(t, report.Warnings, 1)
		assert.Equal(t, []string{"https://example.edu/a"}, f.archived)
	})

	t.Run("fallback disabled", func(t *testing.T) {
		cfg := testConfig(t)
		f := &fakeFetcher{errs: map[string]error{"https://example.edu/a": blocked}}
		report := newRunner(t, cfg, site(&config.BatchConfig{URLs: []string{"https://example.edu/a"}}), f,
			&countingScheduler{}).Run(context.Background(), model.RunTask{})

		assert.Zero(t, report.Records)
		assert.Equal(t, 1, report.Blocked)
		assert.Equal(t, 1, report.Failed)
		assert.Len(t, report.Warnings, 1)
		assert.Empty(t, f.archived)
	})
}

func TestRunHaltsAfterConsecutiveFailures(t *testing.T) {
	cfg := testConfig(t)
	down := model.NewFetchError(model.NetworkError, true, "", "temporary server error", nil)
	urls := []string{"https://example.edu/ok"}
	f := &fakeFetcher{pages: map[string]string{"https://example.edu/ok": table("CS 1110")}, errs: map[string]error{}}
	for i := range 5 {
		u := fmt.Sprintf("https://example.edu/down/%d", i)
		urls = append(urls, u)
		f.errs[u] = down
	}
	r := newRunner(t, cfg, site(&config.BatchConfig{URLs: urls}), f, &countingScheduler{})

	report := r.Run(context.Background(), model.RunTask{})

	assert.True(t, report.Halted)
	assert.Equal(t, "4 consecutive failed requests", report.HaltReason)
	assert.Len(t, f.calls, 5)
	assert.Equal(t, 1, report.Records, "partial results are kept")
	assert.FileExists(t, report.CSVPath)
	assert.FileExists(t, r.checkpointPath())
}

func TestRunToleratesFailuresUpToTheLimit(t *testing.T) {
	down := model.NewFetchError(model.NetworkError, true, "", "temporary server error", nil)
	run := func(t *testing.T, failures int) *model.RunReport {
		cfg := testConfig(t)
		f := &fakeFetcher{pages: map[string]string{"https://example.edu/ok": table("CS 1110")}, errs: map[string]error{}}
		var urls []string
		for i := range failures {
			u := fmt.Sprintf("https://example.edu/down/%d", i)
			urls = append(urls, u)
			f.errs[u] = down
		}
		urls = append(urls, "https://example.edu/ok")
		return newRunner(t, cfg, site(&config.BatchConfig{URLs: urls}), f, &countingScheduler{}).
			Run(context.Background(), model.RunTask{})
	}

	t.Run("at the limit", func(t *testing.T) {
		report := run(t, 3)
		assert.False(t, report.Halted)
		assert.Equal(t, 3, report.Failed)
		assert.Equal(t, 1, report.Records)
	})

	t.Run("beyond the limit", func(t *testing.T) {
		report := run(t, 4)
		assert.True(t, report.Halted)
		assert.Equal(t, "4 consecutive failed requests", report.HaltReason)
		assert.Zero(t, report.Records)
	})

	t.Run("disabled", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.RunnerSettings.MaxConsecutiveFailures = 0
		f := &fakeFetcher{errs: map[string]error{}}
		var urls []string
		for i := range 20 {
			u := fmt.Sprintf("https://example.edu/down/%d", i)
			urls = append(urls, u)
			f.errs[u] = down
		}
		report := newRunner(t, cfg, site(&config.BatchConfig{URLs: urls}), f, &countingScheduler{}).
			Run(context.Background(), model.RunTask{})
		assert.False(t, report.Halted)
		assert.Equal(t, 20, report.Failed)
	})
}

func TestRunStopsPaginationAtFirstEmptyPage(t *testing.T) {
	cfg := testConfig(t)
	f := &fakeFetcher{pages: map[string]string{
		"https://example.edu/list?page=0": table("CS 1110", "CS 2100"),
		"https://example.edu/list?page=1": table("CS 3100"),
		"https://example.edu/list?page=2": "<html><body></body></html>",
		"https://example.edu/list?page=3": table("CS 4100"),
	}}
	s := site(&config.BatchConfig{URLTemplate: "https://example.edu/list?page={page}", MaxPages: 20})

	report := newRunner(t, cfg, s, f, &countingScheduler{}).Run(context.Background(), model.RunTask{})

	assert.Equal(t, 3, report.Records)
	assert.Len(t, f.calls, 3)
	assert.Zero(t, report.Anomalies)
}

func TestRunCanceled(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := &fakeFetcher{
		pages: map[string]string{"https://example.edu/a": table("CS 1110"), "https://example.edu/b": table("CS 2100")},
		onFetch: func(call int) {
			if call == 2 {
				cancel()
			}
		},
	}
	r := newRunner(t, cfg, site(&config.BatchConfig{URLs: []string{
		"https://example.edu/a", "https://example.edu/b", "https://example.edu/c"}}), f, &countingScheduler{})

	report := r.Run(ctx, model.RunTask{})

	assert.True(t, report.Canceled)
	assert.Equal(t, 1, report.Records)
	assert.Len(t, f.calls, 2)
	assert.Zero(t, report.Failed)
	assert.FileExists(t, r.checkpointPath())
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.RunnerSettings.MaxConsecutiveFailures = 1
	s := site(
		&config.BatchConfig{Name: "Fall", URLs: []string{"https://example.edu/a"}},
		&config.BatchConfig{Name: "Spring", URLs: []string{
			"https://example.edu/b", "https://example.edu/c", "https://example.edu/d"}},
	)
	down := model.NewFetchError(model.NetworkError, true, "", "temporary server error", nil)

	first := &fakeFetcher{
		pages: map[string]string{"https://example.edu/a": table("CS 1110"), "https://example.edu/b": table("CS 2100")},
		errs:  map[string]error{"https://example.edu/c": down, "https://example.edu/d": down},
	}
	report := newRunner(t, cfg, s, first, &countingScheduler{}).Run(context.Background(), model.RunTask{})
	require.True(t, report.Halted)
	assert.Equal(t, 2, report.Records)

	second := &fakeFetcher{pages: map[string]string{
		"https://example.edu/a": table("CS 1110"),
		"https://example.edu/b": table("CS 2100"),
		"https://example.edu/c": table("CS 3100"),
		"https://example.edu/d": table("CS 4100"),
	}}
	r := newRunner(t, cfg, s, second, &countingScheduler{})
	report = r.Run(context.Background(), model.RunTask{})

	assert.True(t, report.Resumed)
	assert.False(t, report.Halted)
	assert.Equal(t, []string{"https://example.edu/b", "https://example.edu/c", "https://example.edu/d"}, second.calls)
	assert.Equal(t, 4, report.Records)
	assert.Equal(t, 2, report.BatchesProcessed)
	assert.NoFileExists(t, r.checkpointPath())

	_, jsonPath := OutputPaths(cfg.OutputSettings, "uva")
	var codes []any
	for _, rec := range readJSON(t, jsonPath) {
		codes = append(codes, rec["course_code"])
	}
	assert.Equal(t, []any{"CS 1110", "CS 2100", "CS 3100", "CS 4100"}, codes)
}

func TestRunSkipsExistingOutput(t *testing.T) {
	cfg := testConfig(t)
	cfg.OutputSettings.SkipExisting = true
	csvPath, jsonPath := OutputPaths(cfg.OutputSettings, "uva")
	require.NoError(t, os.WriteFile(csvPath, []byte("course_code\n"), 0o644))
	require.NoError(t, os.WriteFile(jsonPath, []byte("[]"), 0o644))
	f := &fakeFetcher{}

	report := newRunner(t, cfg, site(&config.BatchConfig{URLs: []string{"https://example.edu/a"}}), f,
		&countingScheduler{}).Run(context.Background(), model.RunTask{})

	assert.True(t, report.Skipped)
	assert.Empty(t, f.calls)
}
