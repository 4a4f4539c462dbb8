// Package fetcher retrieves pages with the strategy a request needs and turns every
// outcome into either a *model.Page or a *model.FetchError.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/IliaW/enrollment-scrape-worker/config"
	"github.com/IliaW/enrollment-scrape-worker/internal/cache"
	"github.com/IliaW/enrollment-scrape-worker/internal/metrics"
	"github.com/IliaW/enrollment-scrape-worker/internal/model"
	"github.com/IliaW/enrollment-scrape-worker/internal/retry"
	"github.com/IliaW/enrollment-scrape-worker/internal/scheduler"
)

var ErrNoFallback = errors.New("no archive fallback configured")

// Fetcher performs a single fetch attempt. PageFetcher is a Fetcher too.
type Fetcher interface {
	Fetch(ctx context.Context, req model.FetchRequest) (*model.Page, error)
}

// Pauser provides the delays between attempts. *scheduler.Polite satisfies it.
type Pauser interface {
	Pause(ctx context.Context, c scheduler.Category) error
	Sleep(ctx context.Context, d time.Duration) error
}

// Strategies are shared by all runs of the process. Nil entries are unavailable.
type Strategies struct {
	Direct  Fetcher
	Browser Fetcher
	Bypass  Fetcher
	Archive Fetcher
}

// NewStrategies builds the strategies enabled by cfg. The bypass service is only
// available with an API key.
func NewStrategies(cfg *config.FetcherConfig, log *slog.Logger) (*Strategies, error) {
	transport, err := NewTransport(cfg.Transport)
	if err != nil {
		return nil, err
	}
	s := &Strategies{
		Direct:  newDirectFetcher(cfg, transport),
		Browser: newBrowserFetcher(cfg, log),
	}
	if cfg.Bypass != nil && cfg.Bypass.APIKey != "" {
		s.Bypass = newBypassFetcher(cfg, log)
		log.Info("bypass service enabled.", slog.String("endpoint", cfg.Bypass.Endpoint))
	}
	return s, nil
}

// PageFetcher retries, classifies and caches fetches of one run.
type PageFetcher struct {
	cfg        *config.FetcherConfig
	strategies *Strategies
	pauser     Pauser
	detector   *ChallengeDetector
	cache      cache.PageCache
	metrics    *metrics.Metrics
	log        *slog.Logger
}

// New creates a PageFetcher. pageCache and m may be nil.
func New(cfg *config.FetcherConfig, s *Strategies, pauser Pauser, pageCache cache.PageCache,
	m *metrics.Metrics, log *slog.Logger) *PageFetcher {
	return &PageFetcher{
		cfg:        cfg,
		strategies: s,
		pauser:     pauser,
		detector:   NewChallengeDetector(cfg.ChallengeSignatures),
		cache:      pageCache,
		metrics:    m,
		log:        log,
	}
}

// Fetch returns the page or a *model.FetchError after at most max_retry_attempts
// attempts. Cancellation of ctx is returned as ctx.Err().
func (f *PageFetcher) Fetch(ctx context.Context, req model.FetchRequest) (*model.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateURL(req.URL); err != nil {
		return nil, err
	}

	key := cache.Key(req.URL, req.Render)
	if f.cache != nil {
		if body, ok := f.cache.Get(key); ok {
			f.log.Debug("page found in cache.", slog.String("url", req.URL))
			return &model.Page{URL: req.URL, FinalURL: req.URL, Body: body, StatusCode: http.StatusOK,
				FromCache: true}, nil
		}
	}

	strategy, kind := f.strategyFor(req)
	if strategy == nil {
		return nil, model.NewFetchError(model.ServiceError, false, req.URL,
			fmt.Sprintf("%s strategy is not available", kind), nil)
	}

	policy := retry.Policy{
		MaxAttempts: f.cfg.MaxRetryAttempts,
		Retriable:   model.IsRetriable,
		Wait:        f.wait,
		OnRetry: func(attempt int, err error) {
			f.log.Warn("fetch failed. retrying...", slog.String("url", req.URL),
				slog.Int("attempts left", f.cfg.MaxRetryAttempts-attempt), slog.String("err", err.Error()))
		},
	}
	page, err := retry.Do(ctx, policy, func(ctx context.Context, _ int) (*model.Page, error) {
		return f.attempt(ctx, strategy, kind, req)
	})
	if err != nil {
		return nil, err
	}

	if f.cache != nil {
		f.cache.Set(key, page.Body)
	}
	return page, nil
}

// FetchArchived asks the archive strategy for a stored copy of the page. The copy goes
// through the same challenge detection as a live page.
func (f *PageFetcher) FetchArchived(ctx context.Context, req model.FetchRequest) (*model.Page, error) {
	if f.strategies.Archive == nil {
		return nil, ErrNoFallback
	}
	if err := validateURL(req.URL); err != nil {
		return nil, err
	}
	return f.attempt(ctx, f.strategies.Archive, model.Archive, req)
}

func (f *PageFetcher) strategyFor(req model.FetchRequest) (Fetcher, model.FetchStrategy) {
	switch {
	case f.strategies.Bypass != nil:
		return f.strategies.Bypass, model.BypassService
	case req.Render:
		return f.strategies.Browser, model.HeadlessBrowser
	default:
		return f.strategies.Direct, model.Direct
	}
}

func (f *PageFetcher) attempt(ctx context.Context, s Fetcher, kind model.FetchStrategy,
	req model.FetchRequest) (*model.Page, error) {
	timeout := f.cfg.RequestTimeout
	if req.Render {
		timeout = f.cfg.RenderTimeout
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	page, err := s.Fetch(actx, req)
	if err == nil {
		err = f.classify(req, page)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil && model.KindOf(err) == 0 {
		err = model.NewFetchError(model.NetworkError, true, req.URL, kind.String()+" fetch failed", err)
	}

	outcome := "success"
	if err != nil {
		outcome = model.KindOf(err).String()
	}
	f.metrics.ObserveFetch(kind.String(), outcome, time.Since(start))
	if err != nil {
		return nil, err
	}

	f.log.Debug("page fetched.", slog.String("url", req.URL), slog.String("strategy", kind.String()),
		slog.Int("status", page.StatusCode), slog.Int("bytes", len(page.Body)))
	return page, nil
}

// classify inspects the content before the status code: challenge pages are served
// with any status, including 200.
func (f *PageFetcher) classify(req model.FetchRequest, page *model.Page) error {
	pageURL := page.FinalURL
	if pageURL == "" {
		pageURL = req.URL
	}
	if sig, ok := f.detector.Match(pageURL, page.Body); ok {
		fe := model.NewFetchError(model.Blocked, false, req.URL, "challenge page detected: "+sig, nil)
		fe.StatusCode = page.StatusCode
		return fe
	}

	code := page.StatusCode
	var fe *model.FetchError
	switch {
	case code < http.StatusMultipleChoices: // 0 when the browser did not report a document status
		return nil
	case code < http.StatusBadRequest:
		fe = model.NewFetchError(model.Blocked, false, req.URL, "redirect was not followed", nil)
	case code == http.StatusForbidden:
		fe = model.NewFetchError(model.Blocked, false, req.URL, "access forbidden", nil)
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests ||
		code >= http.StatusInternalServerError:
		fe = model.NewFetchError(model.NetworkError, true, req.URL, "temporary server error", nil)
	default:
		fe = model.NewFetchError(model.NotFound, false, req.URL, "page not available", nil)
	}
	fe.StatusCode = code
	return fe
}

func (f *PageFetcher) wait(ctx context.Context, _ int, err error) error {
	var fe *model.FetchError
	if errors.As(err, &fe) && fe.Kind == model.ServiceError && fe.StatusCode == http.StatusTooManyRequests &&
		f.cfg.Bypass != nil && f.cfg.Bypass.RateLimitWait > 0 {
		f.log.Warn("bypass service rate limit hit. waiting...", slog.Duration("wait", f.cfg.Bypass.RateLimitWait))
		if err := f.pauser.Sleep(ctx, f.cfg.Bypass.RateLimitWait); err != nil {
			return err
		}
	}
	return f.pauser.Pause(ctx, scheduler.Page)
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return model.NewFetchError(model.NotFound, false, raw, "malformed url", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return model.NewFetchError(model.NotFound, false, raw, "malformed url", nil)
	}
	return nil
}
