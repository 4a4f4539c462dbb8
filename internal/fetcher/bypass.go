package fetcher

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/IliaW/enrollment-scrape-worker/config"
	"github.com/IliaW/enrollment-scrape-worker/internal/model"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// bypassFetcher relays requests through a ScraperAPI-compatible service which handles
// proxies, CAPTCHAs and rendering on its side.
type bypassFetcher struct {
	client  *resty.Client
	cfg     *config.BypassConfig
	limiter *rate.Limiter
	log     *slog.Logger
}

func newBypassFetcher(cfg *config.FetcherConfig, log *slog.Logger) *bypassFetcher {
	limit := rate.Inf
	if cfg.Bypass.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.Bypass.RequestsPerSecond)
	}
	client := resty.New().
		SetHeader("Accept", defaultAccept).
		SetTimeout(cfg.RenderTimeout).
		SetRedirectPolicy(resty.RedirectPolicyFunc(checkRedirect))
	return &bypassFetcher{
		client:  client,
		cfg:     cfg.Bypass,
		limiter: rate.NewLimiter(limit, 1),
		log:     log,
	}
}

func (b *bypassFetcher) Fetch(ctx context.Context, req model.FetchRequest) (*model.Page, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, model.NewFetchError(model.NetworkError, true, req.URL, "bypass quota wait interrupted", err)
	}

	params := map[string]string{
		"api_key": b.cfg.APIKey,
		"url":     req.URL,
		"render":  strconv.FormatBool(req.Render),
	}
	if b.cfg.CountryCode != "" {
		params["country_code"] = b.cfg.CountryCode
	}
	r := b.client.R().SetContext(ctx).SetQueryParams(params)
	if req.ContentType != "" {
		r.SetHeader("Accept", req.ContentType)
	}

	res, err := r.Get(b.cfg.Endpoint)
	if errors.Is(err, ErrRedirectLoop) {
		return nil, redirectLoopError(req.URL, b.redact(err))
	}
	if err != nil {
		return nil, model.NewFetchError(model.NetworkError, true, req.URL, "bypass service request failed",
			b.redact(err))
	}

	code := res.StatusCode()
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return nil, serviceError(req.URL, code, false, "bypass service rejected the api key or quota is exhausted")
	case code == http.StatusTooManyRequests:
		return nil, serviceError(req.URL, code, true, "bypass service rate limit exceeded")
	case code >= http.StatusInternalServerError:
		return nil, serviceError(req.URL, code, false, "bypass service could not fetch the page")
	}

	return &model.Page{
		URL:        req.URL,
		FinalURL:   req.URL,
		Body:       res.Body(),
		StatusCode: code,
		Strategy:   model.BypassService,
	}, nil
}

// redact keeps the api key out of errors, which carry the full request url.
func (b *bypassFetcher) redact(err error) error {
	if b.cfg.APIKey == "" || !strings.Contains(err.Error(), b.cfg.APIKey) {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), b.cfg.APIKey, "***"))
}

func serviceError(url string, code int, retriable bool, msg string) *model.FetchError {
	fe := model.NewFetchError(model.ServiceError, retriable, url, msg, nil)
	fe.StatusCode = code
	return fe
}
