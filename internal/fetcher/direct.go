package fetcher

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/IliaW/enrollment-scrape-worker/config"
	"github.com/IliaW/enrollment-scrape-worker/internal/model"
	"github.com/gocolly/colly"
)

const defaultAccept = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"

// directFetcher issues plain GET requests through colly.
type directFetcher struct {
	cfg       *config.FetcherConfig
	transport http.RoundTripper
}

func newDirectFetcher(cfg *config.FetcherConfig, transport http.RoundTripper) *directFetcher {
	return &directFetcher{cfg: cfg, transport: transport}
}

func (d *directFetcher) Fetch(ctx context.Context, req model.FetchRequest) (*model.Page, error) {
	c := colly.NewCollector()
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true // statuses are classified by the caller
	c.UserAgent = d.cfg.UserAgent
	c.MaxBodySize = d.cfg.MaxBodySize
	timeout := d.cfg.RequestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	c.SetRequestTimeout(timeout)
	c.RedirectHandler = checkRedirect
	if d.transport != nil {
		c.WithTransport(d.transport)
	}

	page := &model.Page{URL: req.URL, Strategy: model.Direct}
	var visitErr error

	c.OnRequest(func(r *colly.Request) {
		accept := req.ContentType
		if accept == "" {
			accept = defaultAccept
		}
		r.Headers.Set("Accept", accept)
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9")
	})
	c.OnResponse(func(resp *colly.Response) {
		page.StatusCode = resp.StatusCode
		page.Body = resp.Body
		page.FinalURL = resp.Request.URL.String()
	})
	c.OnError(func(resp *colly.Response, err error) {
		visitErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- c.Visit(req.URL)
	}()

	select {
	case <-ctx.Done():
		return nil, model.NewFetchError(model.NetworkError, true, req.URL, "request timed out", ctx.Err())
	case err := <-done:
		if visitErr == nil {
			visitErr = err
		}
	}
	if errors.Is(visitErr, ErrRedirectLoop) {
		return nil, redirectLoopError(req.URL, visitErr)
	}
	if visitErr != nil {
		return nil, model.NewFetchError(model.NetworkError, true, req.URL, "request failed", visitErr)
	}
	return page, nil
}
