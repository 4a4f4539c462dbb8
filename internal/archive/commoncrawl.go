// Package archive serves pages from the CommonCrawl archive when the live site blocks us.
package archive

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/IliaW/enrollment-scrape-worker/config"
	"github.com/IliaW/enrollment-scrape-worker/internal/model"
	jsoniter "github.com/json-iterator/go"
	"github.com/karust/gogetcrawl/common"
	"github.com/karust/gogetcrawl/commoncrawl"
	"github.com/patrickmn/go-cache"
)

const indexListUrl = "https://index.commoncrawl.org/collinfo.json"

var (
	ErrNoCapture = errors.New("no archived capture found")

	statusLine = regexp.MustCompile(`^HTTP/\d(?:\.\d)?\s+(\d{3})`)
	htmlDoc    = regexp.MustCompile(`(?si)<!doctype html>.*?</html>`)
	headerEnd  = []byte("\r\n\r\n")
)

type Index struct {
	Id       string `json:"id"`
	Name     string `json:"name"`
	Timegate string `json:"timegate"`
	CdxAPI   string `json:"cdx-api"`
}

// CommonCrawl looks up the most recent capture of a url in the last crawl indexes.
type CommonCrawl struct {
	mu         sync.Mutex
	client     *commoncrawl.CommonCrawl
	cfg        *config.CommonCrawlConfig
	log        *slog.Logger
	localCache *cache.Cache
	indexes    func() ([]Index, error)
	capture    func(requestCfg common.RequestConfig, index string) ([]byte, error)
}

func NewCommonCrawl(cfg *config.CommonCrawlConfig, log *slog.Logger) *CommonCrawl {
	cc := &CommonCrawl{
		cfg:        cfg,
		log:        log,
		localCache: cache.New(72*time.Hour, 72*time.Hour), // indexes update every month
	}
	cc.indexes = cc.fetchIndexes
	cc.capture = cc.latestCapture
	c, err := commoncrawl.New(cfg.RequestTimeout, cfg.Retries)
	if err != nil {
		log.Error("failed to create common crawl client.", slog.String("err", err.Error()))
	} else {
		cc.client = c
	}
	return cc
}

// Fetch implements the fetch strategy interface. The client has no context support, so
// the lookup runs in its own goroutine and is abandoned when ctx is done.
func (c *CommonCrawl) Fetch(ctx context.Context, req model.FetchRequest) (*model.Page, error) {
	type result struct {
		page *model.Page
		err  error
	}
	done := make(chan result, 1)
	go func() {
		p, err := c.lookup(req)
		done <- result{p, err}
	}()
	select {
	case <-ctx.Done():
		return nil, model.NewFetchError(model.NetworkError, false, req.URL, "archive lookup timed out", ctx.Err())
	case r := <-done:
		return r.page, r.err
	}
}

func (c *CommonCrawl) lookup(req model.FetchRequest) (*model.Page, error) {
	indexList, err := c.indexes()
	if err != nil {
		return nil, model.NewFetchError(model.NetworkError, false, req.URL, "failed to load crawl indexes", err)
	}

	requestCfg := common.RequestConfig{
		URL:     req.URL,
		Filters: []string{"statuscode:200", "mimetype:text/html"},
	}
	for i := 0; i < c.cfg.LastCrawlIndexes && i < len(indexList); i++ {
		raw, err := c.capture(requestCfg, indexList[i].Id)
		if err != nil {
			c.log.Error("failed to get file.", slog.String("err", err.Error()))
			break
		}
		if raw == nil {
			c.log.Debug("no captures found.", slog.String("url", req.URL), slog.String("index", indexList[i].Id))
			continue
		}
		status, body := parseRecord(raw)
		if len(body) == 0 {
			continue
		}
		c.log.Info("archived capture found.", slog.String("url", req.URL), slog.String("index", indexList[i].Id))
		return &model.Page{
			URL:        req.URL,
			FinalURL:   req.URL,
			Body:       body,
			StatusCode: status,
			Strategy:   model.Archive,
		}, nil
	}

	return nil, model.NewFetchError(model.NotFound, false, req.URL, "archive lookup failed", ErrNoCapture)
}

// latestCapture returns the most recent capture in the index, or nil if there is none.
func (c *CommonCrawl) latestCapture(requestCfg common.RequestConfig, index string) ([]byte, error) {
	client, err := c.getClient()
	if err != nil {
		return nil, err
	}
	p, _ := client.GetPagesIndex(requestCfg, index)
	if len(p) == 0 {
		return nil, nil
	}
	return client.GetFile(p[len(p)-1]) // last one is the most recent
}

// getClient retries the client creation: due to request limitations, the client may not
// be initialized when the application starts.
func (c *CommonCrawl) getClient() (*commoncrawl.CommonCrawl, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	c.log.Info("connection retry to common crawl.")
	cc, err := commoncrawl.New(c.cfg.RequestTimeout, c.cfg.Retries)
	if err != nil {
		c.log.Error("failed to create common crawl client.", slog.String("err", err.Error()))
		return nil, err
	}
	c.client = cc
	return cc, nil
}

func (c *CommonCrawl) fetchIndexes() ([]Index, error) {
	if i, ok := c.localCache.Get("indexes"); ok {
		return i.([]Index), nil
	}

	response, err := common.Get(indexListUrl, c.cfg.RequestTimeout, c.cfg.Retries)
	if err != nil {
		return nil, err
	}

	var indexes []Index
	err = jsoniter.Unmarshal(response, &indexes)
	if err != nil {
		return indexes, err
	}
	c.localCache.Set("indexes", indexes, cache.DefaultExpiration)

	return indexes, nil
}

// parseRecord splits a WARC response record into the HTTP status and the payload.
// Records that do not follow the layout fall back to the first html document found.
func parseRecord(raw []byte) (int, []byte) {
	status := http.StatusOK
	warcHeaders, rest, ok := bytes.Cut(raw, headerEnd)
	if ok && bytes.HasPrefix(warcHeaders, []byte("WARC/")) {
		httpHeaders, body, ok := bytes.Cut(rest, headerEnd)
		if ok {
			if m := statusLine.FindSubmatch(httpHeaders); m != nil {
				status, _ = strconv.Atoi(string(m[1]))
			}
			return status, bytes.TrimSpace(body)
		}
	}
	return status, htmlDoc.Find(raw)
}
