package fetcher

import (
	"context"
	"log/slog"
	"sync"

	"github.com/IliaW/enrollment-scrape-worker/config"
	"github.com/IliaW/enrollment-scrape-worker/internal/model"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// browserFetcher renders a single page in headless Chrome and returns the final DOM.
type browserFetcher struct {
	cfg *config.FetcherConfig
	log *slog.Logger
}

func newBrowserFetcher(cfg *config.FetcherConfig, log *slog.Logger) *browserFetcher {
	return &browserFetcher{cfg: cfg, log: log}
}

func (b *browserFetcher) Fetch(ctx context.Context, req model.FetchRequest) (*model.Page, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserAgent(b.cfg.UserAgent),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	tabCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	result := &model.Page{URL: req.URL, Strategy: model.HeadlessBrowser}
	var mu sync.Mutex
	var html string

	chromedp.ListenTarget(tabCtx, func(event interface{}) {
		switch ev := event.(type) {
		case *network.EventResponseReceived:
			if ev.Type != network.ResourceTypeDocument {
				return
			}
			mu.Lock()
			result.StatusCode = int(ev.Response.Status)
			mu.Unlock()
		case *network.EventRequestWillBeSent:
			if ev.RedirectResponse != nil {
				b.log.Debug("redirected.", slog.String("from", ev.RedirectResponse.URL),
					slog.String("to", ev.Request.URL))
			}
		}
	})

	var finalURL string
	err := chromedp.Run(tabCtx,
		chromedp.Tasks{
			network.Enable(),
			enableLifeCycleEvents(),
			navigateAndWaitFor(req.URL, "networkIdle"),
		},
		chromedp.Location(&finalURL),
		chromedp.ActionFunc(func(ctx context.Context) error {
			rootNode, err := dom.GetDocument().Do(ctx)
			if err != nil {
				return err
			}
			html, err = dom.GetOuterHTML().WithNodeID(rootNode.NodeID).Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, model.NewFetchError(model.NetworkError, true, req.URL, "page render failed", err)
	}

	mu.Lock()
	defer mu.Unlock()
	result.FinalURL = finalURL
	result.Body = []byte(html)
	return result, nil
}

func enableLifeCycleEvents() chromedp.ActionFunc {
	return func(ctx context.Context) error {
		if err := page.Enable().Do(ctx); err != nil {
			return err
		}
		return page.SetLifecycleEventsEnabled(true).Do(ctx)
	}
}

func navigateAndWaitFor(url string, eventName string) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		_, _, _, err := page.Navigate(url).Do(ctx)
		if err != nil {
			return err
		}
		return waitFor(ctx, eventName)
	}
}

func waitFor(ctx context.Context, eventName string) error {
	ch := make(chan struct{})
	var once sync.Once
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	chromedp.ListenTarget(cctx, func(ev interface{}) {
		if e, ok := ev.(*page.EventLifecycleEvent); ok && e.Name == eventName {
			once.Do(func() { close(ch) })
		}
	})
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
