package fetcher

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/IliaW/enrollment-scrape-worker/internal/model"
)

const maxRedirects = 10

// ErrRedirectLoop marks a redirect chain that revisits a url or never ends.
var ErrRedirectLoop = errors.New("redirect loop")

// checkRedirect stops a chain at the first repeated target or after maxRedirects hops.
func checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("%w: stopped after %d redirects", ErrRedirectLoop, len(via))
	}
	target := req.URL.String()
	for _, prev := range via {
		if prev.URL.String() == target {
			return fmt.Errorf("%w: %s visited twice", ErrRedirectLoop, target)
		}
	}
	return nil
}

func redirectLoopError(url string, err error) *model.FetchError {
	return model.NewFetchError(model.Blocked, false, url, "redirect loop detected", err)
}
