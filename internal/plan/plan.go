// Package plan expands a site configuration into the ordered list of pages a run visits.
package plan

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/IliaW/enrollment-scrape-worker/config"
	"github.com/IliaW/enrollment-scrape-worker/internal/model"
)

const pagePlaceholder = "{page}"

// Batch is a group of pages sharing the same stamped fields, e.g. one term.
type Batch struct {
	Index  int
	Name   string
	Fields map[string]string
	Pages  []model.FetchRequest
	// Paginated batches stop at the first page that fails or yields nothing.
	Paginated bool
}

type Plan struct {
	Site    string
	Batches []Batch
}

// Pages returns the number of pages across all batches.
func (p *Plan) Pages() int {
	n := 0
	for _, b := range p.Batches {
		n += len(b.Pages)
	}
	return n
}

// Build creates the plan of a site. render is the process default, overridden by the site.
func Build(site *config.SiteConfig, render bool) (*Plan, error) {
	if site == nil {
		return nil, errors.New("site is nil")
	}
	if site.Render != nil {
		render = *site.Render
	}

	p := &Plan{Site: site.Name}
	for i, bc := range site.Batches {
		name := bc.Name
		if name == "" {
			name = "batch-" + strconv.Itoa(i+1)
		}
		b := Batch{Index: i, Name: name, Fields: bc.Fields}

		if len(bc.URLs) > 0 && bc.URLTemplate != "" {
			return nil, fmt.Errorf("site %s, batch %s: urls and url_template are exclusive", site.Name, name)
		}
		switch {
		case len(bc.URLs) > 0:
			for _, u := range bc.URLs {
				b.Pages = append(b.Pages, request(u, site.ContentType, render))
			}
		case bc.URLTemplate != "":
			if !strings.Contains(bc.URLTemplate, pagePlaceholder) {
				return nil, fmt.Errorf("site %s, batch %s: url_template has no %s placeholder",
					site.Name, name, pagePlaceholder)
			}
			if bc.MaxPages < 1 {
				return nil, fmt.Errorf("site %s, batch %s: max_pages must be positive", site.Name, name)
			}
			for page := bc.FirstPage; page < bc.FirstPage+bc.MaxPages; page++ {
				u := strings.ReplaceAll(bc.URLTemplate, pagePlaceholder, strconv.Itoa(page))
				b.Pages = append(b.Pages, request(u, site.ContentType, render))
			}
			b.Paginated = true
		default:
			return nil, fmt.Errorf("site %s, batch %s: no urls", site.Name, name)
		}
		p.Batches = append(p.Batches, b)
	}
	if len(p.Batches) == 0 {
		return nil, fmt.Errorf("site %s has no batches", site.Name)
	}
	return p, nil
}

func request(url, contentType string, render bool) model.FetchRequest {
	return model.FetchRequest{URL: strings.TrimSpace(url), ContentType: contentType, Render: render}
}
