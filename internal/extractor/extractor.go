// Package extractor turns fetched documents into course records. Extractors are
// tolerant: a rule that does not match leaves its field absent instead of failing.
package extractor

import (
	"bytes"
	"fmt"
	"iter"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/IliaW/enrollment-scrape-worker/config"
	"github.com/IliaW/enrollment-scrape-worker/internal/model"
	"github.com/PuerkitoBio/goquery"
)

// Extractor yields zero or more records per document. Extract is lazy, pure and
// deterministic: the same document always yields the same records in the same order.
type Extractor interface {
	Name() string
	Extract(doc model.Document) iter.Seq[model.Record]
}

// Factory builds an extractor for a site.
type Factory func(site *config.SiteConfig) (Extractor, error)

var (
	mu       sync.RWMutex
	registry = map[string]Factory{
		"explorecourses": func(*config.SiteConfig) (Extractor, error) { return NewExploreCourses(), nil },
		"louslist":       func(*config.SiteConfig) (Extractor, error) { return NewLousList(), nil },
		"selector": func(site *config.SiteConfig) (Extractor, error) {
			return NewSelector(site.Selector)
		},
		"json": func(site *config.SiteConfig) (Extractor, error) {
			return NewJSON(site.JSON)
		},
	}
)

// Register adds a named extractor. Registering an existing name replaces it.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = f
}

// New returns the extractor configured for site.
func New(site *config.SiteConfig) (Extractor, error) {
	mu.RLock()
	f, ok := registry[site.Extractor]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown extractor %q for site %s", site.Extractor, site.Name)
	}
	return f(site)
}

// Names lists the registered extractors.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func parse(doc model.Document) (*goquery.Document, bool) {
	if len(bytes.TrimSpace(doc.Body)) == 0 {
		return nil, false
	}
	d, err := goquery.NewDocumentFromReader(bytes.NewReader(doc.Body))
	if err != nil {
		return nil, false
	}
	return d, true
}

// normalizeSpace collapses runs of whitespace into single spaces.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func submatch(re *regexp.Regexp, s string, group int) (string, bool) {
	m := re.FindStringSubmatch(s)
	if m == nil || group >= len(m) {
		return "", false
	}
	return m[group], true
}

func atoi(s string) (int64, bool) {
	n, err := strconv.ParseInt(strings.ReplaceAll(strings.TrimSpace(s), ",", ""), 10, 64)
	return n, err == nil
}

// compileRule checks the value type of a field rule and compiles its pattern.
func compileRule(name string, r *config.FieldRule) (*regexp.Regexp, error) {
	switch r.Type {
	case "", "string", "int", "float":
	default:
		return nil, fmt.Errorf("field %s: unknown type %q", name, r.Type)
	}
	if r.Pattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(r.Pattern)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", name, err)
	}
	return re, nil
}

// convert applies the optional pattern (first group if any) and the value type to raw.
func convert(raw string, pattern *regexp.Regexp, kind string) (any, bool) {
	if pattern != nil {
		m := pattern.FindStringSubmatch(raw)
		if m == nil {
			return nil, false
		}
		raw = m[0]
		if len(m) > 1 {
			raw = m[1]
		}
	}

	switch kind {
	case "int":
		return atoi(raw)
	case "float":
		f, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", ""), 64)
		return f, err == nil
	default:
		return raw, raw != ""
	}
}
