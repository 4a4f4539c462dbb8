package extractor

import (
	"errors"
	"iter"
	"regexp"
	"sort"

	"github.com/IliaW/enrollment-scrape-worker/config"
	"github.com/IliaW/enrollment-scrape-worker/internal/model"
	"github.com/PuerkitoBio/goquery"
)

type fieldRule struct {
	name     string
	selector string
	attr     string
	pattern  *regexp.Regexp
	kind     string
}

// Selector is driven by configuration: every element matching the record selector
// becomes a record, and each field rule reads one value relative to that element.
type Selector struct {
	record string
	rules  []fieldRule
}

func NewSelector(cfg *config.SelectorConfig) (*Selector, error) {
	if cfg == nil || cfg.Record == "" {
		return nil, errors.New("selector extractor needs a record selector")
	}
	names := make([]string, 0, len(cfg.Fields))
	for name := range cfg.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	s := &Selector{record: cfg.Record}
	for _, name := range names {
		r := cfg.Fields[name]
		if r == nil {
			continue
		}
		rule := fieldRule{name: name, selector: r.Selector, attr: r.Attr, kind: r.Type}
		re, err := compileRule(name, r)
		if err != nil {
			return nil, err
		}
		rule.pattern = re
		s.rules = append(s.rules, rule)
	}
	return s, nil
}

func (s *Selector) Name() string {
	return "selector"
}

func (s *Selector) Extract(doc model.Document) iter.Seq[model.Record] {
	return func(yield func(model.Record) bool) {
		d, ok := parse(doc)
		if !ok {
			return
		}
		d.Find(s.record).EachWithBreak(func(_ int, el *goquery.Selection) bool {
			fields := make(map[string]any, len(s.rules))
			for _, r := range s.rules {
				if v, ok := r.value(el); ok {
					fields[r.name] = v
				}
			}
			rec := model.NewRecord(fields)
			if rec.Len() == 0 {
				return true
			}
			return yield(rec)
		})
	}
}

func (r fieldRule) value(el *goquery.Selection) (any, bool) {
	target := el
	if r.selector != "" {
		target = el.Find(r.selector).First()
	}
	if target.Length() == 0 {
		return nil, false
	}

	var raw string
	if r.attr != "" {
		v, ok := target.Attr(r.attr)
		if !ok {
			return nil, false
		}
		raw = v
	} else {
		raw = target.Text()
	}
	return convert(normalizeSpace(raw), r.pattern, r.kind)
}
