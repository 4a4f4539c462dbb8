package extractor

import (
	"bytes"
	"errors"
	"fmt"
	"iter"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/IliaW/enrollment-scrape-worker/config"
	"github.com/IliaW/enrollment-scrape-worker/internal/model"
	jsoniter "github.com/json-iterator/go"
)

type jsonRule struct {
	name    string
	path    []any
	pattern *regexp.Regexp
	kind    string
}

// JSON reads catalog and enrollment APIs. Every element of the record array becomes a
// record; each field rule reads one scalar by its path relative to the element.
type JSON struct {
	records []any
	rules   []jsonRule
}

func NewJSON(cfg *config.JSONConfig) (*JSON, error) {
	if cfg == nil || len(cfg.Fields) == 0 {
		return nil, errors.New("json extractor needs field rules")
	}
	names := make([]string, 0, len(cfg.Fields))
	for name := range cfg.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	j := &JSON{records: jsonPath(cfg.Records)}
	for _, name := range names {
		r := cfg.Fields[name]
		if r == nil {
			continue
		}
		if r.Path == "" {
			return nil, fmt.Errorf("field %s: path is required", name)
		}
		re, err := compileRule(name, r)
		if err != nil {
			return nil, err
		}
		j.rules = append(j.rules, jsonRule{name: name, path: jsonPath(r.Path), pattern: re, kind: r.Type})
	}
	return j, nil
}

func (j *JSON) Name() string {
	return "json"
}

func (j *JSON) Extract(doc model.Document) iter.Seq[model.Record] {
	return func(yield func(model.Record) bool) {
		if len(bytes.TrimSpace(doc.Body)) == 0 {
			return
		}
		root := jsoniter.Get(doc.Body, j.records...)
		switch root.ValueType() {
		case jsoniter.ArrayValue:
			for i := 0; i < root.Size(); i++ {
				rec, ok := j.record(root.Get(i))
				if !ok {
					continue
				}
				if !yield(rec) {
					return
				}
			}
		case jsoniter.ObjectValue:
			if rec, ok := j.record(root); ok {
				yield(rec)
			}
		}
	}
}

func (j *JSON) record(el jsoniter.Any) (model.Record, bool) {
	if el.ValueType() != jsoniter.ObjectValue {
		return model.Record{}, false
	}
	fields := make(map[string]any, len(j.rules))
	for _, r := range j.rules {
		if v, ok := r.value(el); ok {
			fields[r.name] = v
		}
	}
	rec := model.NewRecord(fields)
	return rec, rec.Len() > 0
}

func (r jsonRule) value(el jsoniter.Any) (any, bool) {
	v := el.Get(r.path...)
	switch v.ValueType() {
	case jsoniter.NumberValue:
		kind := r.kind
		if kind == "" && r.pattern == nil {
			kind = "float" // integral numbers end up as int64 in the record
		}
		return convert(v.ToString(), r.pattern, kind)
	case jsoniter.StringValue, jsoniter.BoolValue:
		return convert(normalizeSpace(v.ToString()), r.pattern, r.kind)
	default:
		return nil, false
	}
}

// jsonPath splits "a.0.b" into object keys and array indexes.
func jsonPath(p string) []any {
	if strings.TrimSpace(p) == "" {
		return nil
	}
	parts := strings.Split(p, ".")
	path := make([]any, 0, len(parts))
	for _, part := range parts {
		if i, err := strconv.Atoi(part); err == nil {
			path = append(path, i)
			continue
		}
		path = append(path, part)
	}
	return path
}
