package model

import (
	"bytes"
	"errors"
	"math"
	"sort"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// Known course fields, in the order they are laid out in CSV output.
const (
	FieldCourseCode   = "course_code"
	FieldCourseName   = "course_name"
	FieldSection      = "section"
	FieldTerm         = "term"
	FieldEnrolled     = "enrolled"
	FieldCapacity     = "capacity"
	FieldWaitlist     = "waitlist"
	FieldUnits        = "units"
	FieldInstructor   = "instructor"
	FieldSchedule     = "schedule"
	FieldClassNumber  = "class_number"
	FieldSubject      = "subject"
	FieldDepartment   = "department"
	FieldAcademicYear = "academic_year"
	FieldCourseLink   = "course_link"
	FieldSourceURL    = "source_url"
	FieldScrapedAt    = "scraped_at"
)

var KnownFields = []string{
	FieldCourseCode, FieldCourseName, FieldSection, FieldTerm, FieldEnrolled, FieldCapacity,
	FieldWaitlist, FieldUnits, FieldInstructor, FieldSchedule, FieldClassNumber, FieldSubject,
	FieldDepartment, FieldAcademicYear, FieldCourseLink, FieldSourceURL, FieldScrapedAt,
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Record is one parsed observation. Values are string, int64 or float64; a field that is
// not present is absent, never an empty string. Records are immutable.
type Record struct {
	fields map[string]any
}

// NewRecord copies fields, dropping nil values and empty strings.
func NewRecord(fields map[string]any) Record {
	r := Record{fields: make(map[string]any, len(fields))}
	for k, v := range fields {
		if nv, ok := normalize(v); ok {
			r.fields[k] = nv
		}
	}
	return r
}

func normalize(v any) (any, bool) {
	switch t := v.(type) {
	case nil:
		return nil, false
	case string:
		t = strings.TrimSpace(t)
		return t, t != ""
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case float32:
		return normalizeFloat(float64(t))
	case float64:
		return normalizeFloat(t)
	default:
		return nil, false
	}
}

func normalizeFloat(f float64) (any, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, false
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f), true
	}
	return f, true
}

// With returns a copy of r with name set to v. An empty value removes the field.
func (r Record) With(name string, v any) Record {
	out := Record{fields: make(map[string]any, len(r.fields)+1)}
	for k, val := range r.fields {
		out.fields[k] = val
	}
	if nv, ok := normalize(v); ok {
		out.fields[name] = nv
	} else {
		delete(out.fields, name)
	}
	return out
}

func (r Record) Get(name string) (any, bool) {
	v, ok := r.fields[name]
	return v, ok
}

func (r Record) Has(name string) bool {
	_, ok := r.fields[name]
	return ok
}

// String returns the field formatted as a CSV cell, "" when absent.
func (r Record) String(name string) string {
	v, ok := r.fields[name]
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return ""
}

func (r Record) Len() int {
	return len(r.fields)
}

// Names returns the present field names sorted.
func (r Record) Names() []string {
	names := make([]string, 0, len(r.fields))
	for k := range r.fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (r Record) MarshalJSON() ([]byte, error) {
	if r.fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r.fields)
}

func (r *Record) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*r = NewRecord(raw)
	return nil
}

// Equal reports whether both records hold the same fields and values.
func (r Record) Equal(o Record) bool {
	if len(r.fields) != len(o.fields) {
		return false
	}
	for k, v := range r.fields {
		if ov, ok := o.fields[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

var ErrSealed = errors.New("result set is sealed")

// ResultSet is the ordered, append-only collection of a run's records.
// It is owned by a single run and is not safe for concurrent use.
type ResultSet struct {
	records []Record
	sealed  bool
}

func NewResultSet() *ResultSet {
	return &ResultSet{}
}

func (rs *ResultSet) Append(records ...Record) error {
	if rs.sealed {
		return ErrSealed
	}
	rs.records = append(rs.records, records...)
	return nil
}

// Seal forbids further appends. It returns false if the set was already sealed.
func (rs *ResultSet) Seal() bool {
	if rs.sealed {
		return false
	}
	rs.sealed = true
	return true
}

func (rs *ResultSet) Len() int {
	return len(rs.records)
}

// Records returns a snapshot of the records in append order.
func (rs *ResultSet) Records() []Record {
	out := make([]Record, len(rs.records))
	copy(out, rs.records)
	return out
}

// Columns returns base, then the known fields seen, then any other field seen sorted.
func Columns(base []string, records []Record) []string {
	seen := make(map[string]struct{})
	for _, r := range records {
		for k := range r.fields {
			seen[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(base)+len(seen))
	added := make(map[string]struct{}, len(base)+len(seen))
	add := func(name string) {
		if _, ok := added[name]; ok {
			return
		}
		added[name] = struct{}{}
		cols = append(cols, name)
	}
	for _, b := range base {
		add(b)
	}
	for _, k := range KnownFields {
		if _, ok := seen[k]; ok {
			add(k)
		}
	}
	var rest []string
	for k := range seen {
		if _, ok := added[k]; !ok {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		add(k)
	}
	return cols
}

// EncodeRecords writes records as a JSON array.
func EncodeRecords(records []Record) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("[")
	for i, r := range records {
		if i > 0 {
			buf.WriteString(",")
		}
		buf.WriteString("\n  ")
		b, err := r.MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(b)
	}
	if len(records) > 0 {
		buf.WriteString("\n")
	}
	buf.WriteString("]\n")
	return buf.Bytes(), nil
}
