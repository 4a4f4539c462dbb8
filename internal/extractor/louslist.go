package extractor

import (
	"iter"
	"regexp"
	"strings"

	"github.com/IliaW/enrollment-scrape-worker/internal/model"
	"github.com/PuerkitoBio/goquery"
)

var (
	lousCourseCode = regexp.MustCompile(`^([A-Z]{2,4}\s*\d{4})\s*(.*)$`)
	lousSection    = regexp.MustCompile(`^\d{3}$`)
	countPair      = regexp.MustCompile(`(\d+)\s*/\s*(\d+)`)
	waitlist       = regexp.MustCompile(`(?i)Wait(?:list)?:\s*(\d+)`)
)

// LousList reads the table-based class listings of Lou's List and Hoos' List.
// When no table row carries a course code it falls back to course detail links.
type LousList struct{}

func NewLousList() *LousList {
	return &LousList{}
}

func (l *LousList) Name() string {
	return "louslist"
}

func (l *LousList) Extract(doc model.Document) iter.Seq[model.Record] {
	return func(yield func(model.Record) bool) {
		d, ok := parse(doc)
		if !ok {
			return
		}
		found, stopped := 0, false
		d.Find("table tr").EachWithBreak(func(_ int, row *goquery.Selection) bool {
			rec, ok := l.row(row)
			if !ok {
				return true
			}
			found++
			if !yield(rec) {
				stopped = true
				return false
			}
			return true
		})
		if found > 0 || stopped {
			return
		}
		d.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
			rec, ok := l.link(a)
			if !ok {
				return true
			}
			return yield(rec)
		})
	}
}

func (l *LousList) row(row *goquery.Selection) (model.Record, bool) {
	cols := row.ChildrenFiltered("td, th")
	if cols.Length() < 3 {
		return model.Record{}, false
	}
	fields := make(map[string]any)
	cols.Each(func(_ int, col *goquery.Selection) {
		text := normalizeSpace(col.Text())
		if _, ok := fields[model.FieldCourseCode]; !ok {
			if m := lousCourseCode.FindStringSubmatch(text); m != nil {
				fields[model.FieldCourseCode] = normalizeSpace(m[1])
				fields[model.FieldCourseName] = m[2]
			}
		}
		if lousSection.MatchString(text) {
			fields[model.FieldSection] = text
		}
		if m := countPair.FindStringSubmatch(text); m != nil {
			setCount(fields, model.FieldEnrolled, m[1])
			setCount(fields, model.FieldCapacity, m[2])
		}
		if s, ok := submatch(waitlist, text, 1); ok {
			setCount(fields, model.FieldWaitlist, s)
		}
		if col.HasClass("instructor") {
			fields[model.FieldInstructor] = text
		}
	})
	if _, ok := fields[model.FieldCourseCode]; !ok {
		return model.Record{}, false
	}
	return model.NewRecord(fields), true
}

func (l *LousList) link(a *goquery.Selection) (model.Record, bool) {
	href, _ := a.Attr("href")
	if !strings.Contains(href, "courseCode=") && !strings.Contains(href, "class.php") {
		return model.Record{}, false
	}
	m := lousCourseCode.FindStringSubmatch(normalizeSpace(a.Text()))
	if m == nil {
		return model.Record{}, false
	}
	fields := map[string]any{
		model.FieldCourseCode: normalizeSpace(m[1]),
		model.FieldCourseName: m[2],
		model.FieldCourseLink: href,
	}
	if p := countPair.FindStringSubmatch(a.Parent().Text()); p != nil {
		setCount(fields, model.FieldEnrolled, p[1])
		setCount(fields, model.FieldCapacity, p[2])
	}
	return model.NewRecord(fields), true
}

// setCount stores a parsed count; a number that does not parse leaves the field absent.
func setCount(fields map[string]any, name, s string) {
	if n, ok := atoi(s); ok {
		fields[name] = n
	}
}
