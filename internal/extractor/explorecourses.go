package extractor

import (
	"iter"
	"regexp"
	"strconv"
	"strings"

	"github.com/IliaW/enrollment-scrape-worker/internal/model"
	"github.com/PuerkitoBio/goquery"
)

var (
	courseHeader = regexp.MustCompile(`^([A-Z]+\s+\d+[A-Z]*):\s*(.+)`)

	pairedEnrollment = []*regexp.Regexp{
		regexp.MustCompile(`(?i)Students enrolled:\s*(\d+)\s*/\s*(\d+)`),
		regexp.MustCompile(`(?i)enrolled:\s*(\d+)\s*/\s*(\d+)`),
		regexp.MustCompile(`(?i)(\d+)\s*/\s*(\d+)\s*students`),
		regexp.MustCompile(`(?i)Enrollment:\s*(\d+)\s*/\s*(\d+)`),
		regexp.MustCompile(`(?i)(\d+)\s*enrolled.*?(\d+)\s*capacity`),
		regexp.MustCompile(`(?i)Current enrollment:\s*(\d+).*?Max enrollment:\s*(\d+)`),
		regexp.MustCompile(`(?i)Enrolled:\s*(\d+).*?Capacity:\s*(\d+)`),
		regexp.MustCompile(`(?i)Schedule.*?(\d+)\s*/\s*(\d+)`),
		regexp.MustCompile(`(?i)Section.*?(\d+)\s*/\s*(\d+)`),
	}

	// A trailing "/" on the number means the count belongs to a paired pattern.
	singleEnrollment = []*regexp.Regexp{
		regexp.MustCompile(`(?i)Students enrolled:\s*(\d+)(\s*/)?`),
		regexp.MustCompile(`(?i)Enrolled:\s*(\d+)(\s*/)?`),
		regexp.MustCompile(`(?i)Current enrollment:\s*(\d+)(\s*/)?`),
		regexp.MustCompile(`(?i)(\d+)\s+students?\s+enrolled()`),
		regexp.MustCompile(`(?i)Enrollment:\s*(\d+)(\s*/)?`),
		regexp.MustCompile(`(?i)Class size:\s*(\d+)()`),
		regexp.MustCompile(`(?i)Total enrolled:\s*(\d+)()`),
	}

	unitsPattern      = regexp.MustCompile(`(?i)(\d+)\s*units?`)
	instructorPattern = regexp.MustCompile(`(?i)Instructors?:\s*([^.\n]+)`)
	schedulePattern   = regexp.MustCompile(`(\d{1,2}/\d{1,2}/\d{4}\s*-\s*\d{1,2}/\d{1,2}/\d{4})`)
	classNumber       = regexp.MustCompile(`Class #\s*(\d+)`)
	termPatterns      = []*regexp.Regexp{
		regexp.MustCompile(`(?i)Session:\s*\d{4}-\d{4}\s+(Autumn|Winter|Spring|Summer)`),
		regexp.MustCompile(`(?i)(Autumn|Winter|Spring|Summer)\s+\d{4}`),
		regexp.MustCompile(`(?i)\b(Aut|Win|Spr|Sum)\s+\d{4}`),
		regexp.MustCompile(`(?i)Terms?:\s*(Autumn|Winter|Spring|Summer|Aut|Win|Spr|Sum)`),
	}
	scheduleMonth = regexp.MustCompile(`^(\d{1,2})/`)
)

var termNames = map[string]string{
	"aut": "Autumn", "autumn": "Autumn",
	"win": "Winter", "winter": "Winter",
	"spr": "Spring", "spring": "Spring",
	"sum": "Summer", "summer": "Summer",
}

// ExploreCourses reads catalog search pages where each course is an
// "CODE NNN: Title" h2 heading and its details live in the heading's parent.
type ExploreCourses struct{}

func NewExploreCourses() *ExploreCourses {
	return &ExploreCourses{}
}

func (e *ExploreCourses) Name() string {
	return "explorecourses"
}

func (e *ExploreCourses) Extract(doc model.Document) iter.Seq[model.Record] {
	return func(yield func(model.Record) bool) {
		d, ok := parse(doc)
		if !ok {
			return
		}
		d.Find("h2").EachWithBreak(func(_ int, h *goquery.Selection) bool {
			m := courseHeader.FindStringSubmatch(normalizeSpace(h.Text()))
			if m == nil {
				return true
			}
			container := h.Parent()
			if container.Length() == 0 {
				container = h
			}
			return yield(e.course(m[1], m[2], container.Text()))
		})
	}
}

func (e *ExploreCourses) course(code, name, text string) model.Record {
	fields := map[string]any{
		model.FieldCourseCode: normalizeSpace(code),
		model.FieldCourseName: name,
	}
	if enrolled, capacity, ok := pairedCounts(text); ok {
		fields[model.FieldEnrolled] = enrolled
		fields[model.FieldCapacity] = capacity
	} else if enrolled, ok := singleCount(text); ok {
		fields[model.FieldEnrolled] = enrolled
	}
	if s, ok := submatch(unitsPattern, text, 1); ok {
		if n, ok := atoi(s); ok {
			fields[model.FieldUnits] = n
		}
	}
	if s, ok := submatch(instructorPattern, text, 1); ok {
		fields[model.FieldInstructor] = s
	}
	schedule, _ := submatch(schedulePattern, text, 1)
	fields[model.FieldSchedule] = normalizeSpace(schedule)
	if s, ok := submatch(classNumber, text, 1); ok {
		fields[model.FieldClassNumber] = s
	}
	fields[model.FieldTerm] = term(text, schedule)
	return model.NewRecord(fields)
}

func pairedCounts(text string) (int64, int64, bool) {
	for _, re := range pairedEnrollment {
		for _, idx := range re.FindAllStringSubmatchIndex(text, -1) {
			// "9/23/2024" is a date, not a count pair
			if idx[1] < len(text) && text[idx[1]] == '/' {
				continue
			}
			enrolled, ok1 := atoi(text[idx[2]:idx[3]])
			capacity, ok2 := atoi(text[idx[4]:idx[5]])
			if ok1 && ok2 {
				return enrolled, capacity, true
			}
		}
	}
	return 0, 0, false
}

func singleCount(text string) (int64, bool) {
	for _, re := range singleEnrollment {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			if m[2] != "" {
				continue
			}
			if n, ok := atoi(m[1]); ok {
				return n, true
			}
		}
	}
	return 0, false
}

// term looks for an explicit quarter first and falls back to the month the
// schedule starts in.
func term(text, schedule string) string {
	for _, re := range termPatterns {
		if s, ok := submatch(re, text, 1); ok {
			return termNames[strings.ToLower(s)]
		}
	}
	s, ok := submatch(scheduleMonth, schedule, 1)
	if !ok {
		return ""
	}
	month, _ := strconv.Atoi(s)
	switch {
	case month >= 9 && month <= 12:
		return "Autumn"
	case month >= 1 && month <= 3:
		return "Winter"
	case month == 4 || month == 5:
		return "Spring"
	case month >= 6 && month <= 8:
		return "Summer"
	}
	return ""
}
