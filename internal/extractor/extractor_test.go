package extractor

import (
	"slices"
	"testing"

	"github.com/IliaW/enrollment-scrape-worker/config"
	"github.com/IliaW/enrollment-scrape-worker/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const stanfordPage = `<html><body>
<div class="searchResult">
  <h2>CS 106A: Programming Methodology</h2>
  <div class="courseAttributes">Terms: Aut, Win | 3-5 units | Instructors: Sahami, M.</div>
  <div class="sectionDetails">2024-2025 Autumn
    Class # 12345 | Section 01 | Students enrolled: 45 / 60
    09/23/2024 - 12/06/2024 Mon, Wed, Fri 11:30 AM - 12:20 PM</div>
</div>
<div class="searchResult">
  <h2>CS 107: Computer Organization and Systems</h2>
  <div>5 units. Instructor: Gregg, C. Winter 2025 Enrollment: 120 / 150</div>
</div>
<div class="searchResult">
  <h2>CS 109: Probability for Computer Scientists</h2>
  <div>3 units. 01/06/2025 - 03/14/2025 Class size: 200</div>
</div>
<div class="searchResult">
  <h2>Related Courses</h2>
  <div>Students enrolled: 1 / 2</div>
</div>
<div class="searchResult">
  <h2>CS 199: Independent Work</h2>
  <div>1 unit. Instructors: Staff</div>
</div>
</body></html>`

const lousListPage = `<html><body><table>
<tr><th>Course</th><th>Section</th><th>Enrollment</th><th>Instructor</th></tr>
<tr><td>CS 1110 Introduction to Programming</td><td>001</td><td>45 / 60 Waitlist: 3</td><td class="instructor">Jane Doe</td></tr>
<tr><td>CS 2100 Data Structures and Algorithms 1</td><td>002</td><td>150/150</td><td class="instructor">John Roe</td></tr>
<tr><td>MATH 3100 Introduction to Probability</td><td>100</td><td>30 / 35</td><td class="instructor">Ann Poe</td></tr>
<tr><td>APMA 2120 Multivariable Calculus</td><td>001</td><td>TBA</td><td class="instructor">Staff</td></tr>
<tr><td colspan="4">Notes</td></tr>
</table></body></html>`

func collect(e Extractor, body string) []model.Record {
	return slices.Collect(e.Extract(model.Document{URL: "https://example.edu/list", Body: []byte(body)}))
}

func TestExploreCourses(t *testing.T) {
	records := collect(NewExploreCourses(), stanfordPage)
	require.Len(t, records, 4)

	cs106a := records[0]
	assert.Equal(t, "CS 106A", cs106a.String(model.FieldCourseCode))
	assert.Equal(t, "Programming Methodology", cs106a.String(model.FieldCourseName))
	assert.Equal(t, "45", cs106a.String(model.FieldEnrolled))
	assert.Equal(t, "60", cs106a.String(model.FieldCapacity))
	assert.Equal(t, "5", cs106a.String(model.FieldUnits))
	assert.Equal(t, "Sahami, M", cs106a.String(model.FieldInstructor))
	assert.Equal(t, "12345", cs106a.String(model.FieldClassNumber))
	assert.Equal(t, "09/23/2024 - 12/06/2024", cs106a.String(model.FieldSchedule))
	assert.Equal(t, "Autumn", cs106a.String(model.FieldTerm))

	cs107 := records[1]
	assert.Equal(t, "120", cs107.String(model.FieldEnrolled))
	assert.Equal(t, "150", cs107.String(model.FieldCapacity))
	assert.Equal(t, "Winter", cs107.String(model.FieldTerm))

	cs109 := records[2]
	assert.Equal(t, "200", cs109.String(model.FieldEnrolled))
	assert.False(t, cs109.Has(model.FieldCapacity))
	assert.Equal(t, "Winter", cs109.String(model.FieldTerm), "inferred from the schedule")

	cs199 := records[3]
	assert.Equal(t, "CS 199", cs199.String(model.FieldCourseCode))
	assert.False(t, cs199.Has(model.FieldEnrolled))
	assert.False(t, cs199.Has(model.FieldCapacity))
	assert.False(t, cs199.Has(model.FieldTerm))
	assert.Equal(t, "Staff", cs199.String(model.FieldInstructor))
}

func TestLousListToleratesMissingEnrollment(t *testing.T) {
	records := collect(NewLousList(), lousListPage)
	require.Len(t, records, 4)

	for _, r := range records[:3] {
		assert.True(t, r.Has(model.FieldEnrolled), r.String(model.FieldCourseCode))
		assert.True(t, r.Has(model.FieldCapacity), r.String(model.FieldCourseCode))
	}
	assert.Equal(t, "CS 1110", records[0].String(model.FieldCourseCode))
	assert.Equal(t, "Introduction to Programming", records[0].String(model.FieldCourseName))
	assert.Equal(t, "001", records[0].String(model.FieldSection))
	assert.Equal(t, "3", records[0].String(model.FieldWaitlist))
	assert.Equal(t, "Jane Doe", records[0].String(model.FieldInstructor))
	assert.Equal(t, "150", records[1].String(model.FieldCapacity))

	last := records[3]
	assert.Equal(t, "APMA 2120", last.String(model.FieldCourseCode))
	assert.False(t, last.Has(model.FieldEnrolled))
	assert.False(t, last.Has(model.FieldCapacity))
}

func TestLousListFallsBackToCourseLinks(t *testing.T) {
	page := `<html><body><ul>
<li><a href="class.php?id=1">CS 1110 Intro</a> 45 / 60</li>
<li><a href="/page.php?courseCode=CS2100">CS 2100</a></li>
<li><a href="/about">About</a></li>
</ul></body></html>`

	records := collect(NewLousList(), page)
	require.Len(t, records, 2)
	assert.Equal(t, "class.php?id=1", records[0].String(model.FieldCourseLink))
	assert.Equal(t, "45", records[0].String(model.FieldEnrolled))
	assert.Equal(t, "CS 2100", records[1].String(model.FieldCourseCode))
	assert.False(t, records[1].Has(model.FieldEnrolled))
}

func TestExtractIsDeterministic(t *testing.T) {
	for _, tc := range []struct {
		e    Extractor
		body string
	}{
		{NewExploreCourses(), stanfordPage},
		{NewLousList(), lousListPage},
	} {
		first := collect(tc.e, tc.body)
		second := collect(tc.e, tc.body)
		require.Equal(t, len(first), len(second))
		for i := range first {
			assert.True(t, first[i].Equal(second[i]), tc.e.Name())
		}
	}
}

func TestExtractWithoutAnchors(t *testing.T) {
	sel, err := NewSelector(&config.SelectorConfig{Record: "tr.course",
		Fields: map[string]*config.FieldRule{"course_code": {Selector: "td"}}})
	require.NoError(t, err)

	for _, e := range []Extractor{NewExploreCourses(), NewLousList(), sel} {
		assert.Empty(t, collect(e, ""), e.Name())
		assert.Empty(t, collect(e, "<html><body><p>Maintenance</p></body></html>"), e.Name())
	}
}

func TestExtractStopsWhenConsumerStops(t *testing.T) {
	count := 0
	for range NewLousList().Extract(model.Document{Body: []byte(lousListPage)}) {
		count++
		if count == 2 {
			break
		}
	}
	assert.Equal(t, 2, count)
}

func TestSelector(t *testing.T) {
	cfg := &config.SelectorConfig{
		Record: "table#results tr",
		Fields: map[string]*config.FieldRule{
			"course_code": {Selector: "td:nth-child(2)", Pattern: `^([A-Z]+\s*\d+[A-Z]*)`},
			"instructor":  {Selector: "td:nth-child(1)"},
			"enrolled":    {Selector: "td:nth-child(3)", Type: "int"},
			"rating":      {Selector: "td:nth-child(4)", Type: "float"},
			"course_link": {Selector: "a", Attr: "href"},
		},
	}
	sel, err := NewSelector(cfg)
	require.NoError(t, err)

	page := `<table id="results">
<tr><th>Instructor</th><th>Course</th><th>Enrolled</th><th>Rating</th></tr>
<tr><td>Doe, Jane</td><td>CSE 12 - Data Structures</td><td>1,204</td><td>4.5</td><td><a href="/c/12">link</a></td></tr>
<tr><td>Roe, John</td><td>CSE 100 - Advanced</td><td>n/a</td><td>4</td></tr>
</table>`

	records := collect(sel, page)
	require.Len(t, records, 2)

	assert.Equal(t, "CSE 12", records[0].String("course_code"))
	assert.Equal(t, "Doe, Jane", records[0].String("instructor"))
	v, _ := records[0].Get("enrolled")
	assert.Equal(t, int64(1204), v)
	v, _ = records[0].Get("rating")
	assert.Equal(t, 4.5, v)
	assert.Equal(t, "/c/12", records[0].String("course_link"))

	assert.False(t, records[1].Has("enrolled"))
	assert.False(t, records[1].Has("course_link"))
	assert.Equal(t, "4", records[1].String("rating"))
}

func TestNewSelectorRejectsBadRules(t *testing.T) {
	_, err := NewSelector(nil)
	assert.Error(t, err)
	_, err = NewSelector(&config.SelectorConfig{Record: "tr",
		Fields: map[string]*config.FieldRule{"x": {Pattern: "("}}})
	assert.Error(t, err)
	_, err = NewSelector(&config.SelectorConfig{Record: "tr",
		Fields: map[string]*config.FieldRule{"x": {Type: "date"}}})
	assert.Error(t, err)
}

func TestNewFromRegistry(t *testing.T) {
	e, err := New(&config.SiteConfig{Name: "stanford", Extractor: "explorecourses"})
	require.NoError(t, err)
	assert.Equal(t, "explorecourses", e.Name())

	_, err = New(&config.SiteConfig{Name: "x", Extractor: "nope"})
	assert.Error(t, err)

	Register("static", func(*config.SiteConfig) (Extractor, error) { return NewLousList(), nil })
	assert.Contains(t, Names(), "static")
}

func TestLousListDropsCountsThatDoNotParse(t *testing.T) {
	page := `<table><tr><td>CS 1110 Introduction to Programming</td><td>001</td>
<td>99999999999999999999 / 60 Waitlist: 99999999999999999999</td></tr></table>`

	records := collect(NewLousList(), page)
	require.Len(t, records, 1)

	assert.False(t, records[0].Has(model.FieldEnrolled))
	assert.False(t, records[0].Has(model.FieldWaitlist))
	v, ok := records[0].Get(model.FieldCapacity)
	require.True(t, ok)
	assert.Equal(t, int64(60), v)
}

const enrollmentJSON = `{"data": {"classes": [
  {"course": {"subject": "COMPSCI", "number": "61A", "title": "Structure and Interpretation"},
   "enrollment": {"enrolled": 1850, "max": 2000}, "units": 4.0, "term": "Fall 2024"},
  {"course": {"subject": "COMPSCI", "number": "61B", "title": "Data Structures"},
   "enrollment": {"enrolled": 1400, "max": 1500}, "units": 4, "term": "Fall 2024"},
  {"course": {"subject": "DATA", "number": "C8", "title": "Foundations of Data Science"},
   "enrollment": {"enrolled": "1,320", "max": 1400}, "units": 4, "term": "Fall 2024"},
  {"course": {"subject": "COMPSCI", "number": "70", "title": "Discrete Mathematics"},
   "enrollment": null, "units": "4", "term": "Fall 2024"},
  "not a class"
]}}`

func berkeleyJSON(t *testing.T) *JSON {
	j, err := NewJSON(&config.JSONConfig{
		Records: "data.classes",
		Fields: map[string]*config.FieldRule{
			"subject":     {Path: "course.subject"},
			"course_code": {Path: "course.number"},
			"course_name": {Path: "course.title"},
			"enrolled":    {Path: "enrollment.enrolled", Type: "int"},
			"capacity":    {Path: "enrollment.max", Type: "int"},
			"units":       {Path: "units"},
			"term":        {Path: "term", Pattern: `^(Fall|Spring|Summer)`},
		},
	})
	require.NoError(t, err)
	return j
}

func TestJSONToleratesMissingEnrollment(t *testing.T) {
	records := collect(berkeleyJSON(t), enrollmentJSON)
	require.Len(t, records, 4)

	for _, r := range records[:3] {
		for _, f := range []string{"subject", "course_code", "course_name", "enrolled", "capacity", "units", "term"} {
			assert.True(t, r.Has(f), "%s in %s", f, r.String("course_code"))
		}
	}
	v, _ := records[0].Get("enrolled")
	assert.Equal(t, int64(1850), v)
	v, _ = records[0].Get("units")
	assert.Equal(t, int64(4), v)
	v, _ = records[2].Get("enrolled")
	assert.Equal(t, int64(1320), v)
	assert.Equal(t, "Fall", records[0].String("term"))

	last := records[3]
	assert.Equal(t, "70", last.String("course_code"))
	assert.False(t, last.Has("enrolled"))
	assert.False(t, last.Has("capacity"))
	assert.Equal(t, "4", last.String("units"))
	assert.Equal(t, "Discrete Mathematics", last.String("course_name"))
}

func TestJSONSingleObjectAndNonJSON(t *testing.T) {
	j, err := NewJSON(&config.JSONConfig{Fields: map[string]*config.FieldRule{
		"course_code": {Path: "code"},
		"enrolled":    {Path: "sections.0.enrolled", Type: "int"},
	}})
	require.NoError(t, err)

	records := collect(j, `{"code": "CS 31", "sections": [{"enrolled": 120}, {"enrolled": 90}]}`)
	require.Len(t, records, 1)
	assert.Equal(t, "CS 31", records[0].String("course_code"))
	assert.Equal(t, "120", records[0].String("enrolled"))

	assert.Empty(t, collect(j, `<html><body>Not JSON</body></html>`))
	assert.Empty(t, collect(j, ``))
	assert.Empty(t, collect(j, `[]`))
}

func TestJSONIsDeterministic(t *testing.T) {
	j := berkeleyJSON(t)
	first, second := collect(j, enrollmentJSON), collect(j, enrollmentJSON)
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.True(t, first[i].Equal(second[i]))
	}
}

func TestNewJSONRejectsBadRules(t *testing.T) {
	_, err := NewJSON(nil)
	assert.Error(t, err)
	_, err = NewJSON(&config.JSONConfig{Fields: map[string]*config.FieldRule{"x": {}}})
	assert.Error(t, err)
	_, err = NewJSON(&config.JSONConfig{Fields: map[string]*config.FieldRule{"x": {Path: "a", Type: "date"}}})
	assert.Error(t, err)

	e, err := New(&config.SiteConfig{Name: "berkeley", Extractor: "json",
		JSON: &config.JSONConfig{Fields: map[string]*config.FieldRule{"x": {Path: "a"}}}})
	require.NoError(t, err)
	assert.Equal(t, "json", e.Name())
}
