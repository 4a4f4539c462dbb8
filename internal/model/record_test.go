package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRecordDropsEmptyValues(t *testing.T) {
	r := NewRecord(map[string]any{
		FieldCourseCode: "CS 106A",
		FieldCourseName: "   ",
		FieldInstructor: nil,
		FieldEnrolled:   45,
		FieldUnits:      4.5,
	})

	assert.Equal(t, 3, r.Len())
	assert.False(t, r.Has(FieldCourseName))
	assert.False(t, r.Has(FieldInstructor))
	v, ok := r.Get(FieldEnrolled)
	require.True(t, ok)
	assert.Equal(t, int64(45), v)
	assert.Equal(t, "4.5", r.String(FieldUnits))
	assert.Equal(t, "", r.String(FieldTerm))
}

func TestWithReturnsCopy(t *testing.T) {
	orig := NewRecord(map[string]any{FieldCourseCode: "CS 106A"})
	updated := orig.With(FieldTerm, "Autumn")

	assert.False(t, orig.Has(FieldTerm))
	assert.Equal(t, "Autumn", updated.String(FieldTerm))

	removed := updated.With(FieldTerm, "")
	assert.False(t, removed.Has(FieldTerm))
	assert.True(t, updated.Has(FieldTerm))
}

func TestRecordJSONOmitsAbsentFields(t *testing.T) {
	r := NewRecord(map[string]any{FieldCourseCode: "CS 106A", FieldEnrolled: 9, FieldTerm: ""})
	b, err := r.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"course_code":"CS 106A","enrolled":9}`, string(b))

	var back Record
	require.NoError(t, back.UnmarshalJSON(b))
	assert.True(t, r.Equal(back))
}

func TestResultSetSealed(t *testing.T) {
	rs := NewResultSet()
	require.NoError(t, rs.Append(NewRecord(map[string]any{FieldCourseCode: "A"})))
	assert.True(t, rs.Seal())
	assert.False(t, rs.Seal())
	err := rs.Append(NewRecord(map[string]any{FieldCourseCode: "B"}))
	assert.True(t, errors.Is(err, ErrSealed))
	assert.Equal(t, 1, rs.Len())
}

func TestColumnsOrder(t *testing.T) {
	records := []Record{
		NewRecord(map[string]any{"zeta": "z", FieldEnrolled: 1, FieldCourseCode: "A"}),
		NewRecord(map[string]any{"alpha": "a", FieldTerm: "Fall"}),
	}
	cols := Columns([]string{FieldCourseCode, FieldCourseName}, records)
	assert.Equal(t, []string{FieldCourseCode, FieldCourseName, FieldTerm, FieldEnrolled, "alpha", "zeta"}, cols)
}

func TestFetchErrorClassification(t *testing.T) {
	err := NewFetchError(NetworkError, true, "http://x", "timeout", errors.New("deadline"))
	wrapped := errors.Join(errors.New("attempt 1"), err)

	assert.True(t, IsRetriable(wrapped))
	assert.Equal(t, NetworkError, KindOf(wrapped))
	assert.Equal(t, FailureKind(0), KindOf(errors.New("plain")))
	assert.Contains(t, err.Error(), "network_error: timeout")
}
