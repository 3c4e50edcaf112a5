package reference

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractor_Extract(t *testing.T) {
	e := MustExtractor("")

	tests := []struct {
		name  string
		texts []string
		want  Set
	}{
		{name: "single reference in title", texts: []string{"Fix crash (#12)"}, want: NewSet(12)},
		{name: "title and body", texts: []string{"Fix #1", "Also closes #2 and #1"}, want: NewSet(1, 2)},
		{name: "duplicates collapse", texts: []string{"#3 #3 #3"}, want: NewSet(3)},
		{name: "leading zeros normalize", texts: []string{"see #007"}, want: NewSet(7)},
		{name: "zero is not a reference", texts: []string{"#0 and #000"}, want: NewSet()},
		{name: "glued to word is ignored", texts: []string{"abc#12"}, want: NewSet()},
		{name: "cross repo link is ignored", texts: []string{"owner/repo#12"}, want: NewSet()},
		{name: "trailing letters are ignored", texts: []string{"#12abc"}, want: NewSet()},
		{name: "punctuation boundaries", texts: []string{"(#4), #5; [#6]."}, want: NewSet(4, 5, 6)},
		{name: "start of line", texts: []string{"#9\n#10"}, want: NewSet(9, 10)},
		{name: "no reference", texts: []string{"Refactor parser", ""}, want: NewSet()},
		{name: "out of range is ignored", texts: []string{"#99999999999999999999"}, want: NewSet()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Extract(tt.texts...)
			assert.True(t, tt.want.Equal(got), "want %v, got %v", tt.want, got)
		})
	}
}

func TestExtractor_CustomMarkerIsCaseInsensitive(t *testing.T) {
	e, err := NewExtractor("PROJ-")
	require.NoError(t, err)

	got := e.Extract("proj-12: backport", "Relates to PROJ-7 and #3")
	assert.True(t, NewSet(7, 12).Equal(got), "got %v", got)
	assert.Equal(t, "PROJ-7, PROJ-12", e.FormatSet(got))
	assert.Equal(t, "PROJ-7", e.Format(7))
}

func TestNewExtractor_InvalidMarker(t *testing.T) {
	tests := []struct {
		name   string
		marker string
	}{
		{name: "digits", marker: "v1-"},
		{name: "surrounding whitespace", marker: " #"},
		{name: "too long", marker: "ABCDEFGHIJKLMNOPQRSTUVWXYZABCDEFGHIJ-"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewExtractor(tt.marker)
			assert.Error(t, err)
		})
	}
}

func TestExtractor_Pure(t *testing.T) {
	e := MustExtractor("#")
	text := "Backport of #42 for #43"

	first := e.Extract(text)
	second := e.Extract(text)
	assert.True(t, first.Equal(second))
	assert.Equal(t, []Ref{42, 43}, first.Sorted())
}
