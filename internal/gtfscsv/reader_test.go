package gtfscsv

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, rd *Reader) []Row {
	t.Helper()
	var rows []Row
	for {
		row, err := rd.Read()
		if err == io.EOF {
			return rows
		}
		require.NoError(t, err)
		rows = append(rows, row)
	}
}

func TestReader_BasicRows(t *testing.T) {
	input := "stop_id,stop_name,parent_station\nS1,First,\nS2,Second,S1\n"
	rd, err := NewReader(strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, []string{"stop_id", "stop_name", "parent_station"}, rd.Header())

	rows := readAll(t, rd)
	require.Len(t, rows, 2)

	id, ok := rows[0].Get("stop_id")
	assert.True(t, ok)
	assert.Equal(t, "S1", id)

	// Empty field is absent, not the empty string.
	_, ok = rows[0].Get("parent_station")
	assert.False(t, ok)

	parent, ok := rows[1].Get("parent_station")
	assert.True(t, ok)
	assert.Equal(t, "S1", parent)
}

func TestReader_EmptyIsAbsentNotZero(t *testing.T) {
	input := "a,b\n,0\n"
	rd, err := NewReader(strings.NewReader(input))
	require.NoError(t, err)

	rows := readAll(t, rd)
	require.Len(t, rows, 1)

	_, ok := rows[0].Get("a")
	assert.False(t, ok, "empty value must be absent")

	b, ok := rows[0].Get("b")
	assert.True(t, ok)
	assert.Equal(t, "0", b)
}

func TestReader_Quoting(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected [][]string
	}{
		{
			name:     "QuotedDelimiter",
			input:    "id,name\n1,\"Main St, Downtown\"\n",
			expected: [][]string{{"1", "Main St, Downtown"}},
		},
		{
			name:     "DoubledQuote",
			input:    "id,name\n1,\"The \"\"Loop\"\"\"\n",
			expected: [][]string{{"1", `The "Loop"`}},
		},
		{
			name:     "QuotedNewline",
			input:    "id,name\n1,\"Line one\nLine two\"\n2,Plain\n",
			expected: [][]string{{"1", "Line one\nLine two"}, {"2", "Plain"}},
		},
		{
			name:     "CRLFTerminators",
			input:    "id,name\r\n1,Alpha\r\n2,Beta\r\n",
			expected: [][]string{{"1", "Alpha"}, {"2", "Beta"}},
		},
		{
			name:     "BlankLinesSkipped",
			input:    "id,name\n\n1,Alpha\n\r\n2,Beta\n\n",
			expected: [][]string{{"1", "Alpha"}, {"2", "Beta"}},
		},
		{
			name:     "MissingFinalNewline",
			input:    "id,name\n1,Alpha",
			expected: [][]string{{"1", "Alpha"}},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rd, err := NewReader(strings.NewReader(tc.input))
			require.NoError(t, err)

			rows := readAll(t, rd)
			require.Len(t, rows, len(tc.expected))
			for i, want := range tc.expected {
				assert.Equal(t, want, rows[i].fields)
			}
		})
	}
}

func TestReader_BOMStripped(t *testing.T) {
	input := "\ufeffstop_id,stop_name\nS1,First\n"
	rd, err := NewReader(strings.NewReader(input))
	require.NoError(t, err)

	rows := readAll(t, rd)
	require.Len(t, rows, 1)

	id, ok := rows[0].Get("stop_id")
	assert.True(t, ok)
	assert.Equal(t, "S1", id)
}

func TestReader_EmptyInput(t *testing.T) {
	_, err := NewReader(strings.NewReader(""))
	assert.Error(t, err)
}
