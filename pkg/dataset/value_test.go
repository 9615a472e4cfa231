package dataset_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/malbeclabs/sage/pkg/dataset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNumber(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want dataset.Value
		ok   bool
	}{
		{"42", dataset.Int(42), true},
		{"-7", dataset.Int(-7), true},
		{"$1,234.50", dataset.Float(1234.5), true},
		{"-$20", dataset.Int(-20), true},
		{"3.25", dataset.Float(3.25), true},
		{"", dataset.Absent, false},
		{"abc", dataset.Absent, false},
		{"NaN", dataset.Absent, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, ok := dataset.ParseNumber(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.True(t, tt.want.Equal(got), "got %v want %v", got, tt.want)
		})
	}
}

func TestParseDate(t *testing.T) {
	t.Parallel()

	want := time.Date(2023, 3, 15, 0, 0, 0, 0, time.UTC)
	for _, in := range []string{"2023-03-15", "03/15/2023", "2023/03/15", "Mar 15, 2023", "2023-03-15 10:30:00", "2023-03-15T10:30:00Z"} {
		got, ok := dataset.ParseDate(in)
		require.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := dataset.ParseDate("next tuesday")
	assert.False(t, ok)
}

func TestCompare(t *testing.T) {
	t.Parallel()

	assert.Equal(t, -1, dataset.Compare(dataset.Int(1), dataset.Float(1.5)))
	assert.Equal(t, 0, dataset.Compare(dataset.Int(2), dataset.Float(2)))
	assert.Equal(t, 1, dataset.Compare(dataset.String("b"), dataset.String("a")))
	assert.Equal(t, -1, dataset.Compare(dataset.Absent, dataset.Int(0)))
	assert.Equal(t, 0, dataset.Compare(dataset.Absent, dataset.Absent))
	d1 := dataset.Date(time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC))
	d2 := dataset.Date(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, -1, dataset.Compare(d1, d2))
}

func TestValue_MarshalJSON(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal([]dataset.Value{
		dataset.Absent,
		dataset.String("B001"),
		dataset.Int(5),
		dataset.Float(2.5),
		dataset.Bool(true),
		dataset.Date(time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `[null,"B001",5,2.5,true,"2023-06-01"]`, string(b))
}

func TestRecord_MarshalJSON(t *testing.T) {
	t.Parallel()

	rec := dataset.Record{
		Columns: []dataset.Column{{Name: "id"}, {Name: "size"}},
		Values:  []dataset.Value{dataset.String("B002"), dataset.Int(75000)},
	}
	b, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.Equal(t, `{"id":"B002","size":75000}`, string(b))
}
