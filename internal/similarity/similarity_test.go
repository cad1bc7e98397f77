package similarity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"record", "attendance", "daily"}, Tokenize("Record attendance, daily!"))
	assert.Equal(t, []string{"menyiapkan", "laporan", "2024"}, Tokenize("Menyiapkan laporan (2024)"))
	assert.Empty(t, Tokenize("  ...  "))
}

func TestTokenSet_MinLength(t *testing.T) {
	set := TokenSet(Tokenize("Log attendance sheet"), 4)
	assert.Len(t, set, 2)
	assert.Contains(t, set, "attendance")
	assert.NotContains(t, set, "log")
}

func TestJaccard(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want float64
	}{
		{"identical", []string{"a", "b"}, []string{"a", "b"}, 1},
		{"disjoint", []string{"a"}, []string{"b"}, 0},
		{"partial", []string{"record", "attendance"}, []string{"attendance", "sheet"}, 1.0 / 3.0},
		{"empty", nil, []string{"a"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Jaccard(TokenSet(tt.a, 0), TokenSet(tt.b, 0))
			assert.InDelta(t, tt.want, got, 1e-12)
		})
	}
}

func TestCosine(t *testing.T) {
	t.Run("self similarity is one", func(t *testing.T) {
		v := []float64{0.3, -1.7, 2.2, 9.1}
		assert.InDelta(t, 1.0, Cosine(v, v), 1e-12)
	})

	t.Run("orthogonal", func(t *testing.T) {
		assert.InDelta(t, 0, Cosine([]float64{1, 0}, []float64{0, 1}), 1e-12)
	})

	t.Run("opposite", func(t *testing.T) {
		assert.InDelta(t, -1, Cosine([]float64{1, 2}, []float64{-1, -2}), 1e-12)
	})

	t.Run("zero and mismatched vectors", func(t *testing.T) {
		assert.Equal(t, 0.0, Cosine([]float64{0, 0}, []float64{1, 1}))
		assert.Equal(t, 0.0, Cosine([]float64{1}, []float64{1, 1}))
		assert.Equal(t, 0.0, Cosine(nil, nil))
	})
}

func TestHasStem(t *testing.T) {
	stems := []string{"record", "log"}
	assert.True(t, HasStem([]string{"recorded"}, stems, 3))
	assert.True(t, HasStem([]string{"logs"}, stems, 3))
	assert.False(t, HasStem([]string{"logistics"}, stems, 3))
	assert.False(t, HasStem([]string{"budget"}, stems, 3))
}
