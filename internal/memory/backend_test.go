package memory

import (
	"math"
	"testing"
	"time"
)

func TestCosineSimilarity(t *testing.T) {
	cases := []struct {
		name string
		a, b []float64
		want float64
	}{
		{"identical vectors", []float64{1, 0, 0}, []float64{1, 0, 0}, 1},
		{"orthogonal vectors", []float64{1, 0}, []float64{0, 1}, 0},
		{"opposite vectors", []float64{1, 0}, []float64{-1, 0}, -1},
		{"empty a", nil, []float64{1, 2}, 0},
		{"empty b", []float64{1, 2}, nil, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := cosineSimilarity(tc.a, tc.b)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("cosineSimilarity(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
			}
		})
	}
}

func TestSortHitsTieBreak(t *testing.T) {
	now := time.Now()
	hits := []SearchHit{
		{Key: "b", Score: 0.5, CreatedAt: now},
		{Key: "a", Score: 0.5, CreatedAt: now},
		{Key: "z", Score: 0.9, CreatedAt: now.Add(-time.Hour)},
		{Key: "y", Score: 0.5, CreatedAt: now.Add(time.Hour)},
	}
	sortHits(hits)

	want := []string{"z", "y", "a", "b"}
	for i, k := range want {
		if hits[i].Key != k {
			t.Fatalf("position %d: got key %q, want %q (order=%v)", i, hits[i].Key, k, hits)
		}
	}
}
