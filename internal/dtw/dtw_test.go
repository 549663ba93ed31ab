package dtw

import (
	"math"
	"math/rand"
	"testing"
)

func seq(vectors ...[]float32) [][]float32 { return vectors }

func TestEmptyInputIsInfinite(t *testing.T) {
	full := seq([]float32{1, 2, 3})

	tests := []struct {
		name string
		a, b [][]float32
	}{
		{"both empty", nil, nil},
		{"first empty", nil, full},
		{"second empty", full, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if d := Distance(tt.a, tt.b); !math.IsInf(float64(d), 1) {
				t.Errorf("Distance = %v, want +Inf", d)
			}
		})
	}
}

func TestIdenticalSequencesAreZero(t *testing.T) {
	a := seq(
		[]float32{0.1, 0.2, 0.3},
		[]float32{0.4, 0.5, 0.6},
		[]float32{-0.7, 0.8, 0.9},
	)

	if d := Distance(a, a); d != 0 {
		t.Errorf("Distance(a, a) = %v, want 0", d)
	}
}

func TestSingleVectorDegeneratesToPointDistance(t *testing.T) {
	a := seq([]float32{0, 0})
	b := seq([]float32{3, 4})

	// Path cost is the single squared distance 25; sqrt(25)/sqrt(1*1) = 5.
	if d := Distance(a, b); math.Abs(float64(d)-5) > 1e-6 {
		t.Errorf("Distance = %v, want 5", d)
	}
}

func TestDifferentLengthsAlign(t *testing.T) {
	// b repeats each frame of a; warping should absorb the stretch cheaply.
	a := seq([]float32{1, 0}, []float32{0, 1})
	b := seq([]float32{1, 0}, []float32{1, 0}, []float32{0, 1}, []float32{0, 1})

	if d := Distance(a, b); d != 0 {
		t.Errorf("Distance to time-stretched copy = %v, want 0", d)
	}
}

func TestPrefixLengthSensitivity(t *testing.T) {
	// Appending more matching frames to a literal prefix of the master must
	// not grow the normalized distance by more than the worst per-frame cost
	// of the added frames.
	rng := rand.New(rand.NewSource(7))
	master := make([][]float32, 20)
	for i := range master {
		v := make([]float32, 13)
		for j := range v {
			v[j] = rng.Float32()*2 - 1
		}
		master[i] = v
	}

	short := master[:10]
	long := master[:15]

	dShort := Distance(master, short)
	dLong := Distance(master, long)

	// The added frames are exact copies of master frames; worst-case added
	// per-frame cost is bounded by the largest pairwise cost in the master.
	var worst float32
	for _, u := range master {
		for _, v := range master {
			if c := squaredDistance(u, v); c > worst {
				worst = c
			}
		}
	}
	bound := dShort + 5*float32(math.Sqrt(float64(worst)))

	if dLong > bound {
		t.Errorf("Distance(master, prefix15) = %v exceeds bound %v (prefix10 = %v)", dLong, bound, dShort)
	}
}

func TestNoNaNOnZeroSequences(t *testing.T) {
	zeros := make([][]float32, 8)
	for i := range zeros {
		zeros[i] = make([]float32, 13)
	}
	ones := make([][]float32, 8)
	for i := range ones {
		v := make([]float32, 13)
		for j := range v {
			v[j] = 1
		}
		ones[i] = v
	}

	d := Distance(zeros, ones)
	if math.IsNaN(float64(d)) {
		t.Fatal("Distance returned NaN")
	}
	if d <= 0 {
		t.Errorf("Distance between distinct sequences = %v, want > 0", d)
	}
}

func BenchmarkDistance(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	mk := func(n int) [][]float32 {
		s := make([][]float32, n)
		for i := range s {
			v := make([]float32, 13)
			for j := range v {
				v[j] = rng.Float32()
			}
			s[i] = v
		}
		return s
	}
	x := mk(200)
	y := mk(180)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Distance(x, y)
	}
}
