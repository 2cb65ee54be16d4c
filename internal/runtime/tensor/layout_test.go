package tensor

import (
	"slices"
	"testing"
)

func TestShapeElemCount(t *testing.T) {
	tests := []struct {
		shape   []int64
		want    int
		wantErr bool
	}{
		{shape: nil, want: 1},
		{shape: []int64{2, 3, 4}, want: 24},
		{shape: []int64{5, 0, 7}, want: 0},
		{shape: []int64{2, -1}, wantErr: true},
		{shape: []int64{1 << 40, 1 << 40}, wantErr: true},
	}

	for _, tt := range tests {
		got, err := shapeElemCount(tt.shape)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("shapeElemCount(%v) = %d, %v", tt.shape, got, err)
		}
	}
}

func TestNormalizeDim(t *testing.T) {
	tests := []struct {
		dim, rank, want int
		wantErr         bool
	}{
		{dim: 0, rank: 3, want: 0},
		{dim: -1, rank: 3, want: 2},
		{dim: -3, rank: 3, want: 0},
		{dim: 3, rank: 3, wantErr: true},
		{dim: -4, rank: 3, wantErr: true},
		{dim: 0, rank: 0, wantErr: true},
	}

	for _, tt := range tests {
		got, err := normalizeDim(tt.dim, tt.rank)
		if (err != nil) != tt.wantErr || (err == nil && got != tt.want) {
			t.Errorf("normalizeDim(%d, %d) = %d, %v", tt.dim, tt.rank, got, err)
		}
	}
}

func TestStrides(t *testing.T) {
	if got := contiguousStrides([]int64{2, 3, 4}); !slices.Equal(got, []int64{12, 4, 1}) {
		t.Fatalf("contiguousStrides = %v", got)
	}

	if got := broadcastStrides([]int64{3, 1}, 3); !slices.Equal(got, []int64{0, 1, 0}) {
		t.Fatalf("broadcastStrides = %v", got)
	}
}

func TestBroadcastShape(t *testing.T) {
	tests := []struct {
		a, b, want []int64
	}{
		{a: []int64{2, 3}, b: []int64{3}, want: []int64{2, 3}},
		{a: []int64{4, 1, 5}, b: []int64{3, 1}, want: []int64{4, 3, 5}},
		{a: nil, b: []int64{2}, want: []int64{2}},
		{a: []int64{2, 3}, b: []int64{4}},
	}

	for _, tt := range tests {
		got, err := broadcastShape(tt.a, tt.b)
		if tt.want == nil {
			if err == nil {
				t.Errorf("broadcastShape(%v, %v) should fail", tt.a, tt.b)
			}

			continue
		}

		if err != nil || !slices.Equal(got, tt.want) {
			t.Errorf("broadcastShape(%v, %v) = %v, %v", tt.a, tt.b, got, err)
		}
	}
}

func TestWalkVisitsRowMajor(t *testing.T) {
	shape := []int64{2, 3}
	var linear, swapped []int64

	walk(shape, func(i int, offs []int64) {
		if int64(i) != offs[0] {
			t.Fatalf("index %d has contiguous offset %d", i, offs[0])
		}

		linear = append(linear, offs[0])
		swapped = append(swapped, offs[1])
	}, contiguousStrides(shape), []int64{1, 2})

	if !slices.Equal(swapped, []int64{0, 2, 4, 1, 3, 5}) || len(linear) != 6 {
		t.Fatalf("swapped offsets = %v", swapped)
	}

	calls := 0
	walk(nil, func(int, []int64) { calls++ })
	walk([]int64{3, 0}, func(int, []int64) { calls += 10 })

	if calls != 1 {
		t.Fatalf("scalar and empty walks made %d calls, want 1", calls)
	}
}
