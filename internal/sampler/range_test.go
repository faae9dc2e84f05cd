package sampler

import (
	"reflect"
	"testing"
)

func TestSplitRange(t *testing.T) {
	got, err := SplitRange(100, 105, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []BlockRange{
		{From: 100, To: 101},
		{From: 102, To: 103},
		{From: 104, To: 105},
	}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ranges mismatch: %+v != %+v", got, want)
	}
}

func TestSplitRangeSingle(t *testing.T) {
	got, err := SplitRange(5, 5, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []BlockRange{{From: 5, To: 5}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ranges mismatch: %+v != %+v", got, want)
	}
}

func TestSplitRangeInvalid(t *testing.T) {
	if _, err := SplitRange(10, 9, 1); err == nil {
		t.Fatalf("expected error for invalid range")
	}
	if _, err := SplitRange(1, 10, 0); err == nil {
		t.Fatalf("expected error for zero batch size")
	}
}

func TestBlocksOnGrid(t *testing.T) {
	cases := []struct {
		r      BlockRange
		origin uint64
		step   uint64
		want   []uint64
	}{
		{BlockRange{From: 100, To: 130}, 100, 10, []uint64{100, 110, 120, 130}},
		{BlockRange{From: 105, To: 129}, 100, 10, []uint64{110, 120}},
		{BlockRange{From: 131, To: 139}, 100, 10, nil},
		{BlockRange{From: 7, To: 9}, 0, 0, []uint64{7, 8, 9}},
	}
	for _, tc := range cases {
		got := tc.r.Blocks(tc.origin, tc.step)
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("blocks %+v step %d: %v != %v", tc.r, tc.step, got, tc.want)
		}
	}
}
