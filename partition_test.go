package headersync

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPartitionRange_EvenPartition(t *testing.T) {
	// maxParallelStreams=6, targetBatchSize=10, readHistorical(1, 34) -> total=34, num=round(34/10)=3, per=ceil(34/3)=12.
	got, err := partitionRange(1, 34, 10, 6)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []slice{
		{fromHeight: 1, count: 12},
		{fromHeight: 13, count: 12},
		{fromHeight: 25, count: 10},
	}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(slice{})); diff != "" {
		t.Fatalf("partitionRange mismatch (-want +got):\n%s", diff)
	}
}

func TestPartitionRange_CapByParallelism(t *testing.T) {
	// maxParallelStreams=6, targetBatchSize=10, readHistorical(1, 100) -> 6 opens, sizes [17,17,17,17,17,15].
	got, err := partitionRange(1, 100, 10, 6)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 6 {
		t.Fatalf("expected 6 slices, got %d", len(got))
	}
	wantCounts := []uint32{17, 17, 17, 17, 17, 15}
	for i, s := range got {
		if s.count != wantCounts[i] {
			t.Errorf("slice %d: count = %d, want %d", i, s.count, wantCounts[i])
		}
	}
	var total uint32
	for _, s := range got {
		total += s.count
	}
	if total != 100 {
		t.Errorf("partition totality: sum = %d, want 100", total)
	}
}

func TestPartitionRange_SmallTotal(t *testing.T) {
	// targetBatchSize=10, readHistorical(1, 13) ->
	// total=13 <= 14, one sub-stream (1,13).
	got, err := partitionRange(1, 13, 10, 6)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []slice{{fromHeight: 1, count: 13}}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(slice{})); diff != "" {
		t.Fatalf("partitionRange mismatch (-want +got):\n%s", diff)
	}
}

func TestPartitionRange_InvalidRange(t *testing.T) {
	if _, err := partitionRange(10, 5, 10, 6); err != ErrInvalidRange {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
}

func TestPartitionRange_Totality(t *testing.T) {
	for _, total := range []uint32{1, 2, 13, 14, 15, 34, 100, 1000, 7777} {
		got, err := partitionRange(1, total, 10, 6)
		if err != nil {
			t.Fatalf("total=%d: unexpected error: %v", total, err)
		}
		if len(got) > 6 {
			t.Fatalf("total=%d: %d slices exceeds maxParallelStreams=6", total, len(got))
		}
		var sum uint32
		cursor := uint32(1)
		for _, s := range got {
			if s.fromHeight != cursor {
				t.Fatalf("total=%d: slice starts at %d, want contiguous %d", total, s.fromHeight, cursor)
			}
			if s.count == 0 {
				t.Fatalf("total=%d: zero-size slice", total)
			}
			sum += s.count
			cursor += s.count
		}
		if sum != total {
			t.Fatalf("total=%d: partition totality violated, sum=%d", total, sum)
		}
	}
}
