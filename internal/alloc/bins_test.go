package alloc

import "testing"

func TestBinSizes_StrictlyIncreasing(t *testing.T) {
	for i := 1; i < binCount; i++ {
		if binSizes[i] <= binSizes[i-1] {
			t.Fatalf("binSizes[%d]=%d is not strictly greater than binSizes[%d]=%d", i, binSizes[i], i-1, binSizes[i-1])
		}
	}
}

func TestBinSizes_FineBinsAreSpacedBy32(t *testing.T) {
	for i := 0; i < fineBinCount; i++ {
		want := uint64(fineBinStep * (i + 1))
		if binSizes[i] != want {
			t.Fatalf("binSizes[%d] = %d, want %d", i, binSizes[i], want)
		}
	}
}

func TestBinSizes_LastBinIsCoarseBinLast(t *testing.T) {
	if binSizes[binCount-1] != coarseBinLast {
		t.Fatalf("last bin size = %d, want %d", binSizes[binCount-1], coarseBinLast)
	}
}

func TestMinimumBinSizeIndex_ExactFineMatch(t *testing.T) {
	idx := minimumBinSizeIndex(fineBinStep * 5)
	if binSizes[idx] != fineBinStep*5 {
		t.Fatalf("expected exact match bin for %d, got bin %d (%d)", fineBinStep*5, idx, binSizes[idx])
	}
}

func TestMinimumBinSizeIndex_OversizeClampsToLastBin(t *testing.T) {
	idx := minimumBinSizeIndex(coarseBinLast * 10)
	if idx != binCount-1 {
		t.Fatalf("expected an oversize request to clamp to the last bin, got %d", idx)
	}
}

func TestMinimumBinSizeIndex_ZeroMapsToFirstBin(t *testing.T) {
	if idx := minimumBinSizeIndex(0); idx != 0 {
		t.Fatalf("minimumBinSizeIndex(0) = %d, want 0", idx)
	}
}
