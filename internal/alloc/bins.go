package alloc

import (
	"math"
	"sort"

	"github.com/ponysql/ponystore/internal/ponyerr"
)

// binCount is the number of on-disk bin-table slots (spec.md §3: "Bin
// table, 128 × u64 pointers"). The first 64 are 32-byte spaced fine
// classes (32..2048); the next 64 are coarser classes from 2144 up to
// 2252832. Bin binCount-1 doubles as the oversize catch-all: spec.md
// §4.6 names it "index 128" in its free_bin_list[128+1] description,
// but with only 128 u64 slots actually persisted (256 + 1024 + 32 =
// 1312 == dataAreaOffset leaves no room for a 129th entry), the largest
// coarse class and the oversize bin are the same physical slot here —
// any size above its target simply has nowhere else to go, which is
// exactly what "oversize" means.
const binCount = 128

const fineBinCount = 64
const fineBinStep = 32 // bytes

const coarseBinCount = binCount - fineBinCount
const coarseBinFirst = 2144
const coarseBinLast = 2252832

// oversizeThreshold mirrors spec.md's explicit "if size > 2252832 use
// the oversize bin" check; it is redundant with binSizes' last entry but
// kept as a named constant since the spec calls it out separately.
const oversizeThreshold = coarseBinLast

// binSizes holds each bin's target (upper) size, spec.md's BIN_SIZES.
// The coarse half is generated by exponential interpolation between the
// two documented endpoints (spec.md gives no closed form for the
// intermediate values, only that they are "coarser" and the two bounds),
// rounded to 8-byte multiples and forced strictly increasing.
var binSizes = buildBinSizes()

func buildBinSizes() [binCount]uint64 {
	var sizes [binCount]uint64
	for i := 0; i < fineBinCount; i++ {
		sizes[i] = uint64(fineBinStep * (i + 1))
	}

	ratio := math.Pow(float64(coarseBinLast)/float64(coarseBinFirst), 1.0/float64(coarseBinCount-1))
	for i := 0; i < coarseBinCount; i++ {
		v := float64(coarseBinFirst) * math.Pow(ratio, float64(i))
		rounded := roundUp8(uint64(v + 0.5))
		idx := fineBinCount + i
		if idx > fineBinCount && rounded <= sizes[idx-1] {
			rounded = sizes[idx-1] + 8
		}
		sizes[idx] = rounded
	}
	sizes[binCount-1] = coarseBinLast
	return sizes
}

// minimumBinSizeIndex returns the smallest bin index whose target size is
// >= size (a binary-search insertion point over binSizes), clamped to the
// last bin — which also serves as the oversize bin — for anything larger
// than every defined class.
func minimumBinSizeIndex(size uint64) int {
	idx := sort.Search(binCount, func(i int) bool { return binSizes[i] >= size })
	if idx >= binCount {
		idx = binCount - 1
	}
	return idx
}

func (s *Store) getBinHead(idx int) (int64, error) {
	v, err := s.readU64(binTableOffset + int64(idx)*8)
	if err != nil {
		return 0, err
	}
	return int64(v), nil
}

func (s *Store) setBinHead(idx int, ptr int64) error {
	return s.writeU64(binTableOffset+int64(idx)*8, uint64(ptr))
}

// addToBinChain implements spec.md §4.6's Free step 7: stamp ptr as free
// with size, then insert it into its bin, walking the first 12 entries
// and keeping that prefix sorted ascending by size; once 12 entries (or
// the chain's end) have been scanned without finding an insertion point,
// ptr is linked in wherever the scan stopped.
func (s *Store) addToBinChain(ptr int64, size uint64) error {
	idx := minimumBinSizeIndex(size)
	head, err := s.getBinHead(idx)
	if err != nil {
		return err
	}

	prev := sentinelPtr
	cur := head
	for count := 0; count < 12 && cur != sentinelPtr; count++ {
		curSize, _, err := s.readAreaHeader(cur)
		if err != nil {
			return err
		}
		if curSize >= size {
			break
		}
		prev = cur
		cur, err = s.readLink(cur)
		if err != nil {
			return err
		}
	}

	if err := s.writeAreaHeader(ptr, size, true); err != nil {
		return err
	}
	if err := s.writeLink(ptr, cur); err != nil {
		return err
	}
	if prev == sentinelPtr {
		return s.setBinHead(idx, ptr)
	}
	return s.writeLink(prev, ptr)
}

// removeFromBinChain unlinks ptr from bin idx, relinking its predecessor
// (or the bin head, if ptr was first) to ptr's successor.
func (s *Store) removeFromBinChain(idx int, ptr int64) error {
	head, err := s.getBinHead(idx)
	if err != nil {
		return err
	}
	if head == ptr {
		next, err := s.readLink(ptr)
		if err != nil {
			return err
		}
		return s.setBinHead(idx, next)
	}
	prev := head
	for prev != sentinelPtr {
		next, err := s.readLink(prev)
		if err != nil {
			return err
		}
		if next == ptr {
			successor, err := s.readLink(ptr)
			if err != nil {
				return err
			}
			return s.writeLink(prev, successor)
		}
		prev = next
	}
	return ponyerr.Corrupt("alloc: area %d not found in bin %d chain", ptr, idx)
}
