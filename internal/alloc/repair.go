package alloc

import (
	"encoding/binary"

	"github.com/ponysql/ponystore/internal/bufman"
	"github.com/ponysql/ponystore/internal/journal"
	"github.com/ponysql/ponystore/internal/logx"
	"github.com/ponysql/ponystore/internal/ponyerr"
)

// repairBudget is spec.md's initial max_repairs for open_scan_and_fix.
const repairBudget = 20

// minBoundarySize is the repair scan's own validity floor for a header
// or footer value — spec.md §6 gives this as the general boundary-tag
// constraint ("multiple of 8, >= 24"); Allocate's own >= 32 floor is a
// stricter, allocation-time-only rule on top of it.
const minBoundarySize = 24

// proposal is one (ptr, size) region the repair scan decided to treat as
// a single coalesced area, relative to the start of the data area.
type proposal struct {
	ptr  int64
	size uint64
}

// Repair implements spec.md §4.6's open_scan_and_fix: a bounded
// depth-first scan of the data area that detects header/footer
// boundary-tag mismatches left by a crash the journal never covered
// (e.g. pre-journal data), proposes merged free regions to paper over
// them, rebuilds every bin from scratch by walking the repaired area,
// and finally opens the store normally.
func Repair(sys *journal.System, mgr *bufman.Manager, resourceName string, maxSliceSize int64, logger logx.Logger) (*Store, error) {
	if logger == nil {
		logger = logx.Nop
	}
	r, err := sys.OpenResource(resourceName, maxSliceSize)
	if err != nil {
		return nil, err
	}
	size := int64(r.GetSize())
	if size < dataAreaOffset {
		return Open(sys, mgr, resourceName, maxSliceSize, logger)
	}

	var magicBuf [4]byte
	if _, err := mgr.ReadBytes(resourceName, magicOffset, magicBuf[:]); err != nil {
		return nil, err
	}
	if binary.BigEndian.Uint32(magicBuf[:]) != magicValue {
		return nil, ponyerr.Corrupt("alloc: bad magic in %q, cannot repair", resourceName)
	}

	buf := make([]byte, size-dataAreaOffset)
	if _, err := mgr.ReadBytes(resourceName, dataAreaOffset, buf); err != nil {
		return nil, err
	}

	props, _ := repairSegment(buf, 0, int64(len(buf)), repairBudget, true)

	for _, p := range props {
		if err := writeFreeAreaAt(mgr, resourceName, dataAreaOffset+p.ptr, p.size); err != nil {
			return nil, err
		}
	}

	ff := make([]byte, binTableSize)
	for i := range ff {
		ff[i] = 0xFF
	}
	if err := mgr.WriteBytes(resourceName, binTableOffset, ff); err != nil {
		return nil, err
	}

	if err := rebuildBins(mgr, resourceName, size); err != nil {
		return nil, err
	}

	logger.Info("alloc: repaired %d region(s) in %q (budget %d)", len(props), resourceName, repairBudget)

	return Open(sys, mgr, resourceName, maxSliceSize, logger)
}

func writeFreeAreaAt(mgr *bufman.Manager, resourceName string, ptr int64, size uint64) error {
	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[:], (size&sizeMask)|freeBit)
	if err := mgr.WriteBytes(resourceName, ptr, hdr[:]); err != nil {
		return err
	}
	var ftr [8]byte
	binary.BigEndian.PutUint64(ftr[:], size&sizeMask)
	return mgr.WriteBytes(resourceName, ptr+int64(size)-8, ftr[:])
}

// rebuildBins walks the now-internally-consistent data area end to end,
// adding every free area (the wilderness excepted) back into its bin.
func rebuildBins(mgr *bufman.Manager, resourceName string, size int64) error {
	cursor := int64(dataAreaOffset)
	for cursor < size {
		var raw [8]byte
		if _, err := mgr.ReadBytes(resourceName, cursor, raw[:]); err != nil {
			return err
		}
		v := binary.BigEndian.Uint64(raw[:])
		areaSize := v & sizeMask
		free := v&freeBit != 0
		if areaSize < minBoundarySize || cursor+int64(areaSize) > size {
			return ponyerr.Corrupt("alloc: repaired area at %d still inconsistent (size %d)", cursor, areaSize)
		}
		if free && cursor+int64(areaSize) != size {
			if err := rebuildAddToBinChain(mgr, resourceName, cursor, areaSize); err != nil {
				return err
			}
		}
		cursor += int64(areaSize)
	}
	return nil
}

// rebuildAddToBinChain is addToBinChain's logic against a *bufman.Manager
// directly, for use before a *Store exists (Repair runs ahead of Open).
func rebuildAddToBinChain(mgr *bufman.Manager, resourceName string, ptr int64, size uint64) error {
	idx := minimumBinSizeIndex(size)
	headRaw, err := readU64At(mgr, resourceName, binTableOffset+int64(idx)*8)
	if err != nil {
		return err
	}
	head := int64(headRaw)

	prev := sentinelPtr
	cur := head
	for count := 0; count < 12 && cur != sentinelPtr; count++ {
		var hdr [8]byte
		if _, err := mgr.ReadBytes(resourceName, cur, hdr[:]); err != nil {
			return err
		}
		curSize := binary.BigEndian.Uint64(hdr[:]) & sizeMask
		if curSize >= size {
			break
		}
		prev = cur
		next, err := readU64At(mgr, resourceName, cur+linkFieldOffset)
		if err != nil {
			return err
		}
		cur = int64(next)
	}

	if err := writeFreeAreaHeaderOnly(mgr, resourceName, ptr, size); err != nil {
		return err
	}
	if err := writeU64At(mgr, resourceName, ptr+linkFieldOffset, uint64(cur)); err != nil {
		return err
	}
	if prev == sentinelPtr {
		return writeU64At(mgr, resourceName, binTableOffset+int64(idx)*8, uint64(ptr))
	}
	return writeU64At(mgr, resourceName, prev+linkFieldOffset, uint64(ptr))
}

func writeFreeAreaHeaderOnly(mgr *bufman.Manager, resourceName string, ptr int64, size uint64) error {
	return writeU64At(mgr, resourceName, ptr, (size&sizeMask)|freeBit)
}

func readU64At(mgr *bufman.Manager, resourceName string, pos int64) (uint64, error) {
	var buf [8]byte
	if _, err := mgr.ReadBytes(resourceName, pos, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func writeU64At(mgr *bufman.Manager, resourceName string, pos int64, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return mgr.WriteBytes(resourceName, pos, buf[:])
}

// --- in-memory repair scan over buf, a copy of [dataAreaOffset, end) ---

func maskedU64(buf []byte, pos int64) uint64 {
	return binary.BigEndian.Uint64(buf[pos:pos+8]) & sizeMask
}

// validBoundarySize reads and validates a candidate header/footer value
// at pos: a multiple of 8, >= minBoundarySize, and fitting within
// [pos, end).
func validBoundarySize(buf []byte, pos, end int64) (uint64, bool) {
	if pos < 0 || pos+8 > int64(len(buf)) {
		return 0, false
	}
	v := maskedU64(buf, pos)
	if v%8 != 0 || v < minBoundarySize || pos+int64(v) > end {
		return 0, false
	}
	return v, true
}

// repairSegment is spec.md §4.6's open_scan_and_fix recursive core, over
// the half-open byte range [p, end) of buf.
func repairSegment(buf []byte, p, end int64, budget int, scanForward bool) ([]proposal, bool) {
	if p == end {
		return nil, true
	}
	if props, ok := tryHeaderTail(buf, p, end, budget); ok {
		return props, true
	}
	if props, ok := tryStub(buf, p, end, budget, scanForward); ok {
		return props, true
	}
	if scanForward {
		return repairSegment(buf, p, end, budget, false)
	}
	return []proposal{{p, uint64(end - p)}}, true
}

// tryHeaderTail covers steps 2-4: validate the head size at p, then
// either confirm it against the tail at p+H-8 and walk the rest of the
// segment verifying every subsequent tag (recovering at the first
// mismatch), or — if head and tail disagree — hypothesise the head is
// correct and recurse past it.
func tryHeaderTail(buf []byte, p, end int64, budget int) ([]proposal, bool) {
	H, ok := validBoundarySize(buf, p, end)
	if !ok {
		return nil, false
	}
	if p+int64(H)-8 < 0 || p+int64(H) > int64(len(buf)) {
		return nil, false
	}
	T := maskedU64(buf, p+int64(H)-8)
	if H == T {
		return iterativeWalk(buf, p, end, budget)
	}
	if budget <= 0 {
		return nil, false
	}
	rest, ok := repairSegment(buf, p+int64(H), end, budget-1, true)
	if !ok {
		return nil, false
	}
	return append([]proposal{{p, H}}, rest...), true
}

// iterativeWalk verifies head==tail area by area from p to end without
// recursing on the happy path; on the first mismatch it recovers by
// repairing just the remaining sub-segment.
func iterativeWalk(buf []byte, p, end int64, budget int) ([]proposal, bool) {
	cursor := p
	for cursor < end {
		size, ok := validBoundarySize(buf, cursor, end)
		if ok {
			tail := maskedU64(buf, cursor+int64(size)-8)
			if tail == size {
				cursor += int64(size)
				continue
			}
		}
		if budget <= 0 {
			return nil, false
		}
		return repairSegment(buf, cursor, end, budget-1, true)
	}
	return nil, true
}

// tryStub is step 6: look for a plausible stub-area footer a fixed
// offset away from one end of the segment, propose the implied area,
// and recurse on whatever is left. scanForward searches forward from p
// (offset i bytes in, footer value == i+8); otherwise it searches
// backward from end (mirrored: a candidate header at end-i-8 whose
// value equals i+8). Which direction tryStub searches is exactly
// spec.md §4.6 step 5's scan_forward flag; the intermediate candidate
// order within a direction is this implementation's own choice, since
// spec.md does not pin one down.
func tryStub(buf []byte, p, end int64, budget int, scanForward bool) ([]proposal, bool) {
	if budget <= 0 {
		return nil, false
	}
	if scanForward {
		for i := int64(16); p+i+8 <= end; i += 8 {
			if maskedU64(buf, p+i) != uint64(i+8) {
				continue
			}
			rest, ok := repairSegment(buf, p+i+8, end, budget-1, true)
			if !ok {
				continue
			}
			return append([]proposal{{p, uint64(i + 8)}}, rest...), true
		}
		return nil, false
	}
	for i := int64(16); p+i+8 <= end; i += 8 {
		q := end - i - 8
		if q < p || maskedU64(buf, q) != uint64(i+8) {
			continue
		}
		prefix, ok := repairSegment(buf, p, q, budget-1, false)
		if !ok {
			continue
		}
		return append(prefix, proposal{q, uint64(i + 8)}), true
	}
	return nil, false
}
