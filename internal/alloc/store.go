// Package alloc implements AllocatingStore, spec.md §4.6: a bin-based
// best-fit allocator over a single journalled resource. Areas are
// boundary-tagged (an 8-byte header and footer bracket each region, high
// bit marking free), grouped into 128 size-class free bins plus a
// "wilderness" tail region that absorbs growth, with a depth-bounded
// structural repair pass for crash recovery outside the journal's reach.
//
// All header, bin-table and area I/O goes through a bufman.Manager
// (spec.md's "write_byte_to_PT forwards to BufferManager"), so every
// mutation participates in checkpointing the same way page writes do;
// AllocatingStore itself only adds the free-space bookkeeping on top.
package alloc

import (
	"encoding/binary"
	"sync"

	"github.com/ponysql/ponystore/internal/bufman"
	"github.com/ponysql/ponystore/internal/journal"
	"github.com/ponysql/ponystore/internal/logx"
	"github.com/ponysql/ponystore/internal/ponyerr"
)

const (
	magicValue   uint32 = 0x00A7A7AE
	versionValue uint32 = 1

	magicOffset    = 0
	versionOffset  = 4
	reservedOffset = 8
	statusOffset   = 16

	fixedAreaOffset = 128
	fixedAreaSize   = 64

	binTableOffset = 256
	binTableSize   = binCount * 8 // 1024 bytes, spec.md's "1024-byte reserved band"

	// dataAreaOffset = 256 + 1024 + 32, per spec.md §3.
	dataAreaOffset = binTableOffset + binTableSize + 32

	minAreaSize = 32
	areaOverhead = 16 // 8-byte header + 8-byte footer

	splitThreshold           = 512
	wildernessSplitThreshold = 32

	growOverGrowFloor = 1024
	growOverGrowCap   = 262144
	growOverGrowDiv   = 64

	linkFieldOffset = 8 // within an area, overwriting don't-care user bytes while free

	freeBit  = uint64(1) << 63
	sizeMask = freeBit - 1

	sentinelPtr = int64(-1)
)

// AreaID identifies a live area by the byte offset of its header, except
// for FixedAreaID which denotes the 64-byte fixed area at offset 128 that
// has no boundary tags of its own.
type AreaID int64

// FixedAreaID is the special id = -1 mapping to the store's fixed area.
const FixedAreaID AreaID = -1

// Store is an AllocatingStore bound to one journalled resource.
type Store struct {
	mu sync.Mutex

	sys          *journal.System
	mgr          *bufman.Manager
	resourceName string
	resource     *journal.Resource
	logger       logx.Logger

	wildernessPtr        int64 // sentinelPtr when none
	totalAllocatedSpace  uint64
	dirtyOpen            bool
	dataAreaEnd          int64
}

// Open opens (or, if the resource is too small, initializes) the store
// named resourceName within sys/mgr. maxSliceSize is forwarded to the
// underlying scattering file accessor on first open.
func Open(sys *journal.System, mgr *bufman.Manager, resourceName string, maxSliceSize int64, logger logx.Logger) (*Store, error) {
	if logger == nil {
		logger = logx.Nop
	}
	r, err := sys.OpenResource(resourceName, maxSliceSize)
	if err != nil {
		return nil, err
	}
	s := &Store{
		sys:           sys,
		mgr:           mgr,
		resourceName:  resourceName,
		resource:      r,
		logger:        logger,
		wildernessPtr: sentinelPtr,
	}

	size := int64(r.GetSize())
	if size < dataAreaOffset {
		if err := s.initializeToEmpty(); err != nil {
			return nil, err
		}
		return s, nil
	}

	if err := s.openExisting(size); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initializeToEmpty() error {
	if err := s.sys.SetResourceSize(s.resourceName, uint64(dataAreaOffset)); err != nil {
		return err
	}
	s.dataAreaEnd = dataAreaOffset

	if err := s.writeU32(magicOffset, magicValue); err != nil {
		return err
	}
	if err := s.writeU32(versionOffset, versionValue); err != nil {
		return err
	}
	if err := s.writeU64(reservedOffset, ^uint64(0)); err != nil {
		return err
	}
	if err := s.writeByte(statusOffset, 0); err != nil {
		return err
	}

	// The bin table's 1024 bytes are filled with 0xFF, which read back as
	// 128 all-ones u64s — exactly the -1 "empty" sentinel every bin head
	// needs, so no per-entry initialization loop is required.
	ff := make([]byte, binTableSize)
	for i := range ff {
		ff[i] = 0xFF
	}
	if err := s.mgr.WriteBytes(s.resourceName, binTableOffset, ff); err != nil {
		return err
	}
	pad := make([]byte, dataAreaOffset-(binTableOffset+binTableSize))
	if err := s.mgr.WriteBytes(s.resourceName, binTableOffset+binTableSize, pad); err != nil {
		return err
	}

	s.dirtyOpen = false
	s.wildernessPtr = sentinelPtr
	s.totalAllocatedSpace = 0
	return nil
}

func (s *Store) openExisting(size int64) error {
	magic, err := s.readU32(magicOffset)
	if err != nil {
		return err
	}
	if magic != magicValue {
		return ponyerr.Corrupt("alloc: bad magic %#x in %q", magic, s.resourceName)
	}
	version, err := s.readU32(versionOffset)
	if err != nil {
		return err
	}
	if version != versionValue {
		return ponyerr.Corrupt("alloc: unsupported version %d in %q", version, s.resourceName)
	}
	status, err := s.readByte(statusOffset)
	if err != nil {
		return err
	}
	s.dirtyOpen = status == 1
	if err := s.writeByte(statusOffset, 1); err != nil {
		return err
	}

	s.dataAreaEnd = size
	s.wildernessPtr = sentinelPtr
	if size > dataAreaOffset {
		footerSize, err := s.readU64(size - 8)
		if err != nil {
			return err
		}
		headerPtr := size - int64(footerSize)
		if headerPtr < dataAreaOffset || headerPtr > size-8 {
			return ponyerr.Corrupt("alloc: trailing area header %d out of range in %q", headerPtr, s.resourceName)
		}
		hSize, hFree, err := s.readAreaHeader(headerPtr)
		if err != nil {
			return err
		}
		if hSize != footerSize {
			return ponyerr.Corrupt("alloc: trailing area header/footer mismatch in %q", s.resourceName)
		}
		if hFree {
			s.wildernessPtr = headerPtr
		}
	}

	// total_allocated_space is a running session stat, not reconstructed
	// by walking every live area on a plain open (spec.md's Open never
	// describes recomputing it); it starts at zero and counts only this
	// session's allocations and frees. Repair also ends with Open, so it
	// is zero after a repair pass too.
	s.totalAllocatedSpace = 0
	return nil
}

// Close marks the store cleanly closed and releases the backing resource.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeByte(statusOffset, 0); err != nil {
		return err
	}
	return s.resource.Close()
}

// LastCloseClean reports whether the store was closed cleanly the
// previous time it was open (spec.md §7's last_close_clean).
func (s *Store) LastCloseClean() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.dirtyOpen
}

// TotalAllocatedSpace returns the running total of bytes handed out by
// Allocate and not yet returned via Free, for this session.
func (s *Store) TotalAllocatedSpace() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalAllocatedSpace
}

// Stats is a read-only diagnostic snapshot of the store, the direct
// analogue of tinySQL's PageBackend stats counters (syncCount, loadCount,
// evictionCount in internal/storage/pager/backend.go) applied to an
// allocator instead of a page cache.
type Stats struct {
	DataAreaSize        int64
	TotalAllocatedSpace uint64
	WildernessSize       uint64
	BinOccupancy         [binCount]int
}

// Stats walks the bin table (not the data area) to report per-bin chain
// lengths and the current wilderness size.
func (s *Store) Stats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out Stats
	out.DataAreaSize = s.dataAreaEnd
	out.TotalAllocatedSpace = s.totalAllocatedSpace

	if s.wildernessPtr != sentinelPtr {
		wSize, _, err := s.readAreaHeader(s.wildernessPtr)
		if err != nil {
			return Stats{}, err
		}
		out.WildernessSize = wSize
	}

	for i := 0; i < binCount; i++ {
		head, err := s.getBinHead(i)
		if err != nil {
			return Stats{}, err
		}
		count := 0
		cur := head
		for cur != sentinelPtr {
			count++
			cur, err = s.readLink(cur)
			if err != nil {
				return Stats{}, err
			}
		}
		out.BinOccupancy[i] = count
	}
	return out, nil
}

// AllocatedAreas walks every boundary tag in the data area, from
// dataAreaOffset to the current end of the data area, and returns the
// header offset (AreaID) of each allocated (non-free) region, in
// on-disk order. This is the enumeration spec.md's end-to-end scenarios
// call getAllAreas(): the set that must be empty once every area has
// been freed, and the set repair must leave unchanged.
func (s *Store) AllocatedAreas() ([]AreaID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []AreaID
	ptr := int64(dataAreaOffset)
	for ptr < s.dataAreaEnd {
		size, free, err := s.readAreaHeader(ptr)
		if err != nil {
			return nil, err
		}
		if size < areaOverhead {
			return nil, ponyerr.Corrupt("alloc: area header at %d reports impossible size %d", ptr, size)
		}
		if !free {
			ids = append(ids, AreaID(ptr))
		}
		ptr += int64(size)
	}
	if ptr != s.dataAreaEnd {
		return nil, ponyerr.Corrupt("alloc: area walk overran data area end (%d != %d)", ptr, s.dataAreaEnd)
	}
	return ids, nil
}

// --- byte-level I/O helpers, all routed through the buffer manager ---

func (s *Store) readU64(pos int64) (uint64, error) {
	var buf [8]byte
	if _, err := s.mgr.ReadBytes(s.resourceName, pos, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func (s *Store) writeU64(pos int64, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return s.mgr.WriteBytes(s.resourceName, pos, buf[:])
}

func (s *Store) readU32(pos int64) (uint32, error) {
	var buf [4]byte
	if _, err := s.mgr.ReadBytes(s.resourceName, pos, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func (s *Store) writeU32(pos int64, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return s.mgr.WriteBytes(s.resourceName, pos, buf[:])
}

func (s *Store) readByte(pos int64) (byte, error) {
	return s.mgr.ReadByte(s.resourceName, pos)
}

func (s *Store) writeByte(pos int64, v byte) error {
	return s.mgr.WriteByte(s.resourceName, pos, v)
}

// readAreaHeader reads the boundary tag at ptr, splitting out the free
// flag (bit 63) from the size (bits 62..0).
func (s *Store) readAreaHeader(ptr int64) (size uint64, free bool, err error) {
	raw, err := s.readU64(ptr)
	if err != nil {
		return 0, false, err
	}
	return raw & sizeMask, raw&freeBit != 0, nil
}

func (s *Store) writeAreaHeader(ptr int64, size uint64, free bool) error {
	raw := size & sizeMask
	if free {
		raw |= freeBit
	}
	return s.writeU64(ptr, raw)
}

// writeAreaFooter stores the plain size (no free flag) at an area's last
// 8 bytes.
func (s *Store) writeAreaFooter(ptr int64, size uint64) error {
	return s.writeU64(ptr+int64(size)-8, size&sizeMask)
}

func (s *Store) readLink(ptr int64) (int64, error) {
	v, err := s.readU64(ptr + linkFieldOffset)
	if err != nil {
		return 0, err
	}
	return int64(v), nil
}

func (s *Store) writeLink(ptr int64, next int64) error {
	return s.writeU64(ptr+linkFieldOffset, uint64(next))
}

func roundUp8(n uint64) uint64 {
	return (n + 7) &^ 7
}

// overGrow implements spec.md's expand_data_area over-grow heuristic:
// end_of_data_area/64 rounded up, capped at 262144, floored at 1024.
func overGrow(currentEnd int64) uint64 {
	raw := uint64(currentEnd) / growOverGrowDiv
	if uint64(currentEnd)%growOverGrowDiv != 0 {
		raw++
	}
	if raw < growOverGrowFloor {
		raw = growOverGrowFloor
	}
	if raw > growOverGrowCap {
		raw = growOverGrowCap
	}
	return raw
}
