// Package bufman implements BufferManager, spec.md §4.4: a fixed-count,
// weighted-eviction page cache sitting on top of a journal.System. Page
// content only lives in memory while at least one caller holds it
// pinned; idle frames keep their access statistics (for eviction
// weighting) but release their buffer until pinned again.
package bufman

import (
	"sync"

	"github.com/ponysql/ponystore/internal/journal"
	"github.com/ponysql/ponystore/internal/ponyerr"
)

// bucketCount is the size of the page-frame hash table, mirroring
// journal.Resource's own 257-slot bucket chains (spec.md §4.4).
const bucketCount = 257

// evictFraction and minEvict bound how much of the page list is dropped
// when current_page_count exceeds max_pages: the highest-weight 20% (but
// never fewer than minEvict pages when eviction triggers at all).
const evictFraction = 0.20
const minEvict = 2

// accessCountCap bounds the denominator in the eviction weight formula
// w(p) = (1/min(access_count,10000)) * (current_T - p.t): a page cannot
// earn unlimited protection from being read often.
const accessCountCap = 10000

// pageKey identifies a cached page: one resource's one page number.
type pageKey struct {
	resource string
	page     uint64
}

func (k pageKey) bucket() int {
	h := uint64(2166136261)
	for i := 0; i < len(k.resource); i++ {
		h = (h ^ uint64(k.resource[i])) * 16777619
	}
	h ^= k.page
	h *= 16777619
	return int(h % bucketCount)
}

// frame is one cached page: spec.md §4.4's per-page state (buffer, dirty
// range, reference count, access-count, last-access time t).
type frame struct {
	mu sync.Mutex // per-page monitor: serializes operations on this page

	key pageKey
	buf []byte

	dirty    bool
	dirtyOff int
	dirtyEnd int // exclusive

	refCount    int
	t           uint64
	accessCount uint64

	bucketNext *frame // hash-chain link
}

func (f *frame) markDirty(off, n int) {
	end := off + n
	if !f.dirty {
		f.dirty = true
		f.dirtyOff = off
		f.dirtyEnd = end
		return
	}
	if off < f.dirtyOff {
		f.dirtyOff = off
	}
	if end > f.dirtyEnd {
		f.dirtyEnd = end
	}
}

// Manager is a BufferManager: a cache of up to maxPages pages drawn from
// any number of journalled resources, all ultimately backed by the same
// journal.System.
type Manager struct {
	sys      *journal.System
	pageSize uint64
	maxPages int

	mapMu   sync.Mutex
	buckets [bucketCount]*frame

	tMu              sync.Mutex
	currentT         uint64
	pageList         []*frame
	currentPageCount int

	writeMu              sync.Mutex
	writeCond            *sync.Cond
	writeLockCount       int
	checkpointInProgress bool
}

// New creates a BufferManager over sys, addressing pages of pageSize
// bytes and caching at most maxPages of them.
func New(sys *journal.System, pageSize uint64, maxPages int) *Manager {
	if maxPages < minEvict {
		maxPages = minEvict
	}
	m := &Manager{sys: sys, pageSize: pageSize, maxPages: maxPages}
	m.writeCond = sync.NewCond(&m.writeMu)
	return m
}

// LockForWrite waits while a checkpoint is in progress, then registers
// the caller as an active writer. Any page mutation must be bracketed by
// a write-lock held by some thread (spec.md §4.4).
func (m *Manager) LockForWrite() {
	m.writeMu.Lock()
	for m.checkpointInProgress {
		m.writeCond.Wait()
	}
	m.writeLockCount++
	m.writeMu.Unlock()
}

// UnlockForWrite releases a write-lock obtained via LockForWrite.
func (m *Manager) UnlockForWrite() {
	m.writeMu.Lock()
	m.writeLockCount--
	m.writeCond.Broadcast()
	m.writeMu.Unlock()
}

// pin looks up or creates the frame for key, bumping its reference
// count, then reports the access to the clock/eviction bookkeeping
// outside the map lock.
func (m *Manager) pin(key pageKey) *frame {
	b := key.bucket()

	m.mapMu.Lock()
	var f *frame
	for n := m.buckets[b]; n != nil; n = n.bucketNext {
		if n.key == key {
			f = n
			break
		}
	}
	created := f == nil
	if created {
		f = &frame{key: key, bucketNext: m.buckets[b]}
		m.buckets[b] = f
	}
	// refCount and the buffer/dirty state it gates are both owned by
	// f.mu from here on, so a concurrent release's flush can never be
	// undone by a pin that reuses the frame before the flush completes.
	f.mu.Lock()
	wasIdle := f.refCount == 0
	f.refCount++
	if wasIdle && !created {
		f.buf = nil
		f.dirty = false
	}
	f.mu.Unlock()
	m.mapMu.Unlock()

	if created {
		m.pageCreated(f)
	} else {
		m.pageAccessed(f)
	}
	return f
}

func (m *Manager) pageAccessed(f *frame) {
	m.tMu.Lock()
	m.currentT++
	f.t = m.currentT
	f.accessCount++
	m.tMu.Unlock()
}

func (m *Manager) pageCreated(f *frame) {
	m.tMu.Lock()
	m.currentT++
	f.t = m.currentT
	f.accessCount++
	m.currentPageCount++
	m.pageList = append(m.pageList, f)
	overflow := m.currentPageCount > m.maxPages
	var toEvict []*frame
	if overflow {
		toEvict = m.selectEvictionsLocked()
	}
	m.tMu.Unlock()

	for _, victim := range toEvict {
		_ = m.disposeForEviction(victim)
	}
}

// selectEvictionsLocked must be called with tMu held. It snapshots
// page_list, sorts by ascending eviction weight
// w(p) = (1/min(access_count,10000)) * (current_T - p.t), and returns
// the highest-weight (coldest) 20%, the tail of that order (minimum
// minEvict), for disposal, rebuilding
// page_list to exclude them.
// A currently pinned frame is never a candidate: evicting it would tear
// its buffer out from under whatever holds the pin (tinySQL's
// evictOne does the same — "the least-recently-used unpinned page").
func (m *Manager) selectEvictionsLocked() []*frame {
	var snapshot []*frame
	for _, f := range m.pageList {
		f.mu.Lock()
		pinned := f.refCount > 0
		f.mu.Unlock()
		if !pinned {
			snapshot = append(snapshot, f)
		}
	}
	if len(snapshot) == 0 {
		return nil
	}

	weight := func(f *frame) float64 {
		ac := f.accessCount
		if ac == 0 {
			ac = 1
		}
		if ac > accessCountCap {
			ac = accessCountCap
		}
		age := float64(m.currentT - f.t)
		return (1.0 / float64(ac)) * age
	}

	sortByWeight(snapshot, weight)

	count := int(float64(len(snapshot)) * evictFraction)
	if count < minEvict {
		count = minEvict
	}
	if count > len(snapshot) {
		count = len(snapshot)
	}
	// snapshot is sorted ascending by weight, so the lowest-weight
	// (hottest, most-valuable) pages are at the front; the highest-weight
	// (coldest) ones — the ones spec.md says to evict — are the tail.
	victims := snapshot[len(snapshot)-count:]

	victimSet := make(map[*frame]bool, len(victims))
	for _, v := range victims {
		victimSet[v] = true
	}
	kept := m.pageList[:0:0]
	for _, f := range m.pageList {
		if !victimSet[f] {
			kept = append(kept, f)
		}
	}
	m.pageList = kept
	m.currentPageCount = len(kept)

	return victims
}

func sortByWeight(fs []*frame, weight func(*frame) float64) {
	for i := 1; i < len(fs); i++ {
		for j := i; j > 0 && weight(fs[j-1]) > weight(fs[j]); j-- {
			fs[j-1], fs[j] = fs[j], fs[j-1]
		}
	}
}

// disposeForEviction flushes and releases a page chosen for eviction,
// then unlinks it from its hash bucket entirely — unlike a normal
// release, an evicted page is forgotten, not kept idle.
func (m *Manager) disposeForEviction(f *frame) error {
	if err := m.flush(f); err != nil {
		return err
	}

	b := f.key.bucket()
	m.mapMu.Lock()
	var prev *frame
	for n := m.buckets[b]; n != nil; n = n.bucketNext {
		if n == f {
			if prev == nil {
				m.buckets[b] = n.bucketNext
			} else {
				prev.bucketNext = n.bucketNext
			}
			break
		}
		prev = n
	}
	m.mapMu.Unlock()
	return nil
}

// release decrements a page's reference count; when it reaches zero the
// dirty range is flushed and the buffer released, but the frame itself
// (and its access statistics) stays resident for reuse. The decrement
// and the snapshot-for-flush happen under one f.mu critical section so a
// concurrent pin can never observe refCount==0 and reset the buffer in
// between — it would either see the still-positive count (pre-decrement)
// or the already-cleared buffer (post-flush).
func (m *Manager) release(f *frame) error {
	f.mu.Lock()
	f.refCount--
	var resource string
	var page uint64
	var off uint32
	var data []byte
	if f.refCount == 0 && f.buf != nil {
		if f.dirty {
			off = uint32(f.dirtyOff)
			data = make([]byte, f.dirtyEnd-f.dirtyOff)
			copy(data, f.buf[f.dirtyOff:f.dirtyEnd])
			resource, page = f.key.resource, f.key.page
		}
		f.buf = nil
		f.dirty = false
	}
	f.mu.Unlock()

	if data == nil {
		return nil
	}
	return m.sys.Write(resource, page, data, off)
}

// flush writes out a page's dirty range, if any, without regard to its
// reference count — used by eviction and checkpointing, which must flush
// pages that may still be idle-but-resident or, for eviction, forcibly
// reclaimed regardless of use.
func (m *Manager) flush(f *frame) error {
	f.mu.Lock()
	if f.buf == nil || !f.dirty {
		f.mu.Unlock()
		return nil
	}
	off := uint32(f.dirtyOff)
	data := make([]byte, f.dirtyEnd-f.dirtyOff)
	copy(data, f.buf[f.dirtyOff:f.dirtyEnd])
	resource, page := f.key.resource, f.key.page
	f.dirty = false
	f.buf = nil
	f.mu.Unlock()

	return m.sys.Write(resource, page, data, off)
}

// ensureLoaded lazily allocates a page's buffer and fills it from the
// journalled resource on first access since creation or since it was
// last released.
func (m *Manager) ensureLoaded(f *frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buf != nil {
		return nil
	}
	buf := make([]byte, m.pageSize)
	if _, err := m.sys.Read(f.key.resource, f.key.page, buf); err != nil {
		return err
	}
	f.buf = buf
	return nil
}

func (m *Manager) pageAndOffset(pos int64) (uint64, int) {
	return uint64(pos) / m.pageSize, int(uint64(pos) % m.pageSize)
}

// ReadBytes copies len(buf) bytes starting at absolute position pos in
// resourceName, which may span multiple pages.
func (m *Manager) ReadBytes(resourceName string, pos int64, buf []byte) (int, error) {
	if err := validatePos(pos); err != nil {
		return 0, err
	}
	n := 0
	for n < len(buf) {
		page, off := m.pageAndOffset(pos + int64(n))
		f := m.pin(pageKey{resourceName, page})
		if err := m.ensureLoaded(f); err != nil {
			m.release(f)
			return n, err
		}
		f.mu.Lock()
		chunk := copy(buf[n:], f.buf[off:])
		f.mu.Unlock()
		if err := m.release(f); err != nil {
			return n, err
		}
		n += chunk
	}
	return n, nil
}

// WriteBytes writes buf starting at absolute position pos in
// resourceName, marking each touched page's dirty range.
func (m *Manager) WriteBytes(resourceName string, pos int64, buf []byte) error {
	if err := validatePos(pos); err != nil {
		return err
	}
	n := 0
	for n < len(buf) {
		page, off := m.pageAndOffset(pos + int64(n))
		f := m.pin(pageKey{resourceName, page})
		if err := m.ensureLoaded(f); err != nil {
			m.release(f)
			return err
		}
		f.mu.Lock()
		chunk := copy(f.buf[off:], buf[n:])
		f.markDirty(off, chunk)
		f.mu.Unlock()
		if err := m.release(f); err != nil {
			return err
		}
		n += chunk
	}
	return nil
}

// ReadByte reads a single byte at absolute position pos.
func (m *Manager) ReadByte(resourceName string, pos int64) (byte, error) {
	var b [1]byte
	if _, err := m.ReadBytes(resourceName, pos, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// WriteByte writes a single byte at absolute position pos.
func (m *Manager) WriteByte(resourceName string, pos int64, value byte) error {
	return m.WriteBytes(resourceName, pos, []byte{value})
}

// SetCheckpoint implements spec.md §4.4's checkpointing sequence:
// block new writers, flush every dirty cached page outright (dropping
// unused ones), hand off to the journal system, then release writers.
func (m *Manager) SetCheckpoint(flushJournals bool) error {
	m.writeMu.Lock()
	for m.writeLockCount > 0 {
		m.writeCond.Wait()
	}
	m.checkpointInProgress = true
	m.writeMu.Unlock()

	defer func() {
		m.writeMu.Lock()
		m.checkpointInProgress = false
		m.writeCond.Broadcast()
		m.writeMu.Unlock()
	}()

	m.mapMu.Lock()
	var allFrames []*frame
	for _, head := range m.buckets {
		for n := head; n != nil; n = n.bucketNext {
			allFrames = append(allFrames, n)
		}
	}
	m.mapMu.Unlock()

	for _, f := range allFrames {
		f.mu.Lock()
		dirty := f.dirty
		f.mu.Unlock()
		if dirty {
			if err := m.flush(f); err != nil {
				return err
			}
		}
		f.mu.Lock()
		unused := f.refCount == 0
		f.mu.Unlock()
		if unused {
			m.unlinkIdle(f)
		}
	}

	return m.sys.Checkpoint(flushJournals)
}

func (m *Manager) unlinkIdle(f *frame) {
	b := f.key.bucket()
	m.mapMu.Lock()
	var prev *frame
	for n := m.buckets[b]; n != nil; n = n.bucketNext {
		if n == f {
			if prev == nil {
				m.buckets[b] = n.bucketNext
			} else {
				prev.bucketNext = n.bucketNext
			}
			break
		}
		prev = n
	}
	m.mapMu.Unlock()

	m.tMu.Lock()
	for i, p := range m.pageList {
		if p == f {
			m.pageList = append(m.pageList[:i], m.pageList[i+1:]...)
			m.currentPageCount--
			break
		}
	}
	m.tMu.Unlock()
}

// PageSize reports the page size this manager addresses resources in.
func (m *Manager) PageSize() uint64 { return m.pageSize }

// validatePos rejects a negative absolute position before ReadBytes or
// WriteBytes turns it into a page/offset pair — pageAndOffset's unsigned
// conversion would otherwise wrap a negative pos into a huge page number
// instead of failing.
func validatePos(pos int64) error {
	if pos < 0 {
		return ponyerr.Invariant("bufman: negative position %d", pos)
	}
	return nil
}
