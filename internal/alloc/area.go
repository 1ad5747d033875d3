package alloc

import (
	"encoding/binary"
	"io"

	"github.com/ponysql/ponystore/internal/ponyerr"
)

// copyBufferSize is the intermediate buffer size spec.md's Area handles
// section specifies for copyTo/copyFrom streaming.
const copyBufferSize = 2048

// cursor is the shared positional state behind Reader and Writer:
// spec.md's "a cursor carries start, end, position".
type cursor struct {
	store    *Store
	start    int64
	capacity int64
	pos      int64
}

// Position seeks the cursor to byte offset n within the area; n must
// satisfy 0 <= n < capacity.
func (c *cursor) Position(n int64) error {
	if n < 0 || n >= c.capacity {
		return ponyerr.Invariant("alloc: cursor position %d out of bounds [0,%d)", n, c.capacity)
	}
	c.pos = n
	return nil
}

// Capacity returns the area's usable byte count.
func (c *cursor) Capacity() int64 { return c.capacity }

func (c *cursor) remaining() int64 { return c.capacity - c.pos }

func (c *cursor) advance(n int) error {
	if int64(n) > c.remaining() {
		return ponyerr.Invariant("alloc: area write would exceed capacity %d", c.capacity)
	}
	c.pos += int64(n)
	return nil
}

// Reader is a read-only cursor over a live area, returned by getArea.
type Reader struct {
	cursor
}

func newReader(s *Store, start, capacity int64) *Reader {
	return &Reader{cursor{store: s, start: start, capacity: capacity}}
}

// GetByte reads one byte at the current position and advances it.
func (r *Reader) GetByte() (byte, error) {
	b, err := r.store.readByte(r.start + r.pos)
	if err != nil {
		return 0, err
	}
	if err := r.advance(1); err != nil {
		return 0, err
	}
	return b, nil
}

// GetBytes fills buf from the current position and advances past it.
func (r *Reader) GetBytes(buf []byte) error {
	if int64(len(buf)) > r.remaining() {
		return ponyerr.Invariant("alloc: area read of %d bytes exceeds capacity %d", len(buf), r.capacity)
	}
	if _, err := r.store.mgr.ReadBytes(r.store.resourceName, r.start+r.pos, buf); err != nil {
		return err
	}
	return r.advance(len(buf))
}

// GetInt reads a big-endian int32 and advances the position by 4.
func (r *Reader) GetInt() (int32, error) {
	var buf [4]byte
	if err := r.GetBytes(buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(buf[:])), nil
}

// GetLong reads a big-endian int64 and advances the position by 8.
func (r *Reader) GetLong() (int64, error) {
	var buf [8]byte
	if err := r.GetBytes(buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(buf[:])), nil
}

// CopyTo streams n bytes from the current position to dst through a
// 2048-byte intermediate buffer, per spec.md's Area handles section.
func (r *Reader) CopyTo(dst io.Writer, n int64) error {
	buf := make([]byte, copyBufferSize)
	for n > 0 {
		chunk := int64(len(buf))
		if n < chunk {
			chunk = n
		}
		if err := r.GetBytes(buf[:chunk]); err != nil {
			return err
		}
		if _, err := dst.Write(buf[:chunk]); err != nil {
			return ponyerr.WrapIO("alloc: CopyTo", err)
		}
		n -= chunk
	}
	return nil
}

// Writer is a sequential put cursor over an area, returned by createArea
// and getMutableArea. Every mutation is bracketed by the buffer
// manager's write lock, per spec.md §5's "any page mutation must be
// bracketed by a write-lock".
type Writer struct {
	cursor
	id       AreaID
	finished bool
}

func newWriter(s *Store, id AreaID, start, capacity int64) *Writer {
	return &Writer{cursor: cursor{store: s, start: start, capacity: capacity}, id: id}
}

// ID returns the area id this writer was created over.
func (w *Writer) ID() AreaID { return w.id }

func (w *Writer) writeLocked(fn func() error) error {
	w.store.mgr.LockForWrite()
	defer w.store.mgr.UnlockForWrite()
	return fn()
}

// PutByte writes one byte at the current position and advances it.
func (w *Writer) PutByte(v byte) error {
	return w.writeLocked(func() error {
		if err := w.store.writeByte(w.start+w.pos, v); err != nil {
			return err
		}
		return w.advance(1)
	})
}

// PutBytes writes buf at the current position and advances past it.
func (w *Writer) PutBytes(buf []byte) error {
	return w.writeLocked(func() error {
		if int64(len(buf)) > w.remaining() {
			return ponyerr.Invariant("alloc: area write of %d bytes exceeds capacity %d", len(buf), w.capacity)
		}
		if err := w.store.mgr.WriteBytes(w.store.resourceName, w.start+w.pos, buf); err != nil {
			return err
		}
		return w.advance(len(buf))
	})
}

// PutInt writes a big-endian int32 and advances the position by 4.
func (w *Writer) PutInt(v int32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(v))
	return w.PutBytes(buf[:])
}

// PutLong writes a big-endian int64 and advances the position by 8.
func (w *Writer) PutLong(v int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	return w.PutBytes(buf[:])
}

// CopyFrom streams n bytes from src into the area through a 2048-byte
// intermediate buffer.
func (w *Writer) CopyFrom(src io.Reader, n int64) error {
	buf := make([]byte, copyBufferSize)
	for n > 0 {
		chunk := int64(len(buf))
		if n < chunk {
			chunk = n
		}
		if _, err := io.ReadFull(src, buf[:chunk]); err != nil {
			return ponyerr.WrapIO("alloc: CopyFrom", err)
		}
		if err := w.PutBytes(buf[:chunk]); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// Finish marks the area as readable. It is a caller-visible contract
// only — the area's boundary tag is already stamped "used" the moment
// Allocate returns it — so Finish mainly guards against writing to an
// area through a Writer that has already been handed off for reading.
func (w *Writer) Finish() error {
	if w.finished {
		return ponyerr.Invariant("alloc: area %d finished twice", w.id)
	}
	w.finished = true
	return nil
}

// CreateArea allocates size bytes and returns a sequential Writer over
// the new area (spec.md's createArea).
func (s *Store) CreateArea(size uint64) (*Writer, error) {
	id, err := s.Allocate(size)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	storedSize, _, err := s.readAreaHeader(int64(id))
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return newWriter(s, id, int64(id)+8, int64(storedSize)-areaOverhead), nil
}

// GetArea returns a read-only cursor over id. id == FixedAreaID maps to
// the store's 64-byte fixed area at offset 128.
func (s *Store) GetArea(id AreaID) (*Reader, error) {
	start, capacity, err := s.areaBounds(id)
	if err != nil {
		return nil, err
	}
	return newReader(s, start, capacity), nil
}

// GetMutableArea returns a read-write cursor over id.
func (s *Store) GetMutableArea(id AreaID) (*Writer, error) {
	start, capacity, err := s.areaBounds(id)
	if err != nil {
		return nil, err
	}
	return newWriter(s, id, start, capacity), nil
}

func (s *Store) areaBounds(id AreaID) (start, capacity int64, err error) {
	if id == FixedAreaID {
		return fixedAreaOffset, fixedAreaSize, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	size, free, err := s.readAreaHeader(int64(id))
	if err != nil {
		return 0, 0, err
	}
	if free {
		return 0, 0, ponyerr.Corrupt("alloc: area %d is not allocated", int64(id))
	}
	return int64(id) + 8, int64(size) - areaOverhead, nil
}

// DeleteArea frees id, returning its space to the bins (coalescing with
// neighbours where possible).
func (s *Store) DeleteArea(id AreaID) error {
	if id == FixedAreaID {
		return ponyerr.Invariant("alloc: the fixed area cannot be deleted")
	}
	return s.Free(id)
}
