package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ponysql/ponystore/internal/ponyerr"
)

// errShortRecord means a record's declared length runs past the bytes
// actually available; recovery scanning treats this as "end of log", not
// as a hard error.
var errShortRecord = errors.New("journal: short record")

// fileNameHeaderSize is the 8-byte journal-number header at the start of
// every jnlNN file.
const fileNameHeaderSize = 8

// FileName returns the rotating on-disk name for journal number n:
// "jnl" + ((n mod 64) + 10), giving 64 names in [10, 73].
func FileName(number uint64) string {
	return fmt.Sprintf("jnl%d", (number%64)+10)
}

// Entry pins a single PAGE_MOD record inside a journal file. Page-cache
// structures (JournalledResource's bucket chains) hold these; BuildPage
// replays the pinned record onto a page buffer.
type Entry struct {
	ResourceName string
	Journal      *File
	FilePosition int64
	PageNumber   uint64
}

// RecoverySummary is what OpenForRecovery reports about a journal file
// found on disk at startup.
type RecoverySummary struct {
	Number          uint64
	CanBeRecovered  bool
	LastCheckpoint  int64
	ResourceNames   []string
}

// ResourceApplier is how Persist reaches live resources by name — normally
// implemented by JournalledSystem, which resolves a name to the
// JournalledResource that owns it.
type ResourceApplier interface {
	ApplyPageWrite(name string, pageNumber uint64, offset uint32, data []byte) error
	ApplySetSize(name string, newSize uint64) error
	ApplyDelete(name string) error
	EnsureResource(name string) error
	SyncResource(name string) error
}

// File is a single append-only journal segment: spec.md §4.2.
type File struct {
	mu       sync.Mutex
	number   uint64
	dir      string
	path     string
	f        *os.File
	offset   int64 // write cursor == current file size
	readOnly bool

	nameToID    map[string]uint64
	idToName    map[uint64]string
	nextLocalID uint64

	refCount int
	deleted  bool
}

// Open creates a brand-new journal file for number and writes its 8-byte
// header. Fails if the file already exists.
func Open(dir string, number uint64) (*File, error) {
	path := filepath.Join(dir, FileName(number))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, ponyerr.WrapIO("create journal file", err)
	}
	var hdr [fileNameHeaderSize]byte
	binary.BigEndian.PutUint64(hdr[:], number)
	if _, err := f.Write(hdr[:]); err != nil {
		f.Close()
		return nil, ponyerr.WrapIO("write journal header", err)
	}
	return &File{
		number:      number,
		dir:         dir,
		path:        path,
		f:           f,
		offset:      fileNameHeaderSize,
		nameToID:    make(map[string]uint64),
		idToName:    make(map[uint64]string),
		nextLocalID: 1,
		refCount:    1,
	}, nil
}

// OpenForRecovery opens an existing journal file, validates its header,
// and scans its records to find the offset of the last CHECKPOINT record.
// A journal with no checkpoint at all is not recoverable; its prefix up
// to the last checkpoint is what Persist will later replay.
//
// Scanning never errors on an unrecognized record type or a truncated
// tail — it simply stops there, per spec.md §4.2.
func OpenForRecovery(dir string, number uint64) (*File, *RecoverySummary, error) {
	path := filepath.Join(dir, FileName(number))
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, nil, ponyerr.WrapIO("open journal for recovery", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, ponyerr.WrapIO("stat journal for recovery", err)
	}
	size := st.Size()
	if size < fileNameHeaderSize {
		f.Close()
		return nil, &RecoverySummary{Number: number}, nil
	}
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, 0); err != nil {
		f.Close()
		return nil, nil, ponyerr.WrapIO("read journal for recovery", err)
	}
	gotNumber := binary.BigEndian.Uint64(buf[:8])
	if gotNumber != number {
		f.Close()
		return nil, nil, ponyerr.Corrupt("journal %s header number %d != expected %d", path, gotNumber, number)
	}

	jf := &File{
		number:      number,
		dir:         dir,
		path:        path,
		f:           f,
		offset:      size,
		nameToID:    make(map[string]uint64),
		idToName:    make(map[uint64]string),
		nextLocalID: 1,
		refCount:    1,
	}

	summary := &RecoverySummary{Number: number}
	touched := map[string]bool{}
	off := int64(fileNameHeaderSize)
	for off+recordFramingSize <= size {
		kind := Kind(binary.BigEndian.Uint64(buf[off:]))
		recLen := int64(binary.BigEndian.Uint32(buf[off+8:]))
		payloadStart := off + recordFramingSize
		if payloadStart+recLen > size {
			break // truncated tail; stop the scan cleanly
		}
		payload := buf[payloadStart : payloadStart+recLen]

		switch kind {
		case KindResourceTag:
			id := binary.BigEndian.Uint64(payload[:8])
			name, _, err := readString(payload, 8)
			if err != nil {
				goto stopScan
			}
			jf.nameToID[name] = id
			jf.idToName[id] = name
			touched[name] = true
		case KindDelete:
			if len(payload) < 8 {
				goto stopScan
			}
			if name, ok := jf.idToName[binary.BigEndian.Uint64(payload[:8])]; ok {
				touched[name] = true
			}
		case KindSetSize:
			if len(payload) < 16 {
				goto stopScan
			}
			if name, ok := jf.idToName[binary.BigEndian.Uint64(payload[:8])]; ok {
				touched[name] = true
			}
		case KindPageMod:
			if len(payload) < pageModHeaderSize {
				goto stopScan
			}
			if name, ok := jf.idToName[binary.BigEndian.Uint64(payload[:8])]; ok {
				touched[name] = true
			}
		case KindCheckpoint:
			summary.LastCheckpoint = payloadStart + recLen
			summary.CanBeRecovered = true
		default:
			goto stopScan
		}
		off = payloadStart + recLen
	}
stopScan:

	for name := range touched {
		summary.ResourceNames = append(summary.ResourceNames, name)
	}
	return jf, summary, nil
}

func (jf *File) Number() uint64 { return jf.number }

// Size returns the journal's current on-disk size (the write cursor).
func (jf *File) Size() int64 {
	jf.mu.Lock()
	defer jf.mu.Unlock()
	return jf.offset
}

func (jf *File) ensureResourceIDLocked(name string) (uint64, bool) {
	if id, ok := jf.nameToID[name]; ok {
		return id, false
	}
	id := jf.nextLocalID
	jf.nextLocalID++
	jf.nameToID[name] = id
	jf.idToName[id] = name
	return id, true
}

func (jf *File) appendLocked(kind Kind, payload []byte) (int64, error) {
	pos := jf.offset
	hdr := make([]byte, recordFramingSize)
	binary.BigEndian.PutUint64(hdr[0:8], uint64(kind))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(payload)))
	if _, err := jf.f.WriteAt(hdr, pos); err != nil {
		return 0, ponyerr.WrapIO("write record header", err)
	}
	if len(payload) > 0 {
		if _, err := jf.f.WriteAt(payload, pos+recordFramingSize); err != nil {
			return 0, ponyerr.WrapIO("write record payload", err)
		}
	}
	jf.offset = pos + recordFramingSize + int64(len(payload))
	return pos, nil
}

// LogPageModification atomically (under the journal lock) emits a
// RESOURCE_TAG if resourceName is new to this journal, then a PAGE_MOD
// record, returning the Entry that pins it for later BuildPage overlay.
func (jf *File) LogPageModification(resourceName string, pageNumber uint64, data []byte, offset uint32) (Entry, error) {
	jf.mu.Lock()
	defer jf.mu.Unlock()

	id, isNew := jf.ensureResourceIDLocked(resourceName)
	if isNew {
		payload := make([]byte, 0, 8+stringWireLen(resourceName))
		idBuf := make([]byte, 8)
		binary.BigEndian.PutUint64(idBuf, id)
		payload = append(payload, idBuf...)
		payload = putString(payload, resourceName)
		if _, err := jf.appendLocked(KindResourceTag, payload); err != nil {
			return Entry{}, err
		}
	}

	payload := make([]byte, pageModHeaderSize+len(data))
	binary.BigEndian.PutUint64(payload[0:8], id)
	binary.BigEndian.PutUint64(payload[8:16], pageNumber)
	binary.BigEndian.PutUint32(payload[16:20], offset)
	binary.BigEndian.PutUint32(payload[20:24], uint32(len(data)))
	copy(payload[pageModHeaderSize:], data)

	pos, err := jf.appendLocked(KindPageMod, payload)
	if err != nil {
		return Entry{}, err
	}
	return Entry{ResourceName: resourceName, Journal: jf, FilePosition: pos, PageNumber: pageNumber}, nil
}

// LogResourceDelete emits a DELETE record for resourceName.
func (jf *File) LogResourceDelete(resourceName string) error {
	jf.mu.Lock()
	defer jf.mu.Unlock()
	id, isNew := jf.ensureResourceIDLocked(resourceName)
	if isNew {
		payload := make([]byte, 0, 8+stringWireLen(resourceName))
		idBuf := make([]byte, 8)
		binary.BigEndian.PutUint64(idBuf, id)
		payload = append(payload, idBuf...)
		payload = putString(payload, resourceName)
		if _, err := jf.appendLocked(KindResourceTag, payload); err != nil {
			return err
		}
	}
	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, id)
	_, err := jf.appendLocked(KindDelete, payload)
	return err
}

// LogResourceSizeChange emits a SET_SIZE record for resourceName.
func (jf *File) LogResourceSizeChange(resourceName string, newSize uint64) error {
	jf.mu.Lock()
	defer jf.mu.Unlock()
	id, isNew := jf.ensureResourceIDLocked(resourceName)
	if isNew {
		payload := make([]byte, 0, 8+stringWireLen(resourceName))
		idBuf := make([]byte, 8)
		binary.BigEndian.PutUint64(idBuf, id)
		payload = append(payload, idBuf...)
		payload = putString(payload, resourceName)
		if _, err := jf.appendLocked(KindResourceTag, payload); err != nil {
			return err
		}
	}
	payload := make([]byte, 16)
	binary.BigEndian.PutUint64(payload[0:8], id)
	binary.BigEndian.PutUint64(payload[8:16], newSize)
	_, err := jf.appendLocked(KindSetSize, payload)
	return err
}

// SetCheckpoint emits a CHECKPOINT record, then flushes and syncs the
// file — the only points at which a journal becomes replayable up to.
func (jf *File) SetCheckpoint() error {
	jf.mu.Lock()
	defer jf.mu.Unlock()
	if _, err := jf.appendLocked(KindCheckpoint, nil); err != nil {
		return err
	}
	return jf.f.Sync()
}

// Persist replays records in [start, end) against live resources reached
// through applier. Every touched resource is synced once replay
// completes.
func (jf *File) Persist(start, end int64, applier ResourceApplier) error {
	jf.mu.Lock()
	buf := make([]byte, end-start)
	if _, err := jf.f.ReadAt(buf, start); err != nil {
		jf.mu.Unlock()
		return ponyerr.WrapIO("read journal for persist", err)
	}
	jf.mu.Unlock()

	localNames := map[uint64]string{}
	touched := map[string]bool{}
	off := int64(0)
	size := int64(len(buf))
	for off+recordFramingSize <= size {
		kind := Kind(binary.BigEndian.Uint64(buf[off:]))
		recLen := int64(binary.BigEndian.Uint32(buf[off+8:]))
		payloadStart := off + recordFramingSize
		if payloadStart+recLen > size {
			return ponyerr.Corrupt("journal %s: truncated record during persist", jf.path)
		}
		payload := buf[payloadStart : payloadStart+recLen]

		switch kind {
		case KindResourceTag:
			id := binary.BigEndian.Uint64(payload[:8])
			name, _, err := readString(payload, 8)
			if err != nil {
				return err
			}
			localNames[id] = name
			if err := applier.EnsureResource(name); err != nil {
				return err
			}
		case KindDelete:
			id := binary.BigEndian.Uint64(payload[:8])
			name := localNames[id]
			if err := applier.ApplyDelete(name); err != nil {
				return err
			}
			touched[name] = true
		case KindSetSize:
			id := binary.BigEndian.Uint64(payload[:8])
			newSize := binary.BigEndian.Uint64(payload[8:16])
			name := localNames[id]
			if err := applier.ApplySetSize(name, newSize); err != nil {
				return err
			}
			touched[name] = true
		case KindPageMod:
			id := binary.BigEndian.Uint64(payload[:8])
			pageNumber := binary.BigEndian.Uint64(payload[8:16])
			pageOffset := binary.BigEndian.Uint32(payload[16:20])
			length := binary.BigEndian.Uint32(payload[20:24])
			name := localNames[id]
			data := payload[pageModHeaderSize : pageModHeaderSize+int64(length)]
			if err := applier.ApplyPageWrite(name, pageNumber, pageOffset, data); err != nil {
				return err
			}
			touched[name] = true
		case KindCheckpoint:
			if payloadStart+recLen == size {
				// Reached the final checkpoint in the replay range; stop here.
				goto donePersist
			}
		}
		off = payloadStart + recLen
	}
donePersist:

	for name := range touched {
		if err := applier.SyncResource(name); err != nil {
			return err
		}
	}
	return nil
}

// BuildPage reads the 36-byte fixed header of a PAGE_MOD record at
// filePosition, validates it, and overlays its payload bytes onto buf at
// the record's stored offset.
func (jf *File) BuildPage(pageNumber uint64, filePosition int64, buf []byte) error {
	jf.mu.Lock()
	defer jf.mu.Unlock()

	hdr := make([]byte, buildPageReadSize)
	if _, err := jf.f.ReadAt(hdr, filePosition); err != nil {
		return ponyerr.WrapIO("read page-mod header", err)
	}
	kind := Kind(binary.BigEndian.Uint64(hdr[0:8]))
	if kind != KindPageMod {
		return ponyerr.Corrupt("journal %s: expected PAGE_MOD at %d, got %s", jf.path, filePosition, kind)
	}
	gotPage := binary.BigEndian.Uint64(hdr[20:28])
	if gotPage != pageNumber {
		return ponyerr.Corrupt("journal %s: page mismatch at %d: want %d got %d", jf.path, filePosition, pageNumber, gotPage)
	}
	offset := binary.BigEndian.Uint32(hdr[28:32])
	length := binary.BigEndian.Uint32(hdr[32:36])

	data := make([]byte, length)
	if _, err := jf.f.ReadAt(data, filePosition+buildPageReadSize); err != nil {
		return ponyerr.WrapIO("read page-mod payload", err)
	}
	end := int(offset) + int(length)
	if end > len(buf) {
		end = len(buf)
	}
	if int(offset) < end {
		copy(buf[offset:end], data)
	}
	return nil
}

// IsDeleted reports whether this journal has already been closed and
// removed from disk (its refcount reached zero, or it was force-closed
// during recovery). A chain entry pointing at a deleted journal has
// nothing left to contribute: the page it describes is already durably
// applied to the backing resource.
func (jf *File) IsDeleted() bool {
	jf.mu.Lock()
	defer jf.mu.Unlock()
	return jf.deleted
}

// AddRef pins the journal — called whenever a JournalEntry referencing it
// is inserted into a resource's page bucket chain.
func (jf *File) AddRef() {
	jf.mu.Lock()
	defer jf.mu.Unlock()
	jf.refCount++
}

// Release unpins the journal. When the count reaches zero the file is
// closed and deleted from disk.
func (jf *File) Release() error {
	jf.mu.Lock()
	jf.refCount--
	shouldDelete := jf.refCount <= 0 && !jf.deleted
	if shouldDelete {
		jf.deleted = true
	}
	path := jf.path
	f := jf.f
	jf.mu.Unlock()

	if !shouldDelete {
		return nil
	}
	if err := f.Close(); err != nil {
		return ponyerr.WrapIO("close journal file", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return ponyerr.WrapIO("delete journal file", err)
	}
	return nil
}

// CloseAndDelete is an explicit alternative to repeated Release calls,
// used by JournalledSystem during startup recovery where no JournalEntry
// references have been minted yet.
func (jf *File) CloseAndDelete() error {
	jf.mu.Lock()
	if jf.deleted {
		jf.mu.Unlock()
		return nil
	}
	jf.deleted = true
	path := jf.path
	f := jf.f
	jf.mu.Unlock()

	if err := f.Close(); err != nil {
		return ponyerr.WrapIO("close journal file", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return ponyerr.WrapIO("delete journal file", err)
	}
	return nil
}
