package journal

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/ponysql/ponystore/internal/logx"
	"github.com/ponysql/ponystore/internal/ponyerr"
	"github.com/ponysql/ponystore/internal/slicefile"
)

// rotationJournalCount is how many rotating journal filenames exist
// (jnl10..jnl73), spec.md §4.2.
const rotationJournalCount = 64

// checkpointRotateThreshold is the journal size, in bytes, past which
// Checkpoint rotates to a fresh journal rather than merely writing a
// CHECKPOINT record in place.
const checkpointRotateThreshold = 256 * 1024

// defaultMaxSliceSize is the per-slice cap new resources are opened
// with when the system has to lazily create one during recovery replay
// (a RESOURCE_TAG naming a resource nothing else has opened yet).
const defaultMaxSliceSize = 64 * 1024 * 1024

// Health is a snapshot of the background persister's status, the
// monitoring hook spec.md §7 calls out as missing from the original and
// worth adding in a re-implementation.
type Health struct {
	Running    bool
	LastRunAt  time.Time
	LastError  error
	StopReason string
}

// System is a JournalledSystem: it owns journal numbering and recovery,
// the set of open JournalledResources, and the background persister.
type System struct {
	mu sync.Mutex

	dir      string
	pageSize uint64
	logger   logx.Logger

	resources  map[string]*Resource
	accessors  map[string]int64 // resource name -> max slice size, for lazy recovery opens
	top        *File
	archive    []*File // rotated-out journals awaiting background persist, oldest first
	nextNumber uint64
	openID     uuid.UUID

	cond          *sync.Cond // guards archive/finished transitions, signals the persister
	finished      bool       // fail-stop latch: set once the persister hits an I/O error
	stopRequested bool

	health Health

	stopCh    chan struct{} // non-nil once StartPersister has run, used only as a started flag
	stopped   chan struct{} // closed when the persister goroutine exits
	cronSched *cron.Cron
}

// OpenSystem scans dir for existing journal files, replays whatever is
// recoverable against lazily-opened resources, deletes fully-persisted
// journals, and starts a fresh top journal for new writes.
func OpenSystem(dir string, pageSize uint64, logger logx.Logger) (*System, error) {
	if logger == nil {
		logger = logx.Nop
	}
	sys := &System{
		dir:       dir,
		pageSize:  pageSize,
		logger:    logger,
		resources: make(map[string]*Resource),
		accessors: make(map[string]int64),
		openID:    uuid.New(),
	}
	sys.cond = sync.NewCond(&sys.mu)

	found, err := sys.scanExisting()
	if err != nil {
		return nil, err
	}
	if err := sys.recover(found); err != nil {
		return nil, err
	}

	top, err := Open(dir, sys.nextNumber)
	if err != nil {
		return nil, err
	}
	sys.top = top
	sys.nextNumber++
	sys.StartPersister()
	sys.logger.Info("journal: opened system at %s, open-id %s, top journal %d", dir, sys.openID, top.Number())
	return sys, nil
}

func (s *System) scanExisting() ([]uint64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ponyerr.WrapIO("list journal directory", err)
	}

	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		names[e.Name()] = true
	}

	var numbers []uint64
	var highest uint64
	sawAny := false
	for slot := uint64(0); slot < rotationJournalCount; slot++ {
		name := "jnl" + strconv.FormatUint(slot+10, 10)
		if !names[name] {
			continue
		}
		// Peek the embedded journal number rather than trust the slot,
		// since the slot is only (number mod 64).
		path := filepath.Join(s.dir, name)
		number, err := peekJournalNumber(path)
		if err != nil {
			return nil, err
		}
		numbers = append(numbers, number)
		if !sawAny || number > highest {
			highest = number
			sawAny = true
		}
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	if sawAny {
		s.nextNumber = highest + 1
	}
	return numbers, nil
}

func peekJournalNumber(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, ponyerr.WrapIO("open journal to peek number", err)
	}
	defer f.Close()
	var hdr [fileNameHeaderSize]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		return 0, ponyerr.WrapIO("peek journal number", err)
	}
	return binary.BigEndian.Uint64(hdr[:]), nil
}

// recover replays every journal found at startup, oldest first, up to
// its last checkpoint, and discards it afterward. Journals with no
// checkpoint at all contribute nothing — whatever they were recording
// never reached a consistent point and is dropped.
func (s *System) recover(numbers []uint64) error {
	for _, number := range numbers {
		jf, summary, err := OpenForRecovery(s.dir, number)
		if err != nil {
			return err
		}
		if summary.CanBeRecovered && summary.LastCheckpoint > fileNameHeaderSize {
			if err := jf.Persist(fileNameHeaderSize, summary.LastCheckpoint, s); err != nil {
				return err
			}
			s.logger.Info("journal: recovered journal %d up to checkpoint at %d", jf.Number(), summary.LastCheckpoint)
		} else {
			s.logger.Warn("journal: journal %d had no checkpoint, discarding", jf.Number())
		}
		if err := jf.CloseAndDelete(); err != nil {
			return err
		}
	}
	return nil
}

// --- ResourceApplier, so JournalFile.Persist can replay into us ---

func (s *System) EnsureResource(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.resources[name]; ok {
		return nil
	}
	maxSlice, ok := s.accessors[name]
	if !ok {
		maxSlice = defaultMaxSliceSize
	}
	acc := slicefile.New(filepath.Join(s.dir, name), maxSlice)
	if err := acc.Open(false); err != nil {
		return err
	}
	s.resources[name] = NewResource(name, acc, s.pageSize, uint64(acc.TrueSize()))
	return nil
}

func (s *System) ApplyPageWrite(name string, pageNumber uint64, offset uint32, data []byte) error {
	s.mu.Lock()
	r, ok := s.resources[name]
	s.mu.Unlock()
	if !ok {
		return ponyerr.Invariant("journal: persist referenced unknown resource %q", name)
	}
	return r.persistApplyPageWrite(pageNumber, offset, data)
}

func (s *System) ApplySetSize(name string, newSize uint64) error {
	s.mu.Lock()
	r, ok := s.resources[name]
	s.mu.Unlock()
	if !ok {
		return ponyerr.Invariant("journal: persist referenced unknown resource %q", name)
	}
	return r.persistApplySetSize(newSize)
}

func (s *System) ApplyDelete(name string) error {
	s.mu.Lock()
	r, ok := s.resources[name]
	delete(s.resources, name)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return r.Delete()
}

func (s *System) SyncResource(name string) error {
	s.mu.Lock()
	r, ok := s.resources[name]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	// Sync failures are logged and swallowed, never escalated.
	if err := r.persistSync(); err != nil {
		s.logger.Warn("journal: %v", err)
	}
	return nil
}

// --- Live resource management ---

// OpenResource opens (or returns the already-open) resource named name,
// backed by a slicefile.Accessor capped at maxSliceSize.
func (s *System) OpenResource(name string, maxSliceSize int64) (*Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.resources[name]; ok {
		return r, nil
	}
	s.accessors[name] = maxSliceSize
	acc := slicefile.New(filepath.Join(s.dir, name), maxSliceSize)
	if err := acc.Open(false); err != nil {
		return nil, err
	}
	r := NewResource(name, acc, s.pageSize, uint64(acc.TrueSize()))
	s.resources[name] = r
	return r, nil
}

// Read reads one page from the named resource, overlaying any pending
// journal entries.
func (s *System) Read(resourceName string, pageNumber uint64, buf []byte) (int, error) {
	s.mu.Lock()
	r, ok := s.resources[resourceName]
	s.mu.Unlock()
	if !ok {
		return 0, ponyerr.Invariant("journal: read on unopened resource %q", resourceName)
	}
	return r.Read(pageNumber, buf)
}

// Write logs a page modification through the current top journal and
// applies it to the named resource's pending chain.
func (s *System) Write(resourceName string, pageNumber uint64, buf []byte, off uint32) error {
	s.mu.Lock()
	r, ok := s.resources[resourceName]
	top := s.top
	s.mu.Unlock()
	if !ok {
		return ponyerr.Invariant("journal: write on unopened resource %q", resourceName)
	}
	return r.Write(top, pageNumber, buf, off)
}

// SetResourceSize logs a SET_SIZE record and applies it immediately —
// size changes, unlike page contents, take effect in-memory right away
// since there is nothing to overlay at read time.
func (s *System) SetResourceSize(resourceName string, newSize uint64) error {
	s.mu.Lock()
	r, ok := s.resources[resourceName]
	top := s.top
	s.mu.Unlock()
	if !ok {
		return ponyerr.Invariant("journal: set-size on unopened resource %q", resourceName)
	}
	if err := top.LogResourceSizeChange(resourceName, newSize); err != nil {
		return err
	}
	r.SetSize(newSize)
	return nil
}

// DeleteResource logs a DELETE record and removes the resource's
// backing slices.
func (s *System) DeleteResource(resourceName string) error {
	s.mu.Lock()
	r, ok := s.resources[resourceName]
	top := s.top
	delete(s.resources, resourceName)
	delete(s.accessors, resourceName)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := top.LogResourceDelete(resourceName); err != nil {
		return err
	}
	return r.Delete()
}

// OpenID returns the random session identifier minted for this system
// open, useful for correlating log lines and diagnosing dirty opens
// (spec.md §7's "not provided in source" call-out).
func (s *System) OpenID() uuid.UUID { return s.openID }

// targetBacklogSize is how many archived journals persist_archives lets
// build up before it blocks the checkpointing caller.
const targetBacklogSize = 2

// Checkpoint writes a CHECKPOINT record to the top journal. If the top
// journal exceeds checkpointRotateThreshold, or flushJournals is set, it
// rotates: the old top moves onto the archive queue for the background
// JournalingThread to persist, and a fresh journal becomes top. Once
// woken, if the archive has backed up past targetBacklogSize the caller
// blocks until the thread has drained it back down.
func (s *System) Checkpoint(flushJournals bool) error {
	s.mu.Lock()
	top := s.top
	s.mu.Unlock()

	if err := top.SetCheckpoint(); err != nil {
		return err
	}
	if !flushJournals && top.Size() < checkpointRotateThreshold {
		return nil
	}

	s.mu.Lock()
	number := s.nextNumber
	s.nextNumber++
	fresh, err := Open(s.dir, number)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.top = fresh
	s.archive = append(s.archive, top)
	s.cond.Broadcast()
	for len(s.archive) > targetBacklogSize && !s.finished {
		s.cond.Wait()
	}
	finished := s.finished
	lastErr := s.health.LastError
	s.mu.Unlock()

	if finished {
		return ponyerr.WrapIO("journalling thread stopped", lastErr)
	}
	return nil
}

// StartPersister launches the background JournalingThread: it wakes
// whenever the archive grows, persists every archived journal in order
// (oldest first), and fail-stops — setting Health.Running to false and
// refusing further archive drains — on the first I/O error, mirroring
// the teacher's scheduler's goroutine-with-stop-channel shape.
func (s *System) StartPersister() {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.stopped = make(chan struct{})
	s.health.Running = true
	stopped := s.stopped
	s.mu.Unlock()

	go func() {
		defer close(stopped)
		for {
			s.mu.Lock()
			for len(s.archive) == 0 && !s.stopRequested {
				s.cond.Wait()
			}
			if len(s.archive) == 0 && s.stopRequested {
				s.mu.Unlock()
				return
			}
			batch := s.archive
			s.archive = nil
			s.mu.Unlock()

			for _, jf := range batch {
				err := jf.Persist(fileNameHeaderSize, jf.Size(), s)
				if err == nil {
					// Persisting folds every record back into its resource,
					// but live resources may still hold pending chain
					// entries pointing at this journal (AddRef'd when they
					// were recorded). Release gives up the rotation's own
					// reference; the file is only actually closed and
					// deleted once every such entry has released its own.
					err = jf.Release()
				}
				if err != nil {
					s.mu.Lock()
					s.finished = true
					s.health.Running = false
					s.health.LastError = err
					s.health.StopReason = err.Error()
					s.cond.Broadcast()
					s.mu.Unlock()
					s.logger.Alert("journal: persister fail-stopped: %v", err)
					return
				}
			}
			s.mu.Lock()
			s.health.LastRunAt = time.Now()
			s.cond.Broadcast()
			s.mu.Unlock()
		}
	}()
}

// StartIdleCheckpoint wires a supplemental cron-scheduled forced
// checkpoint on top of size-triggered rotation, for deployments that
// want a flush on a calendar schedule (e.g. nightly) even if the top
// journal never grows past the rotation threshold.
func (s *System) StartIdleCheckpoint(cronSpec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cronSched != nil {
		return ponyerr.Invariant("journal: idle checkpoint already started")
	}
	c := cron.New()
	_, err := c.AddFunc(cronSpec, func() {
		if err := s.Checkpoint(true); err != nil {
			s.logger.Alert("journal: idle checkpoint failed: %v", err)
		}
	})
	if err != nil {
		return ponyerr.Invariant("journal: invalid idle checkpoint schedule %q: %v", cronSpec, err)
	}
	s.cronSched = c
	c.Start()
	return nil
}

// PersisterHealth reports the background persister's current status —
// spec.md §7's monitoring hook, absent from the original, added here so
// a caller can detect a fail-stopped persister instead of discovering it
// only when the next checkpoint blocks forever.
func (s *System) PersisterHealth() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

// Stop requests a full archive drain, joins the persister goroutine and
// any idle-checkpoint cron, then closes all open resources after a
// final forced checkpoint.
func (s *System) Stop() error {
	s.mu.Lock()
	stopCh := s.stopCh
	stopped := s.stopped
	cronSched := s.cronSched
	s.mu.Unlock()

	if err := s.Checkpoint(true); err != nil {
		return err
	}

	if stopCh != nil {
		s.mu.Lock()
		s.stopRequested = true
		s.cond.Broadcast()
		s.mu.Unlock()
		<-stopped
	}
	if cronSched != nil {
		ctx := cronSched.Stop()
		<-ctx.Done()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, r := range s.resources {
		if err := r.Close(); err != nil {
			return ponyerr.WrapIO("close resource "+name, err)
		}
	}
	return nil
}
