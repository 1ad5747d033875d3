package journal

import (
	"sync"

	"github.com/ponysql/ponystore/internal/ponyerr"
	"github.com/ponysql/ponystore/internal/slicefile"
)

// bucketCount is the number of chains in a resource's journal-entry hash
// table, spec.md §4.3: page_number is hashed into 257 buckets.
const bucketCount = 257

// sweepThreshold is how long a bucket chain is allowed to grow before a
// Write (recordPending) sweeps it; see sweepBucketLocked for what the
// sweep drops. Read only drops entries whose journal has been deleted.
const sweepThreshold = 35

func bucketFor(pageNumber uint64) int {
	return int(pageNumber % bucketCount)
}

// chainLink is one node in a bucket's singly-linked chain of pending
// journal entries for a page, newest first.
type chainLink struct {
	entry Entry
	next  *chainLink
}

// Resource is a JournalledResource: a logical resource (one on-disk file
// tree managed by a slicefile.Accessor) overlaid with any journal pages
// not yet folded back into the backing file.
type Resource struct {
	mu       sync.Mutex
	name     string
	backing  *slicefile.Accessor
	pageSize uint64
	size     uint64
	open     bool
	buckets  [bucketCount]*chainLink
}

// NewResource wraps backing under name, addressed in pageSize-byte
// pages. The caller is responsible for having already Open'd backing.
func NewResource(name string, backing *slicefile.Accessor, pageSize, initialSize uint64) *Resource {
	return &Resource{
		name:     name,
		backing:  backing,
		pageSize: pageSize,
		size:     initialSize,
		open:     true,
	}
}

func (r *Resource) bytePos(pageNumber uint64) int64 {
	return int64(pageNumber * r.pageSize)
}

func (r *Resource) Name() string { return r.name }

// GetSize returns the resource's logical size as currently known
// in-memory (kept in sync by SetSize and by persisted SET_SIZE records).
func (r *Resource) GetSize() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// SetSize updates the in-memory logical size. The caller is expected to
// have already logged a SET_SIZE record through the owning journal.
func (r *Resource) SetSize(newSize uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.size = newSize
}

// Close releases the backing accessor. Pending journal entries are left
// in place; JournalledSystem is responsible for having already persisted
// everything before a resource is closed for good.
func (r *Resource) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.open {
		return nil
	}
	r.open = false
	return r.backing.Close()
}

// Delete removes the backing slices. Call only after the owning journal
// has logged (and, if required, persisted) a DELETE record.
func (r *Resource) Delete() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open = false
	for i := range r.buckets {
		r.buckets[i] = nil
	}
	return r.backing.Delete()
}

// recordPending links a freshly logged Entry into its page's bucket
// chain and pins the owning journal via AddRef. Called by callers after
// a successful JournalFile.LogPageModification.
func (r *Resource) recordPending(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.Journal.AddRef()
	b := bucketFor(e.PageNumber)
	r.buckets[b] = &chainLink{entry: e, next: r.buckets[b]}
	r.sweepBucketLocked(b)
}

// sweepBucketLocked drops chain entries whose journal has nothing left
// to contribute — either the page has since been overwritten by a newer
// pending entry further up the same chain, or the entry's journal has
// already been closed and deleted (its refcount, shared with whatever
// else references the same journal file, reached zero independently of
// this bucket) — once a chain has grown past sweepThreshold. Each
// dropped entry releases its journal reference.
func (r *Resource) sweepBucketLocked(b int) {
	link := r.buckets[b]
	count := 0
	for n := link; n != nil; n = n.next {
		count++
	}
	if count <= sweepThreshold {
		return
	}
	seenPages := make(map[uint64]bool)
	var prev *chainLink
	cur := r.buckets[b]
	for cur != nil {
		next := cur.next
		shadowed := seenPages[cur.entry.PageNumber]
		if !shadowed {
			seenPages[cur.entry.PageNumber] = true
		}
		if shadowed || cur.entry.Journal.IsDeleted() {
			if prev == nil {
				r.buckets[b] = next
			} else {
				prev.next = next
			}
			cur.entry.Journal.Release()
		} else {
			prev = cur
		}
		cur = next
	}
}

// dropDeletedEntriesLocked unlinks any chain entries in bucket b whose
// journal has already been closed and deleted. Persist folds a record's
// bytes back into the backing resource before the journal is released,
// so a deleted entry has nothing left to contribute to an overlay — and
// since BuildPage reads through the journal's os.File, applying one
// after it's closed would simply error. Unlike sweepBucketLocked, this
// runs on every Read regardless of chain length: a bucket's sole
// (unshadowed) entry for a page can still go stale this way, since the
// journal it points to may be released by entries in other buckets or
// other resources sharing the same journal file.
func (r *Resource) dropDeletedEntriesLocked(b int) {
	var prev *chainLink
	cur := r.buckets[b]
	for cur != nil {
		next := cur.next
		if cur.entry.Journal.IsDeleted() {
			if prev == nil {
				r.buckets[b] = next
			} else {
				prev.next = next
			}
			cur.entry.Journal.Release()
		} else {
			prev = cur
		}
		cur = next
	}
}

// pendingChain returns the head of the bucket chain that holds
// pageNumber's pending entries, newest first. The chain may also hold
// entries for other pages that hash to the same bucket.
func (r *Resource) pendingChain(pageNumber uint64) *chainLink {
	return r.buckets[bucketFor(pageNumber)]
}

// Read fills buf (one full page's worth of bytes) for pageNumber from
// the backing accessor, then overlays any pending journal entries for
// that page oldest-first so the most recent write lands last and wins.
func (r *Resource) Read(pageNumber uint64, buf []byte) (int, error) {
	r.mu.Lock()
	if !r.open {
		r.mu.Unlock()
		return 0, ponyerr.Invariant("journal: read on closed resource %q", r.name)
	}
	backing := r.backing
	pos := r.bytePos(pageNumber)
	r.dropDeletedEntriesLocked(bucketFor(pageNumber))
	link := r.pendingChain(pageNumber)
	r.mu.Unlock()

	n, err := backing.Read(pos, buf)
	if err != nil {
		return n, err
	}

	// The chain runs newest-first (recordPending always prepends), but
	// overlays must be applied oldest-first so that, when two pending
	// writes touch overlapping bytes, the more recent one is the last to
	// land and therefore wins.
	var matches []*chainLink
	for l := link; l != nil; l = l.next {
		if l.entry.PageNumber == pageNumber {
			matches = append(matches, l)
		}
	}
	for i := len(matches) - 1; i >= 0; i-- {
		e := matches[i].entry
		if err := e.Journal.BuildPage(pageNumber, e.FilePosition, buf); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Write logs off/buf as a PAGE_MOD record for pageNumber through
// journal, then links the resulting Entry into this resource's pending
// chain so subsequent Reads see it before it is folded back by a
// checkpoint.
func (r *Resource) Write(journal *File, pageNumber uint64, buf []byte, off uint32) error {
	r.mu.Lock()
	if !r.open {
		r.mu.Unlock()
		return ponyerr.Invariant("journal: write on closed resource %q", r.name)
	}
	r.mu.Unlock()

	entry, err := journal.LogPageModification(r.name, pageNumber, buf, off)
	if err != nil {
		return err
	}
	r.recordPending(entry)
	return nil
}

// persistApply implements the page/size/delete replay a ResourceApplier
// performs against this single resource; JournalledSystem dispatches to
// it by resource name.
func (r *Resource) persistApplyPageWrite(pageNumber uint64, offset uint32, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.backing.Write(r.bytePos(pageNumber)+int64(offset), data)
	return err
}

func (r *Resource) persistApplySetSize(newSize uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.size = newSize
	return r.backing.SetSize(int64(newSize))
}

func (r *Resource) persistSync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	errs := r.backing.Sync()
	if len(errs) > 0 {
		return ponyerr.WrapIO("sync resource "+r.name, errs[0])
	}
	return nil
}
