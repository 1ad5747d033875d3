package journal

import (
	"bytes"
	"testing"
	"time"

	"github.com/ponysql/ponystore/internal/logx"
)

const testPageSize = 64

func openTestSystem(t *testing.T, dir string) *System {
	t.Helper()
	sys, err := OpenSystem(dir, testPageSize, logx.Nop)
	if err != nil {
		t.Fatalf("open system: %v", err)
	}
	return sys
}

func TestSystem_WriteReadOverlaysUncheckpointedData(t *testing.T) {
	dir := t.TempDir()
	sys := openTestSystem(t, dir)
	defer sys.Stop()

	if _, err := sys.OpenResource("res.dat", 0); err != nil {
		t.Fatalf("open resource: %v", err)
	}
	if err := sys.SetResourceSize("res.dat", testPageSize); err != nil {
		t.Fatalf("set size: %v", err)
	}

	want := bytes.Repeat([]byte{0x42}, testPageSize)
	if err := sys.Write("res.dat", 0, want, 0); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := make([]byte, testPageSize)
	if _, err := sys.Read("res.dat", 0, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("overlay mismatch: got %x, want %x", got, want)
	}
}

func TestSystem_PartialPageWriteOverlaysOnlyThatRange(t *testing.T) {
	dir := t.TempDir()
	sys := openTestSystem(t, dir)
	defer sys.Stop()

	if _, err := sys.OpenResource("res.dat", 0); err != nil {
		t.Fatalf("open resource: %v", err)
	}
	if err := sys.SetResourceSize("res.dat", testPageSize); err != nil {
		t.Fatalf("set size: %v", err)
	}

	if err := sys.Write("res.dat", 0, []byte{0xAA, 0xBB, 0xCC}, 10); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := make([]byte, testPageSize)
	if _, err := sys.Read("res.dat", 0, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	want := make([]byte, testPageSize)
	copy(want[10:], []byte{0xAA, 0xBB, 0xCC})
	if !bytes.Equal(got, want) {
		t.Fatalf("partial overlay mismatch: got %x, want %x", got, want)
	}
}

func TestSystem_NewestWriteWinsOnOverlay(t *testing.T) {
	dir := t.TempDir()
	sys := openTestSystem(t, dir)
	defer sys.Stop()

	if _, err := sys.OpenResource("res.dat", 0); err != nil {
		t.Fatalf("open resource: %v", err)
	}
	if err := sys.SetResourceSize("res.dat", testPageSize); err != nil {
		t.Fatalf("set size: %v", err)
	}

	if err := sys.Write("res.dat", 0, []byte{1, 1, 1}, 0); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := sys.Write("res.dat", 0, []byte{2, 2}, 0); err != nil {
		t.Fatalf("second write: %v", err)
	}

	got := make([]byte, 3)
	if _, err := sys.Read("res.dat", 0, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, []byte{2, 2, 1}) {
		t.Fatalf("expected newest write to win on the bytes it covers, got %x", got)
	}
}

func TestSystem_StopPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	sys := openTestSystem(t, dir)

	if _, err := sys.OpenResource("res.dat", 0); err != nil {
		t.Fatalf("open resource: %v", err)
	}
	if err := sys.SetResourceSize("res.dat", testPageSize); err != nil {
		t.Fatalf("set size: %v", err)
	}
	want := bytes.Repeat([]byte{0x99}, testPageSize)
	if err := sys.Write("res.dat", 0, want, 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sys.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	sys2 := openTestSystem(t, dir)
	defer sys2.Stop()
	if _, err := sys2.OpenResource("res.dat", 0); err != nil {
		t.Fatalf("reopen resource: %v", err)
	}
	got := make([]byte, testPageSize)
	if _, err := sys2.Read("res.dat", 0, got); err != nil {
		t.Fatalf("read after restart: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("data lost across clean restart: got %x, want %x", got, want)
	}
}

// TestSystem_CheckpointedJournalSurvivesCrash simulates a crash: a
// checkpoint record is written directly to the top journal (bypassing
// System.Checkpoint's rotate-and-archive path, so the write is never
// folded into the backing resource), and a fresh System is opened against
// the same directory without the first one ever calling Stop. Recovery
// should replay the checkpointed journal into the backing file.
func TestSystem_CheckpointedJournalSurvivesCrash(t *testing.T) {
	dir := t.TempDir()
	sys := openTestSystem(t, dir)

	if _, err := sys.OpenResource("res.dat", 0); err != nil {
		t.Fatalf("open resource: %v", err)
	}
	if err := sys.SetResourceSize("res.dat", testPageSize); err != nil {
		t.Fatalf("set size: %v", err)
	}
	want := bytes.Repeat([]byte{0x77}, testPageSize)
	if err := sys.Write("res.dat", 0, want, 0); err != nil {
		t.Fatalf("write: %v", err)
	}

	sys.mu.Lock()
	top := sys.top
	sys.mu.Unlock()
	if err := top.SetCheckpoint(); err != nil {
		t.Fatalf("checkpoint top journal directly: %v", err)
	}
	// No Stop(): the journal file and backing resource are left exactly as
	// a crash would leave them — checkpointed in the journal, never
	// applied to the backing slicefile.

	sys2, err := OpenSystem(dir, testPageSize, logx.Nop)
	if err != nil {
		t.Fatalf("reopen after crash: %v", err)
	}
	defer sys2.Stop()

	if _, err := sys2.OpenResource("res.dat", 0); err != nil {
		t.Fatalf("reopen resource post-recovery: %v", err)
	}
	got := make([]byte, testPageSize)
	if _, err := sys2.Read("res.dat", 0, got); err != nil {
		t.Fatalf("read after recovery: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("checkpointed write did not survive recovery: got %x, want %x", got, want)
	}
}

// TestSystem_UncheckpointedJournalDiscardedOnRecovery verifies the
// complementary case: a journal with no CHECKPOINT record at all
// contributes nothing on recovery — its writes were never durable.
func TestSystem_UncheckpointedJournalDiscardedOnRecovery(t *testing.T) {
	dir := t.TempDir()
	sys := openTestSystem(t, dir)

	if _, err := sys.OpenResource("res.dat", 0); err != nil {
		t.Fatalf("open resource: %v", err)
	}
	if err := sys.SetResourceSize("res.dat", testPageSize); err != nil {
		t.Fatalf("set size: %v", err)
	}
	if err := sys.Write("res.dat", 0, bytes.Repeat([]byte{0x55}, testPageSize), 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Crash without ever checkpointing.

	sys2, err := OpenSystem(dir, testPageSize, logx.Nop)
	if err != nil {
		t.Fatalf("reopen after crash: %v", err)
	}
	defer sys2.Stop()

	if _, err := sys2.OpenResource("res.dat", 0); err != nil {
		t.Fatalf("reopen resource post-recovery: %v", err)
	}
	got := make([]byte, testPageSize)
	if _, err := sys2.Read("res.dat", 0, got); err != nil {
		t.Fatalf("read after recovery: %v", err)
	}
	if !bytes.Equal(got, make([]byte, testPageSize)) {
		t.Fatalf("expected uncheckpointed write to be discarded, got %x", got)
	}
}

func TestSystem_DeleteResourceRemovesBackingSlices(t *testing.T) {
	dir := t.TempDir()
	sys := openTestSystem(t, dir)
	defer sys.Stop()

	if _, err := sys.OpenResource("res.dat", 0); err != nil {
		t.Fatalf("open resource: %v", err)
	}
	if err := sys.DeleteResource("res.dat"); err != nil {
		t.Fatalf("delete resource: %v", err)
	}
	if err := sys.SetResourceSize("res.dat", 8); err == nil {
		t.Fatal("expected set-size on deleted resource to fail")
	}
}

func TestSystem_PersisterHealthReportsRunningAfterOpen(t *testing.T) {
	dir := t.TempDir()
	sys := openTestSystem(t, dir)
	defer sys.Stop()

	h := sys.PersisterHealth()
	if !h.Running {
		t.Fatal("expected a freshly opened system's persister to be running")
	}
}

// TestSystem_ReadSucceedsAfterRotatedJournalIsPersisted exercises an
// in-process write -> rotate -> background-persist -> re-read sequence,
// with no restart. A resource's pending chain entry keeps its journal's
// refcount above zero even after the background persister has folded
// the journal's records back into the backing resource, so the journal
// file must still be readable (or simply not force-deleted) on the next
// Read of that same page.
func TestSystem_ReadSucceedsAfterRotatedJournalIsPersisted(t *testing.T) {
	dir := t.TempDir()
	sys := openTestSystem(t, dir)
	defer sys.Stop()

	const resourceName = "res.dat"
	if _, err := sys.OpenResource(resourceName, 0); err != nil {
		t.Fatalf("open resource: %v", err)
	}
	if err := sys.SetResourceSize(resourceName, testPageSize); err != nil {
		t.Fatalf("set size: %v", err)
	}
	if err := sys.Write(resourceName, 0, []byte{0xCC}, 0); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Force a rotation regardless of size: the journal holding the write
	// above moves to the archive queue for the background persister to
	// fold back and release, even though the resource's pending chain
	// entry still references it.
	if err := sys.Checkpoint(true); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		sys.mu.Lock()
		drained := len(sys.archive) == 0
		sys.mu.Unlock()
		if drained {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the persister to drain the archived journal")
		}
		time.Sleep(time.Millisecond)
	}

	buf := make([]byte, 1)
	if _, err := sys.Read(resourceName, 0, buf); err != nil {
		t.Fatalf("read after rotated journal was persisted: %v (a rotated-but-still-referenced journal must not be force-deleted out from under a live pending chain entry)", err)
	}
	if buf[0] != 0xCC {
		t.Fatalf("got %#x, want 0xCC", buf[0])
	}
}

func TestSystem_OpenIDIsFreshOnEachOpen(t *testing.T) {
	dir := t.TempDir()
	sys := openTestSystem(t, dir)
	id1 := sys.OpenID()
	if err := sys.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	sys2 := openTestSystem(t, dir)
	defer sys2.Stop()
	if sys2.OpenID() == id1 {
		t.Fatal("expected a fresh random OpenID on each open")
	}
}
