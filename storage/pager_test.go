package storage

import (
	"os"
	"testing"
)

func tempPath(t *testing.T) string {
	t.Helper()
	f, err := os.CreateTemp("", "devi_storage_*.db")
	if err != nil {
		t.Fatal(err)
	}
	path := f.Name()
	f.Close()
	os.Remove(path)
	t.Cleanup(func() {
		os.Remove(path)
		os.Remove(path + ".lock")
	})
	return path
}

func TestPagerCreateAndClose(t *testing.T) {
	path := tempPath(t)
	p, err := Open(path, Options{CacheSize: 16})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() < PageSize {
		t.Errorf("file size = %d, want >= %d", info.Size(), PageSize)
	}
}

func TestPagerWritePageReadPageRoundTrip(t *testing.T) {
	path := tempPath(t)
	p, err := Open(path, Options{CacheSize: 16})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	pn, err := p.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	var buf [PageSize]byte
	copy(buf[:], "hello page")
	if err := p.WritePage(pn, buf); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	got, err := p.ReadPage(pn)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if got != buf {
		t.Fatal("ReadPage did not return what WritePage stored")
	}
}

func TestPagerFreePageIsReused(t *testing.T) {
	path := tempPath(t)
	p, err := Open(path, Options{CacheSize: 16})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	pn, err := p.AllocPage()
	if err != nil {
		t.Fatal(err)
	}
	if err := p.FreePage(pn); err != nil {
		t.Fatalf("FreePage: %v", err)
	}
	reused, err := p.AllocPage()
	if err != nil {
		t.Fatal(err)
	}
	if reused != pn {
		t.Fatalf("AllocPage after FreePage = %d, want reused page %d", reused, pn)
	}
}

func TestPagerMetadataPageAndNextTxIDPersistAcrossReopen(t *testing.T) {
	path := tempPath(t)
	p, err := Open(path, Options{CacheSize: 16})
	if err != nil {
		t.Fatal(err)
	}
	pn, err := p.AllocPage()
	if err != nil {
		t.Fatal(err)
	}
	p.SetMetadataPage(pn)
	p.SetNextTxID(42)
	if err := p.WriteHeader(); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}

	p2, err := Open(path, Options{CacheSize: 16})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close()
	if p2.MetadataPage() != pn {
		t.Errorf("MetadataPage after reopen = %d, want %d", p2.MetadataPage(), pn)
	}
	if p2.NextTxID() != 42 {
		t.Errorf("NextTxID after reopen = %d, want 42", p2.NextTxID())
	}
}

func TestPagerReadOnlyRejectsWrites(t *testing.T) {
	path := tempPath(t)
	p, err := Open(path, Options{CacheSize: 16})
	if err != nil {
		t.Fatal(err)
	}
	pn, err := p.AllocPage()
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}

	ro, err := Open(path, Options{CacheSize: 16, ReadOnly: true})
	if err != nil {
		t.Fatalf("Open read-only: %v", err)
	}
	defer ro.Close()
	var buf [PageSize]byte
	if err := ro.WritePage(pn, buf); err == nil {
		t.Fatal("expected an error writing to a read-only pager")
	}
}

func TestHeaderSerializeDeserializeRoundTrip(t *testing.T) {
	h := &Header{NumPages: 5, MetadataPage: 2, NextTxID: 7, FreeList: []PageNum{3, 4}}
	buf, err := h.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	got, err := DeserializeHeader(buf)
	if err != nil {
		t.Fatalf("DeserializeHeader: %v", err)
	}
	if got.NumPages != 5 || got.MetadataPage != 2 || got.NextTxID != 7 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if len(got.FreeList) != 2 || got.FreeList[0] != 3 || got.FreeList[1] != 4 {
		t.Fatalf("FreeList = %v, want [3 4]", got.FreeList)
	}
}

func TestHeaderDeserializeRejectsBadMagic(t *testing.T) {
	var buf [PageSize]byte
	if _, err := DeserializeHeader(buf); err == nil {
		t.Fatal("expected corruption error for a zeroed (bad magic) header page")
	}
}

func TestHeaderDeserializeRejectsDuplicateFreeListEntry(t *testing.T) {
	h := &Header{NumPages: 5, FreeList: []PageNum{2, 2}}
	buf, err := h.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DeserializeHeader(buf); err == nil {
		t.Fatal("expected corruption error for a duplicate free-list entry")
	}
}

func TestWriteVersionedDocumentReadBackSmall(t *testing.T) {
	path := tempPath(t)
	p, err := Open(path, Options{CacheSize: 16})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	pn, _, err := WriteVersionedDocument(p, "doc1", []byte(`{"a":1}`), 10, 0, nil)
	if err != nil {
		t.Fatalf("WriteVersionedDocument: %v", err)
	}
	id, data, xmin, xmax, err := ReadVersionedDocument(p, pn, nil)
	if err != nil {
		t.Fatalf("ReadVersionedDocument: %v", err)
	}
	if id != "doc1" || string(data) != `{"a":1}` || xmin != 10 || xmax != 0 {
		t.Fatalf("round trip = id=%q data=%q xmin=%d xmax=%d", id, data, xmin, xmax)
	}
}

func TestWriteVersionedDocumentOverflowChain(t *testing.T) {
	path := tempPath(t)
	p, err := Open(path, Options{CacheSize: 64})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	big := make([]byte, PageSize*3)
	for i := range big {
		big[i] = byte(i % 251)
	}
	pn, _, err := WriteVersionedDocument(p, "big", big, 1, 0, nil)
	if err != nil {
		t.Fatalf("WriteVersionedDocument: %v", err)
	}
	id, data, _, _, err := ReadVersionedDocument(p, pn, nil)
	if err != nil {
		t.Fatalf("ReadVersionedDocument: %v", err)
	}
	if id != "big" || len(data) != len(big) {
		t.Fatalf("len(data) = %d, want %d", len(data), len(big))
	}
	for i := range data {
		if data[i] != big[i] {
			t.Fatalf("byte %d mismatch: got %d, want %d", i, data[i], big[i])
		}
	}
}

func TestDeleteDocumentFreesItsPages(t *testing.T) {
	path := tempPath(t)
	p, err := Open(path, Options{CacheSize: 64})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	big := make([]byte, PageSize*2)
	pn, _, err := WriteVersionedDocument(p, "doc1", big, 1, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := DeleteDocument(p, pn); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	reused, err := p.AllocPage()
	if err != nil {
		t.Fatal(err)
	}
	if reused != pn {
		t.Fatalf("AllocPage after DeleteDocument = %d, want the freed first page %d", reused, pn)
	}
}

func TestWALWriteFrameAndReadAllFrames(t *testing.T) {
	path := tempPath(t)
	p, err := Open(path, Options{CacheSize: 16})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	wal, err := OpenWAL(path, nil, nil)
	if err != nil {
		t.Fatalf("OpenWAL: %v", err)
	}
	defer wal.Close()

	var payload [PageSize]byte
	copy(payload[:], "frame payload")
	if err := wal.WriteFrame(1, 5, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if err := wal.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	frames, err := wal.ReadAllFrames()
	if err != nil {
		t.Fatalf("ReadAllFrames: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("len(frames) = %d, want 1", len(frames))
	}
	if frames[0].TxID != 1 || frames[0].PageNum != 5 || frames[0].Payload != payload {
		t.Fatalf("frame mismatch: %+v", frames[0])
	}
}

func TestWALCheckpointAppliesFramesAndClearsThem(t *testing.T) {
	path := tempPath(t)
	p, err := Open(path, Options{CacheSize: 16})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	wal, err := OpenWAL(path, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer wal.Close()

	pn, err := p.AllocPage()
	if err != nil {
		t.Fatal(err)
	}
	var payload [PageSize]byte
	copy(payload[:], "checkpoint me")
	if err := wal.WriteFrame(1, pn, payload); err != nil {
		t.Fatal(err)
	}
	if err := wal.Sync(); err != nil {
		t.Fatal(err)
	}
	if err := wal.Checkpoint(p); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if wal.FrameCount() != 0 {
		t.Fatalf("FrameCount after checkpoint = %d, want 0", wal.FrameCount())
	}
	got, err := p.ReadPage(pn)
	if err != nil {
		t.Fatal(err)
	}
	if got != payload {
		t.Fatal("checkpoint should have applied the WAL frame to the main file")
	}
}
