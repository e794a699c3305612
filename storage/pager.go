package storage

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/devi-db/devi/dberr"
	"github.com/devi-db/devi/dbstat"
	"github.com/devi-db/devi/devilog"
)

// Pager owns the main file's page cache, free-list and header, and is
// the sole component that performs page-granular I/O. It never
// retries on I/O error and never interprets WAL frames — recovery
// lives in package devi's recoverFromWAL, which replays the WAL via
// WAL.Checkpoint and then hands the recovered header back through
// SetHeaderFromRecovery.
type Pager struct {
	mu   sync.Mutex
	file StorageFile
	path string
	lock *fileLock

	header   *Header
	cache    *lruCache
	readOnly bool

	stats *dbstat.Stats
	log   *devilog.Logger
}

// Options controls how Open builds a Pager.
type Options struct {
	CacheSize int
	ReadOnly  bool
	Stats     *dbstat.Stats
	Log       *devilog.Logger
}

// Open opens or initializes the main file at path. path must be
// non-empty and must not contain "..".
func Open(path string, opts Options) (*Pager, error) {
	if path == "" || strings.Contains(path, "..") {
		return nil, fmt.Errorf("devi: invalid database path %q", path)
	}
	lg := opts.Log
	if lg == nil {
		lg = devilog.Nop()
	}

	lock, err := lockFile(path, opts.ReadOnly)
	if err != nil {
		if errors.Is(err, errLockHeld) {
			return nil, dberr.DatabaseAlreadyOpen()
		}
		return nil, dberr.IO(err)
	}

	flags := os.O_RDWR | os.O_CREATE
	if opts.ReadOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		lock.unlock()
		return nil, fmt.Errorf("devi: cannot open %q: %w", path, err)
	}
	file := newOSFile(f)

	p := &Pager{
		file:     file,
		path:     path,
		lock:     lock,
		cache:    newLRUCache(opts.CacheSize),
		readOnly: opts.ReadOnly,
		stats:    opts.Stats,
		log:      lg,
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		lock.unlock()
		return nil, dberr.IO(err)
	}

	if info.Size() == 0 {
		if opts.ReadOnly {
			file.Close()
			lock.unlock()
			return nil, fmt.Errorf("devi: cannot create database %q in read-only mode", path)
		}
		p.header = &Header{NumPages: 1}
		if err := p.writeHeaderLocked(true); err != nil {
			file.Close()
			lock.unlock()
			return nil, err
		}
	} else {
		var buf [PageSize]byte
		if _, err := file.ReadAt(buf[:], 0); err != nil {
			file.Close()
			lock.unlock()
			return nil, dberr.IO(err)
		}
		hdr, err := DeserializeHeader(buf)
		if err != nil {
			file.Close()
			lock.unlock()
			return nil, err
		}
		p.header = hdr
	}

	lg.Debug().Str("path", path).Uint64("num_pages", p.header.NumPages).Msg("pager opened")
	return p, nil
}

// Close releases the file lock and underlying file descriptor. It
// does not flush — callers (Database.Close) must flush explicitly
// first if they want dirty pages durable.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.file.Close()
	if p.lock != nil {
		p.lock.unlock()
	}
	return err
}

func (p *Pager) checkWritable(op string) error {
	if p.readOnly {
		return dberr.DatabaseReadOnly(op)
	}
	return nil
}

// ReadPage returns the current image of page pn, cache-first.
func (p *Pager) ReadPage(pn PageNum) ([PageSize]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readPageLocked(pn)
}

func (p *Pager) readPageLocked(pn PageNum) ([PageSize]byte, error) {
	if data, ok := p.cache.get(pn); ok {
		p.stats.CacheHit()
		return data, nil
	}
	p.stats.CacheMiss()
	var buf [PageSize]byte
	if _, err := p.file.ReadAt(buf[:], int64(pn)*PageSize); err != nil {
		return buf, dberr.IO(err)
	}
	p.cache.put(pn, buf)
	return buf, nil
}

// WritePage stages pn's new image in the cache, dirty. No disk I/O
// happens here; it reaches disk on the next flush.
func (p *Pager) WritePage(pn PageNum, data [PageSize]byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writePageLocked(pn, data)
}

func (p *Pager) writePageLocked(pn PageNum, data [PageSize]byte) error {
	if err := p.checkWritable("write page"); err != nil {
		return err
	}
	p.cache.putDirty(pn, data)
	return nil
}

// AllocPage pops a free-list entry, or extends the file by one page.
func (p *Pager) AllocPage() (PageNum, error) {
	return p.AllocPageMinimum(0)
}

// AllocPageMinimum is like AllocPage but skips free-list entries below
// min, so a freshly allocated B+Tree root never regresses to a
// smaller, recycled page number (spec.md §4.3.2, §9 "CoW root regression").
func (p *Pager) AllocPageMinimum(min PageNum) (PageNum, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkWritable("allocate page"); err != nil {
		return 0, err
	}

	for i, pn := range p.header.FreeList {
		if pn >= min {
			p.header.FreeList = append(p.header.FreeList[:i], p.header.FreeList[i+1:]...)
			return pn, nil
		}
	}

	pn := PageNum(p.header.NumPages)
	p.header.NumPages++
	var empty [PageSize]byte
	p.cache.putDirty(pn, empty)
	return pn, nil
}

// FreePage pushes pn onto the free list and evicts it from the cache.
// Per spec.md's open question, freeing a page that would overflow the
// header's free-list capacity is rejected rather than silently
// truncated — see DESIGN.md.
func (p *Pager) FreePage(pn PageNum) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkWritable("free page"); err != nil {
		return err
	}
	if len(p.header.FreeList) >= MaxFreeListEntries() {
		return fmt.Errorf("devi: free list is at capacity (%d entries), cannot free page %d", MaxFreeListEntries(), pn)
	}
	p.header.FreeList = append(p.header.FreeList, pn)
	p.cache.invalidate(pn)
	return nil
}

// Flush writes every dirty page in sorted page-number order, then
// fsyncs the main file.
func (p *Pager) Flush() error {
	if err := p.FlushNoSync(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.file.Sync()
}

// FlushNoSync writes dirty pages without fsyncing.
func (p *Pager) FlushNoSync() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	dirty := p.cache.dirtyPages()
	sort.Slice(dirty, func(i, j int) bool { return dirty[i] < dirty[j] })
	for _, pn := range dirty {
		data, ok := p.cache.get(pn)
		if !ok {
			continue
		}
		if _, err := p.file.WriteAt(data[:], int64(pn)*PageSize); err != nil {
			return dberr.IO(err)
		}
		p.cache.clearDirty(pn)
	}
	return nil
}

// SyncDataOnly fdatasyncs the main file — a throughput optimization,
// never the source of durability (that is WAL.Sync).
func (p *Pager) SyncDataOnly() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.file.SyncData()
}

// WritePagesDirect bypasses the cache entirely: it sorts pages by
// number, coalesces consecutive runs into single WriteAt calls, and
// fsyncs once at the end. Used only by WAL.Checkpoint.
func (p *Pager) WritePagesDirect(pages map[PageNum][PageSize]byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(pages) == 0 {
		return nil
	}
	nums := make([]PageNum, 0, len(pages))
	for pn := range pages {
		nums = append(nums, pn)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	i := 0
	for i < len(nums) {
		j := i + 1
		for j < len(nums) && nums[j] == nums[j-1]+1 {
			j++
		}
		run := nums[i:j]
		buf := make([]byte, len(run)*PageSize)
		for k, pn := range run {
			copy(buf[k*PageSize:], pages[pn][:])
		}
		if _, err := p.file.WriteAt(buf, int64(run[0])*PageSize); err != nil {
			return dberr.IO(err)
		}
		for _, pn := range run {
			p.cache.invalidate(pn)
		}
		i = j
	}
	return p.file.Sync()
}

// WriteHeader serializes and writes page 0, then fsyncs.
func (p *Pager) WriteHeader() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeHeaderLocked(true)
}

// WriteHeaderNoSync is the same without the fsync.
func (p *Pager) WriteHeaderNoSync() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeHeaderLocked(false)
}

func (p *Pager) writeHeaderLocked(doSync bool) error {
	buf, err := p.header.Serialize()
	if err != nil {
		return err
	}
	if _, err := p.file.WriteAt(buf[:], 0); err != nil {
		return dberr.IO(err)
	}
	p.cache.invalidate(HeaderPage)
	if doSync {
		return p.file.Sync()
	}
	return nil
}

// HeaderBuf serializes the current in-memory header without writing
// it anywhere, for staging into a WAL frame alongside the catalog
// write (spec.md §4.6.2 step 7).
func (p *Pager) HeaderBuf() ([PageSize]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.header.Serialize()
}

// NumPages reports the total number of allocated pages, including page 0.
func (p *Pager) NumPages() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.header.NumPages
}

// MetadataPage returns the header's recorded catalog page (0 = unset).
func (p *Pager) MetadataPage() PageNum {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.header.MetadataPage
}

// SetMetadataPage records the catalog's page number in the in-memory
// header; it is not persisted until WriteHeader[NoSync].
func (p *Pager) SetMetadataPage(pn PageNum) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.header.MetadataPage = pn
}

// NextTxID returns the header's persisted next_tx_id counter.
func (p *Pager) NextTxID() TxID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.header.NextTxID
}

// SetNextTxID records the next mvcc tx id to persist on the next header write.
func (p *Pager) SetNextTxID(id TxID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.header.NextTxID = id
}

// ReadOnly reports whether this Pager rejects mutating operations.
func (p *Pager) ReadOnly() bool { return p.readOnly }

// Path returns the main file's path.
func (p *Pager) Path() string { return p.path }

// SetHeaderFromRecovery overwrites the in-memory header wholesale;
// used once by WAL recovery after reconstructing num_pages/metadata_page
// from the last header frame plus the observed page range.
func (p *Pager) SetHeaderFromRecovery(h *Header) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.header = h
	p.cache.invalidate(HeaderPage)
}

// CacheStats exposes raw hit/miss/size counters for diagnostics.
func (p *Pager) CacheStats() (hits, misses uint64, size, capacity int) {
	return p.cache.stats()
}
