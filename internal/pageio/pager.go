package pageio

import (
	"fmt"
	"io"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// Pager is a file-backed fixed-size page allocator with an LRU page
// cache and a free-page list, matching the contract in spec section
// 4.1: read/write/allocate/free/flush_dirty/checkpoint. Writes are
// cached and marked dirty; the backing file is only updated by
// FlushDirty/Checkpoint (WAL durability happens one layer up, in
// internal/wal + internal/txn, which read DirtyPages to build frames).
type Pager struct {
	mu sync.Mutex

	file     *os.File
	pageSize int
	cache    *lru.Cache[uint32, *Page]

	nextPageID uint32
	freeHead   uint32

	dirty map[uint32]*Page

	logger *zap.Logger

	ioReads uint64
}

// Open opens (or creates, if it does not exist) the data file at path
// and wires up a page cache of cachePages entries. nextPageID starts
// from the file's size; the caller seeds freeHead from the catalog
// header via SetAllocatorState once the header has been read.
func Open(path string, pageSize, cachePages int, logger *zap.Logger) (*Pager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("pageio: open %s: %w", path, err)
	}
	cache, err := lru.New[uint32, *Page](cachePages)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("pageio: new cache: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("pageio: stat %s: %w", path, err)
	}

	// fi.Size()/pageSize counts every pageSize-wide slot already in the
	// file, including slot 0 (the catalog header, which this pager
	// never allocates into). So the next id this pager may hand out is
	// exactly that slot count, not one more — id 1 begins at file
	// offset pageSize, immediately after the header.
	pageCount := uint32(fi.Size() / int64(pageSize))
	pg := &Pager{
		file:       f,
		pageSize:   pageSize,
		cache:      cache,
		nextPageID: pageCount,
		dirty:      make(map[uint32]*Page),
		logger:     logger,
	}
	if pg.nextPageID == 0 {
		pg.nextPageID = 1
	}
	return pg, nil
}

// SetAllocatorState overrides the next-page-id counter and free-list
// head. Database.Open uses it to install the catalog header's free-list
// head, and to raise nextPageID past pages restored from the WAL.
func (pg *Pager) SetAllocatorState(nextPageID, freeHead uint32) {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	pg.nextPageID = nextPageID
	pg.freeHead = freeHead
}

// AllocatorState returns the current next-page-id counter and
// free-list head. Database.Close persists the free-list head into the
// catalog header; the header has no next-page-id field.
func (pg *Pager) AllocatorState() (nextPageID, freeHead uint32) {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	return pg.nextPageID, pg.freeHead
}

func (pg *Pager) PageSize() int { return pg.pageSize }

func (pg *Pager) offset(id uint32) int64 {
	return int64(id) * int64(pg.pageSize)
}

// Read returns the page with the given id, consulting the cache first
// and falling back to the file on a miss. Checksums are verified on
// every disk read.
func (pg *Pager) Read(id uint32) (*Page, error) {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	return pg.readLocked(id)
}

func (pg *Pager) readLocked(id uint32) (*Page, error) {
	if p, ok := pg.dirty[id]; ok {
		return p, nil
	}
	if p, ok := pg.cache.Get(id); ok {
		return p, nil
	}

	buf := make([]byte, pg.pageSize)
	n, err := pg.file.ReadAt(buf, pg.offset(id))
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("pageio: read page %d: %w", id, err)
	}
	if n < pg.pageSize {
		return nil, fmt.Errorf("pageio: read page %d: short read: %w", id, ErrNotFound)
	}

	p := &Page{ID: id, Buf: buf}
	if err := p.Verify(); err != nil {
		return nil, err
	}

	pg.ioReads++
	pg.cache.Add(id, p)
	return p, nil
}

// Write marks p dirty and installs it in the cache; the on-disk file
// is not touched until FlushDirty/Checkpoint. p.Finalize() must have
// been called by the caller before Write.
func (pg *Pager) Write(p *Page) error {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	pg.dirty[p.ID] = p
	pg.cache.Add(p.ID, p)
	return nil
}

// Allocate pops a page id off the free list if one is available,
// otherwise extends the file by one page. The returned page is a
// fresh, finalized page of the requested kind, already marked dirty.
func (pg *Pager) Allocate(kind Kind) (*Page, error) {
	pg.mu.Lock()
	defer pg.mu.Unlock()

	var id uint32
	if pg.freeHead != 0 {
		freePage, err := pg.readLocked(pg.freeHead)
		if err != nil {
			return nil, fmt.Errorf("pageio: allocate: reading free list head: %w", err)
		}
		id = pg.freeHead
		pg.freeHead = freePage.NextFree()
	} else {
		id = pg.nextPageID
		pg.nextPageID++
	}

	p := newPage(id, kind, pg.pageSize)
	p.Finalize()
	pg.dirty[id] = p
	pg.cache.Add(id, p)
	return p, nil
}

// Free links page id onto the free list and rewrites its magic to
// Free, per spec section 4.1.
func (pg *Pager) Free(id uint32) error {
	pg.mu.Lock()
	defer pg.mu.Unlock()

	p, err := pg.readLocked(id)
	if err != nil {
		return fmt.Errorf("pageio: free page %d: %w", id, err)
	}
	p.SetNextFree(pg.freeHead)
	pg.freeHead = id
	pg.dirty[id] = p
	pg.cache.Add(id, p)
	return nil
}

// DirtyPages returns a snapshot of the currently dirty pages, keyed by
// page id. Used by internal/txn to build WAL frames at commit time.
func (pg *Pager) DirtyPages() map[uint32]*Page {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	out := make(map[uint32]*Page, len(pg.dirty))
	for id, p := range pg.dirty {
		out[id] = p
	}
	return out
}

// ClearDirty drops the given page ids from the dirty set without
// writing them to the file. Used on transaction rollback.
func (pg *Pager) ClearDirty(ids ...uint32) {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	for _, id := range ids {
		delete(pg.dirty, id)
	}
}

// Put installs a page directly into the cache, bypassing dirty
// tracking. WAL recovery in Database.Open uses Write instead, so that
// replayed pages are flushed by the checkpoint that follows.
func (pg *Pager) Put(p *Page) {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	pg.cache.Add(p.ID, p)
}

// FlushDirty writes every dirty page to the backing file and clears
// the dirty set, without fsyncing (callers that need durability should
// fsync the file themselves, or rely on WAL group commit).
func (pg *Pager) FlushDirty() error {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	return pg.flushDirtyLocked()
}

func (pg *Pager) flushDirtyLocked() error {
	for id, p := range pg.dirty {
		if _, err := pg.file.WriteAt(p.Buf, pg.offset(id)); err != nil {
			return fmt.Errorf("pageio: flush page %d: %w", id, err)
		}
		delete(pg.dirty, id)
	}
	return nil
}

// Checkpoint flushes all dirty pages and fsyncs the backing file. The
// caller (internal/catalog via the top-level Database) is responsible
// for truncating/rotating the WAL and persisting allocator state into
// the header afterward.
func (pg *Pager) Checkpoint() error {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	if err := pg.flushDirtyLocked(); err != nil {
		return err
	}
	if err := pg.file.Sync(); err != nil {
		return fmt.Errorf("pageio: checkpoint fsync: %w", err)
	}
	pg.logger.Info("checkpoint complete", zap.Uint32("next_page_id", pg.nextPageID))
	return nil
}

// IOReads returns the number of cache-miss disk reads served so far.
func (pg *Pager) IOReads() uint64 {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	return pg.ioReads
}

func (pg *Pager) Close() error {
	if err := pg.Checkpoint(); err != nil {
		return err
	}
	return pg.file.Close()
}
