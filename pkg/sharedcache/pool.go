package sharedcache

import (
	"context"
	"io"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// mappedFile is a single backing cache file, mmap'd in full and
// reference counted. It is created lazily the first time a LazyHandle
// is locked and torn down (munmap'd) when both its refcount drops to
// zero and the pool's LRU has evicted it.
type mappedFile struct {
	pool *Pool
	path string

	mu   sync.Mutex
	data []byte
	f    *os.File
	refs int

	slideInfoApplied bool
}

// LazyHandle is the weak-reference side of the pool's handle pair: it
// names a backing file without holding it open. This is the Go
// analogue of the original loader's SelfAllocatingWeakPtr -- cheap to
// copy, cheap to store in the VM's range table, and it allocates the underlying
// mmap only when something actually needs the bytes.
type LazyHandle struct {
	pool *Pool
	path string
}

// StrongHandle is returned by LazyHandle.Lock; it keeps the backing
// file's mmap alive (refcount held) until Close is called, which
// callers should always do via defer.
type StrongHandle struct {
	file *mappedFile
}

// Pool owns every mmap'd backing file for one loaded cache. It bounds
// concurrent mmaps with a counting semaphore (the same primitive the
// rest of this codebase's sibling tools use for bounding concurrent
// file work) and keeps recently-unlocked files open via an LRU so a
// tight loop of Lock/Close pairs doesn't thrash mmap/munmap.
type Pool struct {
	sem *semaphore.Weighted
	lru *lru.Cache[string, *mappedFile]

	mu    sync.Mutex
	files map[string]*mappedFile

	releaseQueue chan func()
}

// NewPool constructs a Pool bounded by the given options. Options are
// assumed already defaulted (see Options.withDefaults).
func NewPool(opts Options) *Pool {
	p := &Pool{
		sem:          semaphore.NewWeighted(opts.MaxConcurrentMappedFiles),
		files:        make(map[string]*mappedFile),
		releaseQueue: make(chan func(), 64),
	}
	c, _ := lru.NewWithEvict(opts.MappedFileLRUSize, func(_ string, mf *mappedFile) {
		p.releaseQueue <- func() { mf.releaseIfUnused() }
	})
	p.lru = c
	go p.drainReleases()
	return p
}

func (p *Pool) drainReleases() {
	for fn := range p.releaseQueue {
		fn()
	}
}

// Open returns a LazyHandle naming path. It performs no I/O; the file
// is not opened until Lock is called.
func (p *Pool) Open(path string) LazyHandle {
	return LazyHandle{pool: p, path: path}
}

// Lock resolves h to a live mmap, mapping the file for the first time
// if necessary, and returns a StrongHandle the caller must Close.
// Mapping a new file blocks on the pool's semaphore, bounding how many
// files may be mmap'd concurrently; ctx governs that wait only.
func (h LazyHandle) Lock(ctx context.Context) (StrongHandle, error) {
	p := h.pool
	p.mu.Lock()
	mf, ok := p.files[h.path]
	if ok {
		mf.mu.Lock()
		mf.refs++
		mf.mu.Unlock()
		p.lru.Remove(h.path)
		p.mu.Unlock()
		return StrongHandle{file: mf}, nil
	}
	p.mu.Unlock()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return StrongHandle{}, errors.Wrap(err, "sharedcache: acquire mmap slot")
	}

	f, err := os.Open(h.path)
	if err != nil {
		p.sem.Release(1)
		return StrongHandle{}, errors.Wrapf(ErrFileMissing, "open %s: %v", h.path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		p.sem.Release(1)
		return StrongHandle{}, errors.Wrapf(ErrFileMissing, "stat %s: %v", h.path, err)
	}
	data, err := mmapFile(f, int(st.Size()))
	if err != nil {
		f.Close()
		p.sem.Release(1)
		return StrongHandle{}, errors.Wrapf(ErrMmapFailed, "%s: %v", h.path, err)
	}

	mf = &mappedFile{pool: p, path: h.path, data: data, f: f, refs: 1}

	p.mu.Lock()
	p.files[h.path] = mf
	p.mu.Unlock()

	return StrongHandle{file: mf}, nil
}

// Close releases the strong reference. Once the last reference is
// dropped the file becomes LRU-evictable rather than immediately
// unmapped, so a hot loop of Lock/Close doesn't pay mmap/munmap cost
// on every iteration.
func (h StrongHandle) Close() {
	mf := h.file
	mf.mu.Lock()
	mf.refs--
	remaining := mf.refs
	mf.mu.Unlock()
	if remaining == 0 {
		mf.pool.lru.Add(mf.path, mf)
	}
}

// Bytes returns the full mmap'd contents. Valid only while the
// StrongHandle that produced it (or another live handle to the same
// file) has not been Closed down to zero references and evicted.
func (h StrongHandle) Bytes() []byte { return h.file.data }

// Path returns the backing file's path.
func (h StrongHandle) Path() string { return h.file.path }

func (mf *mappedFile) releaseIfUnused() {
	p := mf.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	mf.mu.Lock()
	defer mf.mu.Unlock()
	if mf.refs != 0 || mf.data == nil {
		return
	}
	if cur, ok := p.lru.Peek(mf.path); ok && cur == mf {
		return
	}
	if p.files[mf.path] == mf {
		delete(p.files, mf.path)
	}
	munmapFile(mf.data)
	mf.f.Close()
	p.sem.Release(1)
	mf.data = nil
}

// CloseAll forcibly unmaps every file still held by the pool,
// regardless of refcount. Intended for controller teardown once no
// reader can possibly still be in flight.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	files := make([]*mappedFile, 0, len(p.files))
	for _, mf := range p.files {
		files = append(files, mf)
	}
	p.mu.Unlock()

	for _, mf := range files {
		mf.mu.Lock()
		if mf.data != nil {
			munmapFile(mf.data)
			mf.f.Close()
			mf.data = nil
		}
		mf.mu.Unlock()
		p.mu.Lock()
		delete(p.files, mf.path)
		p.mu.Unlock()
	}
	p.lru.Purge()
}

// slideInfoWasApplied/setSlideInfoWasApplied let the slide-info
// rebaser (C5) make ApplySlideInfoForFile idempotent per file,
// matching the original loader's per-accessor sticky flag.
func (h StrongHandle) slideInfoWasApplied() bool {
	h.file.mu.Lock()
	defer h.file.mu.Unlock()
	return h.file.slideInfoApplied
}

func (h StrongHandle) setSlideInfoWasApplied(v bool) {
	h.file.mu.Lock()
	h.file.slideInfoApplied = v
	h.file.mu.Unlock()
}

// WritePointer overwrites a pointer-sized little-endian value at a
// file offset within this mapping. Used only by the slide-info
// rebaser's write-back pass.
func (h StrongHandle) WritePointer(fileOffset uint64, value uint64) error {
	b := h.file.data
	if fileOffset+8 > uint64(len(b)) {
		return errors.Wrapf(ErrReadOutOfRange, "WritePointer offset %#x", fileOffset)
	}
	putUint64LE(b[fileOffset:fileOffset+8], value)
	return nil
}

func putUint64LE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

var _ io.ReaderAt = (*sectionReaderAt)(nil)

// sectionReaderAt adapts a StrongHandle to io.ReaderAt for callers
// that want stdlib-shaped random access without learning the pool's
// handle API. Nothing in this package uses it at present; the Mach-O
// parser reads through the VM's Reader instead.
type sectionReaderAt struct {
	h StrongHandle
}

func (s *sectionReaderAt) ReadAt(p []byte, off int64) (int, error) {
	b := s.h.Bytes()
	if off < 0 || off >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
