package pagestore

import (
	"fmt"
	"os"
	"sync"

	"github.com/IVOES/splinterdb/errs"
)

const (
	mmapProtRW   = 0x1 | 0x2 // PROT_READ | PROT_WRITE
	mmapShared   = 0x1       // MAP_SHARED
	initialMmap  = 64 << 20
)

// File is the mmap-backed, direct-I/O-flavored Store implementation
// (REDESIGN FLAGS item 6). It is adapted from the teacher's KV.Open /
// extendFile / extendMmap discipline: a growable set of mmap chunks
// over an on-disk file, page 0 reserved for the super page (spec.md
// §6, "Persisted layout"; BlockAllocator never hands out extent 0).
// Nothing writes block-allocator or trunk-root state to that page:
// PwriteSuper has no callers.
type File struct {
	pageSize int

	fp *os.File

	mu     sync.Mutex
	fileSz int      // file size in bytes
	total  int      // total mmap'd bytes, may exceed fileSz
	chunks [][]byte // possibly non-contiguous mmap regions
}

// OpenFile opens (creating if absent) a File store backed by path.
func OpenFile(path string, pageSize int) (*File, error) {
	fp, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", errs.IOError, path, err)
	}
	f := &File{pageSize: pageSize, fp: fp}
	if err := f.initialMmap(); err != nil {
		fp.Close()
		return nil, err
	}
	return f, nil
}

func (f *File) initialMmap() error {
	fi, err := f.fp.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat: %v", errs.IOError, err)
	}
	if fi.Size()%int64(f.pageSize) != 0 {
		return fmt.Errorf("%w: file size not a multiple of page size", errs.Corrupt)
	}
	mmapSize := initialMmap
	for mmapSize < int(fi.Size()) {
		mmapSize *= 2
	}
	if mmapSize > 0 {
		chunk, err := mmapRegion(f.fp.Fd(), 0, mmapSize, mmapProtRW, mmapShared)
		if err != nil {
			return fmt.Errorf("%w: mmap: %v", errs.IOError, err)
		}
		f.chunks = [][]byte{chunk}
		f.total = mmapSize
	}
	f.fileSz = int(fi.Size())
	return nil
}

func (f *File) ReadPage(addr PageAddr, dst []byte) error {
	chunk, off, err := f.locate(addr)
	if err != nil {
		return err
	}
	copy(dst, chunk[off:off+f.pageSize])
	return nil
}

func (f *File) WritePage(addr PageAddr, src []byte) error {
	chunk, off, err := f.locate(addr)
	if err != nil {
		return err
	}
	copy(chunk[off:off+f.pageSize], src)
	return nil
}

func (f *File) locate(addr PageAddr) ([]byte, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	start := 0
	for _, chunk := range f.chunks {
		pages := len(chunk) / f.pageSize
		if int(addr) < start+pages {
			off := (int(addr) - start) * f.pageSize
			return chunk, off, nil
		}
		start += pages
	}
	return nil, 0, fmt.Errorf("%w: page %d out of range", errs.IOError, addr)
}

func (f *File) Sync() error {
	if err := f.fp.Sync(); err != nil {
		return fmt.Errorf("%w: fsync: %v", errs.IOError, err)
	}
	return nil
}

func (f *File) NumPages() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fileSz / f.pageSize
}

func (f *File) Grow(numPages int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.extendFileLocked(numPages); err != nil {
		return err
	}
	return f.extendMmapLocked(numPages)
}

func (f *File) extendFileLocked(numPages int) error {
	filePages := f.fileSz / f.pageSize
	if filePages >= numPages {
		return nil
	}
	for filePages < numPages {
		inc := filePages / 8
		if inc < 1 {
			inc = 1
		}
		filePages += inc
	}
	newSize := filePages * f.pageSize
	if err := fallocateRegion(f.fp.Fd(), 0, int64(newSize)); err != nil {
		if err := f.fp.Truncate(int64(newSize)); err != nil {
			return fmt.Errorf("%w: grow file: %v", errs.IOError, err)
		}
	}
	f.fileSz = newSize
	return nil
}

func (f *File) extendMmapLocked(numPages int) error {
	if f.total >= numPages*f.pageSize {
		return nil
	}
	chunk, err := mmapRegion(f.fp.Fd(), int64(f.total), f.total, mmapProtRW, mmapShared)
	if err != nil {
		return fmt.Errorf("%w: extend mmap: %v", errs.IOError, err)
	}
	f.total += f.total
	f.chunks = append(f.chunks, chunk)
	return nil
}

// PwriteSuper atomically writes the super page (page 0) at a byte
// offset, bypassing the mmap path so the write is a single pwrite
// syscall (spec.md §4.8: commit_every_n flushes must be atomic).
func (f *File) PwriteSuper(data []byte) error {
	_, err := pwriteRegion(f.fp.Fd(), data, 0)
	if err != nil {
		return fmt.Errorf("%w: pwrite super: %v", errs.IOError, err)
	}
	return nil
}

func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, chunk := range f.chunks {
		if err := munmapRegion(chunk); err != nil {
			return fmt.Errorf("%w: munmap: %v", errs.IOError, err)
		}
	}
	return f.fp.Close()
}
