package pagestore

import (
	"context"
	"sync"

	"github.com/IVOES/splinterdb/errs"
)

// Dram is an in-process Store backed by a plain byte slice. It exists
// for tests and for callers that want a scratch database with no
// durability (REDESIGN FLAGS item 6: one of the PageStore trait's
// implementations, alongside File).
type Dram struct {
	pageSize int

	mu   sync.RWMutex
	data [][]byte
}

// NewDram constructs an empty in-memory store for the given page size.
func NewDram(pageSize int) *Dram {
	return &Dram{pageSize: pageSize}
}

func (d *Dram) ReadPage(addr PageAddr, dst []byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if int(addr) >= len(d.data) || d.data[addr] == nil {
		return errs.IOError
	}
	copy(dst, d.data[addr])
	return nil
}

func (d *Dram) WritePage(addr PageAddr, src []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(addr) >= len(d.data) {
		return errs.IOError
	}
	if d.data[addr] == nil {
		d.data[addr] = make([]byte, d.pageSize)
	}
	copy(d.data[addr], src)
	return nil
}

func (d *Dram) ReadPageAsync(ctx context.Context, addr PageAddr, dst []byte) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- d.ReadPage(addr, dst) }()
	return ch
}

func (d *Dram) Sync() error { return nil }

func (d *Dram) Grow(numPages int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.data) < numPages {
		d.data = append(d.data, nil)
	}
	return nil
}

func (d *Dram) NumPages() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.data)
}

func (d *Dram) Close() error { return nil }
