// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package dma provides a first-fit allocator for physically contiguous
// memory regions used as DMA buffers.
//
// On hosted builds the region is backed by Go memory and addressed through
// synthetic physical addresses, this allows hardware models to resolve
// descriptor pointers exactly as the real engine would. The API mirrors the
// TamaGo dma package so that drivers can be moved between the two
// transparently.
package dma

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
)

type block struct {
	// physical address
	addr uint
	// buffer size
	size uint
}

// Region represents a memory region allocated for DMA purposes.
type Region struct {
	sync.Mutex

	start uint
	size  uint
	mem   []byte

	freeBlocks *list.List
	usedBlocks map[uint]*block
}

// NewRegion initializes a memory region, of the given size, starting at the
// synthetic physical address argument.
func NewRegion(start uint, size int) (r *Region, err error) {
	if size <= 0 {
		return nil, errors.New("invalid region size")
	}

	if uint64(start)+uint64(size) > 1<<32 {
		return nil, fmt.Errorf("region %#x-%#x exceeds 32-bit address space", start, uint64(start)+uint64(size))
	}

	r = &Region{
		start:      start,
		size:       uint(size),
		mem:        make([]byte, size),
		freeBlocks: list.New(),
		usedBlocks: make(map[uint]*block),
	}

	r.freeBlocks.PushFront(&block{
		addr: start,
		size: uint(size),
	})

	return
}

// Start returns the region start address.
func (r *Region) Start() uint {
	return r.start
}

// End returns the region end address.
func (r *Region) End() uint {
	return r.start + r.size
}

// Size returns the region size.
func (r *Region) Size() int {
	return int(r.size)
}

// Free returns the number of bytes not currently reserved.
func (r *Region) Free() (n int) {
	r.Lock()
	defer r.Unlock()

	for e := r.freeBlocks.Front(); e != nil; e = e.Next() {
		n += int(e.Value.(*block).size)
	}

	return
}

// Reserve allocates a slice of bytes for DMA purposes, by placing its data
// within the DMA region, with optional alignment. It returns the slice along
// with its data allocation address. A zero address and nil slice are returned
// when the region cannot satisfy the request.
//
// The buffer must be freed up with Release().
func (r *Region) Reserve(size int, align int) (addr uint, buf []byte) {
	if size <= 0 || align < 0 {
		return
	}

	r.Lock()
	defer r.Unlock()

	b := r.alloc(uint(size), uint(align))

	if b == nil {
		return
	}

	r.usedBlocks[b.addr] = b

	off := b.addr - r.start
	buf = r.mem[off : off+b.size : off+b.size]

	// reserved buffers are handed out zeroed
	for i := range buf {
		buf[i] = 0
	}

	return b.addr, buf
}

// Release frees the memory previously reserved at the given address.
func (r *Region) Release(addr uint) {
	if addr == 0 {
		return
	}

	r.Lock()
	defer r.Unlock()

	b, ok := r.usedBlocks[addr]

	if !ok {
		return
	}

	delete(r.usedBlocks, addr)
	r.free(b)
}

// Read reads exactly len(buf) bytes from a memory region address into a
// buffer, the accessed range must lie within a previously reserved buffer.
func (r *Region) Read(addr uint, off int, buf []byte) {
	start, end := r.bounds(addr, off, len(buf))
	copy(buf, r.mem[start:end])
}

// Write writes buffer contents to a memory region address, the accessed
// range must lie within a previously reserved buffer.
func (r *Region) Write(addr uint, off int, buf []byte) {
	start, end := r.bounds(addr, off, len(buf))
	copy(r.mem[start:end], buf)
}

func (r *Region) bounds(addr uint, off int, n int) (start uint, end uint) {
	r.Lock()
	defer r.Unlock()

	if off >= 0 && addr >= r.start {
		pos := addr + uint(off)

		for _, b := range r.usedBlocks {
			if addr >= b.addr && addr < b.addr+b.size && pos+uint(n) <= b.addr+b.size {
				start = pos - r.start
				end = start + uint(n)
				return
			}
		}
	}

	panic(fmt.Sprintf("invalid DMA access addr:%#x off:%d len:%d", addr, off, n))
}

func (r *Region) alloc(size uint, align uint) *block {
	for e := r.freeBlocks.Front(); e != nil; e = e.Next() {
		b := e.Value.(*block)

		var pad uint

		if align > 0 && b.addr%align != 0 {
			pad = align - b.addr%align
		}

		if b.size < size+pad {
			continue
		}

		if pad > 0 {
			// keep the alignment gap as a free block
			r.freeBlocks.InsertBefore(&block{addr: b.addr, size: pad}, e)
			b.addr += pad
			b.size -= pad
		}

		if b.size == size {
			r.freeBlocks.Remove(e)
			return b
		}

		used := &block{
			addr: b.addr,
			size: size,
		}

		b.addr += size
		b.size -= size

		return used
	}

	return nil
}

func (r *Region) free(used *block) {
	var e *list.Element

	for e = r.freeBlocks.Front(); e != nil; e = e.Next() {
		if e.Value.(*block).addr > used.addr {
			break
		}
	}

	if e == nil {
		e = r.freeBlocks.PushBack(used)
	} else {
		e = r.freeBlocks.InsertBefore(used, e)
	}

	r.defrag(e)
}

// defrag merges a free block with its contiguous neighbours.
func (r *Region) defrag(e *list.Element) {
	b := e.Value.(*block)

	if next := e.Next(); next != nil {
		n := next.Value.(*block)

		if b.addr+b.size == n.addr {
			b.size += n.size
			r.freeBlocks.Remove(next)
		}
	}

	if prev := e.Prev(); prev != nil {
		p := prev.Value.(*block)

		if p.addr+p.size == b.addr {
			p.size += b.size
			r.freeBlocks.Remove(e)
		}
	}
}
