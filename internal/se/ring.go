// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package se

import (
	"fmt"
)

const (
	bufferA = iota
	bufferB
)

const dmaAlignment = 64

// descriptor pairs a linked list record with its scratch buffer, both
// reserved from DMA memory.
type descriptor struct {
	addr   uint
	record []byte

	bufAddr uint
	buf     []byte
}

func (d *descriptor) setSize(n int) {
	ll := &LinkedList{
		LastBuffer: 0,
		Address:    uint32(d.bufAddr),
		Size:       uint32(n),
	}

	copy(d.record, ll.Bytes())
}

func (d *descriptor) size() int {
	ll := &LinkedList{}
	ll.Unmarshal(d.record)
	return int(ll.Size)
}

// fill copies data into the scratch buffer and records its size.
func (d *descriptor) fill(data []byte) {
	copy(d.buf, data)
	d.setSize(len(data))
}

func (d *descriptor) read(dst []byte) {
	copy(dst, d.buf[:len(dst)])
}

// ring holds the two input and two output descriptors used for ping-pong
// submissions, all records and scratch buffers come from one reservation
// each.
type ring struct {
	mem Memory

	llAddr  uint
	bufAddr uint

	in  [2]*descriptor
	out [2]*descriptor
}

func newRing(mem Memory, scratchSize int) (r *ring, err error) {
	r = &ring{
		mem: mem,
	}

	addr, records := mem.Reserve(4*LinkedListSize, dmaAlignment)

	if records == nil {
		return nil, fmt.Errorf("could not reserve linked list records, %w", ErrInvalidState)
	}

	r.llAddr = addr

	addr, bufs := mem.Reserve(4*scratchSize, dmaAlignment)

	if bufs == nil {
		mem.Release(r.llAddr)
		return nil, fmt.Errorf("could not reserve %d bytes of scratch buffers, %w", 4*scratchSize, ErrInvalidState)
	}

	r.bufAddr = addr

	for i := 0; i < 4; i++ {
		d := &descriptor{
			addr:    r.llAddr + uint(i*LinkedListSize),
			record:  records[i*LinkedListSize : (i+1)*LinkedListSize],
			bufAddr: r.bufAddr + uint(i*scratchSize),
			buf:     bufs[i*scratchSize : (i+1)*scratchSize],
		}

		d.setSize(0)

		if i < 2 {
			r.in[i] = d
		} else {
			r.out[i-2] = d
		}
	}

	return
}

func (r *ring) release() {
	r.mem.Release(r.bufAddr)
	r.mem.Release(r.llAddr)
}
