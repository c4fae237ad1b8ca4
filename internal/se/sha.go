// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package se

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"

	"k8s.io/klog/v2"
)

// DigestWords is the number of 32-bit hash result registers.
const DigestWords = 16

// ShaVariant represents a SHA family digest.
type ShaVariant int

// Supported digests
const (
	SHA1 ShaVariant = iota + 1
	SHA224
	SHA256
	SHA384
	SHA512
)

func (v ShaVariant) String() string {
	switch v {
	case SHA1:
		return "SHA-1"
	case SHA224:
		return "SHA-224"
	case SHA256:
		return "SHA-256"
	case SHA384:
		return "SHA-384"
	case SHA512:
		return "SHA-512"
	default:
		return fmt.Sprintf("ShaVariant(%d)", int(v))
	}
}

// BlockSize returns the variant block size in bytes.
func (v ShaVariant) BlockSize() int {
	switch v {
	case SHA1, SHA224, SHA256:
		return 64
	case SHA384, SHA512:
		return 128
	default:
		return 0
	}
}

// Size returns the variant digest size in bytes.
func (v ShaVariant) Size() int {
	switch v {
	case SHA1:
		return 20
	case SHA224:
		return 28
	case SHA256:
		return 32
	case SHA384:
		return 48
	case SHA512:
		return 64
	default:
		return 0
	}
}

// Wide returns whether the variant operates on 64-bit words.
func (v ShaVariant) Wide() bool {
	return v == SHA384 || v == SHA512
}

// ShaSession represents a streaming hash of a message of known length.
type ShaSession struct {
	engine  *Engine
	variant ShaVariant

	// bit lengths
	msgLength uint64
	msgLeft   uint64

	// first submission, hardware starts from the initial hash value
	init   bool
	digest [DigestWords]uint32

	// trailing partial block not yet submitted
	pending []byte

	finalized bool
	// a submission failed with the digest state partially advanced
	aborted bool
}

// ShaInit starts hashing a message of total bytes.
func (e *Engine) ShaInit(variant ShaVariant, total uint64) (s *ShaSession, err error) {
	if total == 0 {
		return nil, ErrInvalidSize
	}

	if variant.BlockSize() == 0 {
		return nil, fmt.Errorf("unsupported digest %v, %w", variant, ErrBadParameter)
	}

	if total > math.MaxUint64/8 {
		return nil, fmt.Errorf("message too long, %w", ErrBadParameter)
	}

	s = &ShaSession{
		engine:    e,
		variant:   variant,
		msgLength: total * 8,
		msgLeft:   total * 8,
		init:      true,
		pending:   make([]byte, 0, variant.BlockSize()),
	}

	return
}

// Variant returns the session digest.
func (s *ShaSession) Variant() ShaVariant {
	return s.variant
}

// Update hashes the next portion of the message.
//
// Whole blocks are submitted to the engine alternating between two
// descriptors, so that the next chunk is copied while the previous one is
// still processed. A trailing partial block is held until more data, or the
// end of the message, is received.
func (s *ShaSession) Update(data []byte) (err error) {
	e := s.engine

	if err = e.acquire(); err != nil {
		return
	}
	defer e.Unlock()

	if s.finalized || s.aborted {
		return ErrInvalidState
	}

	avail := len(s.pending) + len(data)

	if uint64(avail)*8 > s.msgLeft {
		return fmt.Errorf("update exceeds message length, %w", ErrBadParameter)
	}

	size := avail

	if uint64(avail)*8 != s.msgLeft {
		size -= avail % s.variant.BlockSize()
	}

	if size == 0 {
		s.pending = append(s.pending, data...)
		return
	}

	if err = e.shaSubmit(s, size, s.pending, data); err != nil {
		s.aborted = true
		return
	}

	rest := data[size-len(s.pending):]
	s.pending = append(s.pending[:0], rest...)

	return
}

// shaSubmit processes the first size bytes of head||tail, it must be called
// with the engine lock held.
func (e *Engine) shaSubmit(s *ShaSession, size int, head []byte, tail []byte) (err error) {
	blockBits := uint64(s.variant.BlockSize() * 8)

	// whether the semaphore token is owned with nothing in flight
	holding := false
	// whether a submission is in flight
	inflight := false

	e.inUse = bufferA

	for off := 0; off < size; {
		n := size - off

		if n > e.scratchSize {
			n = e.scratchSize
		}

		if e.inUse == bufferA {
			e.inUse = bufferB
		} else {
			e.inUse = bufferA
		}

		d := e.ring.in[e.inUse]
		gather(d.buf[:n], off, head, tail)
		d.setSize(n)

		if err = e.done.wait(e.timeout); err != nil {
			klog.Warningf("se: %v chunk not completed after %v", s.variant, e.timeout)
			e.hw.ClearInterrupts()
			inflight = false
			holding = true
			break
		}

		holding = true

		if inflight {
			inflight = false

			if err = wrap(e.hw.ShaBackup(&s.digest), "digest backup"); err != nil {
				break
			}
		}

		if e.hardwareError() {
			err = fmt.Errorf("%v failed, %w", s.variant, ErrInvalidState)
			break
		}

		bits := uint64(n) * 8

		if bits%blockBits != 0 && bits != s.msgLeft {
			err = fmt.Errorf("unaligned %v chunk, %w", s.variant, ErrBadParameter)
			break
		}

		atomic.StoreInt32(&e.errFlag, 0)

		if err = wrap(e.irq.Enable(), "interrupt enable"); err != nil {
			break
		}

		req := &ShaRequest{
			Variant:   s.variant,
			Init:      s.init,
			Digest:    s.digest,
			MsgLength: s.msgLength,
			MsgLeft:   s.msgLeft,
			InputLL:   d.addr,
		}

		if err = wrap(e.hw.ShaProcess(req), "sha"); err != nil {
			break
		}

		klog.V(2).Infof("se: %v submitted %d bytes (left:%d)", s.variant, n, s.msgLeft/8)

		holding = false
		inflight = true

		s.msgLeft -= bits
		s.init = false

		off += n
	}

	if inflight {
		werr := e.done.wait(e.timeout)

		switch {
		case werr != nil:
			klog.Warningf("se: %v last chunk not completed after %v", s.variant, e.timeout)
			e.hw.ClearInterrupts()

			if err == nil {
				err = werr
			}
		case err == nil:
			if err = wrap(e.hw.ShaBackup(&s.digest), "digest backup"); err == nil && e.hardwareError() {
				err = fmt.Errorf("%v failed, %w", s.variant, ErrInvalidState)
			}
		}

		holding = true
	}

	if holding {
		e.done.signal()
	}

	return
}

// Final writes the message digest to out, size must match the digest size.
func (s *ShaSession) Final(out []byte, size int) (err error) {
	e := s.engine

	if err = e.acquire(); err != nil {
		return
	}
	defer e.Unlock()

	if s.finalized || s.aborted {
		return ErrInvalidState
	}

	if size != s.variant.Size() || len(out) < size {
		return fmt.Errorf("invalid %v digest size %d, %w", s.variant, size, ErrBadParameter)
	}

	if s.msgLeft != 0 {
		return fmt.Errorf("%d message bytes missing, %w", s.msgLeft/8, ErrInvalidState)
	}

	words := s.digest

	// 64-bit results are stored low word first
	if s.variant.Wide() {
		for i := 0; i < DigestWords; i += 2 {
			words[i], words[i+1] = words[i+1], words[i]
		}
	}

	for i := 0; i < size/4; i++ {
		binary.BigEndian.PutUint32(out[i*4:], words[i])
	}

	s.finalized = true

	return
}

// Sum returns the digest of data.
func (e *Engine) Sum(variant ShaVariant, data []byte) (digest []byte, err error) {
	s, err := e.ShaInit(variant, uint64(len(data)))

	if err != nil {
		return
	}

	if err = s.Update(data); err != nil {
		return
	}

	digest = make([]byte, variant.Size())
	err = s.Final(digest, len(digest))

	return
}

// gather copies the concatenation of a and b, starting at off, to dst.
func gather(dst []byte, off int, a []byte, b []byte) {
	if off < len(a) {
		n := copy(dst, a[off:])
		dst = dst[n:]
		off = len(a)
	}

	copy(dst, b[off-len(a):])
}
