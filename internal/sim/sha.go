// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sim

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding"
	"encoding/binary"
	"fmt"
	"hash"

	"github.com/usbarmory/armory-se/internal/se"
)

// hash state words, stored in the result registers low word first for
// 64-bit variants
func newHash(v se.ShaVariant) (h hash.Hash, words int, err error) {
	switch v {
	case se.SHA1:
		return sha1.New(), 5, nil
	case se.SHA224:
		return sha256.New224(), 8, nil
	case se.SHA256:
		return sha256.New(), 8, nil
	case se.SHA384:
		return sha512.New384(), 8, nil
	case se.SHA512:
		return sha512.New(), 8, nil
	default:
		return nil, 0, fmt.Errorf("unsupported digest %v", v)
	}
}

// ShaProcess hashes the input buffer, continuing from the request digest
// unless an initial hash is requested. The final submission is padded
// according to the total message length.
func (e *Engine) ShaProcess(req *se.ShaRequest) (err error) {
	e.Lock()
	defer e.Unlock()

	if err = e.start(); err != nil {
		return
	}

	h, words, err := newHash(req.Variant)

	if err != nil {
		return
	}

	data, err := e.fetch(req.InputLL)

	if err != nil {
		return
	}

	bits := uint64(len(data)) * 8
	last := bits == req.MsgLeft

	if bits == 0 || bits > req.MsgLeft || req.MsgLeft > req.MsgLength {
		return fmt.Errorf("size %d (left:%d), %w", len(data), req.MsgLeft/8, ErrDescriptor)
	}

	if !last && len(data)%req.Variant.BlockSize() != 0 {
		return fmt.Errorf("size %d, %w", len(data), ErrAlignment)
	}

	if !req.Init {
		processed := (req.MsgLength - req.MsgLeft) / 8

		if err = seed(h, words, req.Variant.Wide(), &req.Digest, processed); err != nil {
			return
		}
	}

	h.Write(data)

	e.sha = [se.DigestWords]uint32{}

	if last {
		load(&e.sha, h.Sum(nil), req.Variant.Wide())
	} else {
		var state []byte

		if state, err = h.(encoding.BinaryMarshaler).MarshalBinary(); err != nil {
			return
		}

		// skip the state magic
		n := words * 4

		if req.Variant.Wide() {
			n = words * 8
		}

		load(&e.sha, state[4:4+n], req.Variant.Wide())
	}

	e.complete()

	return
}

// ShaBackup reads back the hash result registers.
func (e *Engine) ShaBackup(digest *[se.DigestWords]uint32) error {
	e.Lock()
	defer e.Unlock()

	*digest = e.sha

	return nil
}

// seed restores an intermediate hash value after processed bytes.
func seed(h hash.Hash, words int, wide bool, digest *[se.DigestWords]uint32, processed uint64) (err error) {
	state, err := h.(encoding.BinaryMarshaler).MarshalBinary()

	if err != nil {
		return
	}

	off := 4

	for i := 0; i < words; i++ {
		if wide {
			binary.BigEndian.PutUint64(state[off:], uint64(digest[2*i+1])<<32|uint64(digest[2*i]))
			off += 8
		} else {
			binary.BigEndian.PutUint32(state[off:], digest[i])
			off += 4
		}
	}

	binary.BigEndian.PutUint64(state[len(state)-8:], processed)

	return h.(encoding.BinaryUnmarshaler).UnmarshalBinary(state)
}

// load stores big endian hash words in the result registers.
func load(regs *[se.DigestWords]uint32, buf []byte, wide bool) {
	if wide {
		for i := 0; i+8 <= len(buf); i += 8 {
			w := binary.BigEndian.Uint64(buf[i:])
			regs[i/4] = uint32(w)
			regs[i/4+1] = uint32(w >> 32)
		}

		return
	}

	for i := 0; i+4 <= len(buf); i += 4 {
		regs[i/4] = binary.BigEndian.Uint32(buf[i:])
	}
}
