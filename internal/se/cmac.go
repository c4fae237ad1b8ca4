// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package se

import (
	"fmt"

	"github.com/miscreant/miscreant.go/block"
	"k8s.io/klog/v2"
)

// ComputeCmac computes the AES-CMAC (NIST SP 800-38B) of a message
// submitted in one or more chunks. The first chunk installs key in a new key
// slot, chunks other than the last must be block aligned and the last one
// must carry the final message block. The MAC is written to mac once the
// last chunk is processed.
func (s *AesSession) ComputeCmac(key []byte, msg []byte, first bool, last bool, mac []byte) (err error) {
	e := s.engine

	if err = e.acquire(); err != nil {
		return
	}
	defer e.Unlock()

	defer func() {
		if s.cmac && (err != nil || last) {
			s.releaseKeySlot()
		}
	}()

	if !last && len(msg)%BlockSize != 0 {
		return fmt.Errorf("intermediate CMAC chunk not block aligned, %w", ErrBadParameter)
	}

	if last && len(mac) < BlockSize {
		return fmt.Errorf("short CMAC buffer, %w", ErrInvalidSize)
	}

	if !first && !s.cmac {
		return fmt.Errorf("CMAC not started, %w", ErrBadParameter)
	}

	if first {
		s.mode = CBC
		s.encrypt = true

		info := KeyInfo{
			Type:   UserSpecified,
			Length: len(key),
			Key:    key,
		}

		if err = s.selectKey(info); err != nil {
			return
		}

		s.cmac = true

		if err = s.setIV(make([]byte, BlockSize)); err != nil {
			return
		}
	}

	blocks := len(msg) / BlockSize
	lastBytes := 0

	if last {
		if blocks == 0 || len(msg)%BlockSize != 0 {
			lastBytes = len(msg) % BlockSize
		} else {
			blocks--
			lastBytes = BlockSize
		}
	}

	if blocks > 0 {
		if err = e.mac(s, msg[:blocks*BlockSize]); err != nil {
			return
		}
	}

	if !last {
		return
	}

	k1, k2, err := e.cmacSubkeys(s.key[:s.keyLen])

	if err != nil {
		return
	}

	var final block.Block
	copy(final[:], msg[blocks*BlockSize:])

	if lastBytes == BlockSize {
		xor(&final, &k1)
	} else {
		final[lastBytes] = 0x80
		xor(&final, &k2)
	}

	if err = e.mac(s, final[:]); err != nil {
		return
	}

	if err = wrap(e.hw.CollectCMAC(mac[:BlockSize]), "CMAC read"); err != nil {
		return
	}

	klog.V(2).Infof("se: cmac completed on slot %d", s.slot)

	return
}

// mac submits block aligned data through the CMAC path of the session key
// slot, it must be called with the engine lock held.
func (e *Engine) mac(s *AesSession, src []byte) (err error) {
	in := e.ring.in[bufferA]

	req := AesRequest{
		Mode:        CBC,
		Encrypt:     true,
		KeySlot:     s.slot,
		KeyLength:   s.keyLen,
		Destination: DestinationMemory,
	}

	for off := 0; off < len(src); {
		n := len(src) - off

		if n > e.scratchSize {
			n = e.scratchSize
		}

		in.fill(src[off : off+n])

		req.Size = n
		req.InputLL = in.addr
		s.size = n

		err = e.run(func() error {
			return wrap(e.hw.CmacProcess(&req), "cmac")
		})

		if err != nil {
			return
		}

		off += n
	}

	return
}

// cmacSubkeys derives K1 and K2 from L, the encryption of the zero block,
// computed in a temporary key slot. It must be called with the engine lock
// held.
func (e *Engine) cmacSubkeys(key []byte) (k1 block.Block, k2 block.Block, err error) {
	slot, err := e.slots.allocate()

	if err != nil {
		return
	}
	defer e.slots.release(slot)

	if err = e.writeKey(slot, key); err != nil {
		return
	}

	zero := make([]byte, BlockSize)

	if err = wrap(e.hw.SetIV(slot, zero), "IV write"); err != nil {
		return
	}

	req := AesRequest{
		Mode:        ECB,
		Encrypt:     true,
		KeySlot:     slot,
		KeyLength:   len(key),
		Destination: DestinationMemory,
	}

	if err = e.crypt(req, zero, k1[:], nil); err != nil {
		return
	}

	k1.Dbl()

	k2 = k1
	k2.Dbl()

	return
}

func xor(dst *block.Block, src *block.Block) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

// ComputeCmac returns the AES-CMAC of msg under key.
func (e *Engine) ComputeCmac(key []byte, msg []byte) (mac []byte, err error) {
	s := e.NewAesSession()
	mac = make([]byte, BlockSize)

	if err = s.ComputeCmac(key, msg, true, true, mac); err != nil {
		return nil, err
	}

	return
}
