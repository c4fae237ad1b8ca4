// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sim

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/usbarmory/armory-se/internal/se"
)

func validSlot(slot int) error {
	if slot < 0 || slot >= se.KeySlots {
		return fmt.Errorf("slot %d, %w", slot, ErrKeySlot)
	}

	return nil
}

// SetKey programs a key slot, writes to locked slots are discarded.
func (e *Engine) SetKey(slot int, key []byte) error {
	if err := validSlot(slot); err != nil {
		return err
	}

	switch len(key) {
	case 16, 24, 32:
	default:
		return fmt.Errorf("length %d, %w", len(key), ErrKey)
	}

	e.Lock()
	defer e.Unlock()

	if e.locked[slot] && !e.conf.IgnoreWriteLock {
		return nil
	}

	e.keys[slot] = append([]byte{}, key...)
	e.iv[slot] = [se.BlockSize]byte{}

	return nil
}

// SetIV programs the original and updated IV of a key slot.
func (e *Engine) SetIV(slot int, iv []byte) error {
	if err := validSlot(slot); err != nil {
		return err
	}

	if len(iv) != se.BlockSize {
		return fmt.Errorf("IV length %d, %w", len(iv), ErrKey)
	}

	e.Lock()
	defer e.Unlock()

	copy(e.iv[slot][:], iv)

	return nil
}

// WriteLockKeySlot disables writes to a key slot.
func (e *Engine) WriteLockKeySlot(slot int) {
	if validSlot(slot) != nil {
		return
	}

	e.Lock()
	defer e.Unlock()

	e.locked[slot] = true
}

// CollectCMAC reads back the CMAC result.
func (e *Engine) CollectCMAC(mac []byte) error {
	e.Lock()
	defer e.Unlock()

	copy(mac, e.cmac[:])

	return nil
}

func (e *Engine) block(req *se.AesRequest) (c cipher.Block, err error) {
	if err = validSlot(req.KeySlot); err != nil {
		return
	}

	key := e.keys[req.KeySlot]

	if len(key) == 0 || len(key) != req.KeyLength {
		return nil, fmt.Errorf("slot %d holds no %d-bit key, %w", req.KeySlot, req.KeyLength*8, ErrKey)
	}

	return aes.NewCipher(key)
}

// AesProcess runs a cipher operation.
func (e *Engine) AesProcess(req *se.AesRequest) (err error) {
	e.Lock()
	defer e.Unlock()

	if err = e.start(); err != nil {
		return
	}

	c, err := e.block(req)

	if err != nil {
		return
	}

	src, err := e.fetch(req.InputLL)

	if err != nil {
		return
	}

	if len(src) != req.Size || len(src)%se.BlockSize != 0 {
		return fmt.Errorf("size %d, %w", len(src), ErrAlignment)
	}

	dst := make([]byte, len(src))
	iv := &e.iv[req.KeySlot]

	switch req.Mode {
	case se.ECB:
		for i := 0; i < len(src); i += se.BlockSize {
			if req.Encrypt {
				c.Encrypt(dst[i:], src[i:])
			} else {
				c.Decrypt(dst[i:], src[i:])
			}
		}
	case se.CBC:
		if req.Encrypt {
			cipher.NewCBCEncrypter(c, iv[:]).CryptBlocks(dst, src)
			copy(iv[:], dst[len(dst)-se.BlockSize:])
		} else {
			cipher.NewCBCDecrypter(c, iv[:]).CryptBlocks(dst, src)
			copy(iv[:], src[len(src)-se.BlockSize:])
		}
	case se.OFB:
		cipher.NewOFB(c, iv[:]).XORKeyStream(dst, src)

		// next IV is the last keystream block
		for i := 0; i < se.BlockSize; i++ {
			iv[i] = dst[len(dst)-se.BlockSize+i] ^ src[len(src)-se.BlockSize+i]
		}
	case se.CTR:
		cipher.NewCTR(c, iv[:]).XORKeyStream(dst, src)
		addCounter(iv, uint64(len(src)/se.BlockSize))
	default:
		return fmt.Errorf("unsupported mode %v", req.Mode)
	}

	if req.Destination != se.DestinationMemory {
		if err = e.installKey(req.Destination, dst); err != nil {
			return
		}
	} else {
		var ll *se.LinkedList

		if ll, err = e.descriptor(req.OutputLL); err != nil {
			return
		}

		if int(ll.Size) < len(dst) {
			return fmt.Errorf("short output buffer, %w", ErrDescriptor)
		}

		e.bus.Write(uint(ll.Address), 0, dst)
	}

	e.complete()

	return
}

// installKey programs a derived key, it must be called with the model lock
// held.
func (e *Engine) installKey(slot int, key []byte) error {
	if err := validSlot(slot); err != nil {
		return err
	}

	switch len(key) {
	case 16, 32:
	default:
		return fmt.Errorf("derived length %d, %w", len(key), ErrKey)
	}

	if e.locked[slot] && !e.conf.IgnoreWriteLock {
		return nil
	}

	e.keys[slot] = key
	e.iv[slot] = [se.BlockSize]byte{}

	return nil
}

// CmacProcess runs CBC-MAC over the input, the last cipher block is kept
// as CMAC result.
func (e *Engine) CmacProcess(req *se.AesRequest) (err error) {
	e.Lock()
	defer e.Unlock()

	if err = e.start(); err != nil {
		return
	}

	c, err := e.block(req)

	if err != nil {
		return
	}

	src, err := e.fetch(req.InputLL)

	if err != nil {
		return
	}

	if len(src) == 0 || len(src) != req.Size || len(src)%se.BlockSize != 0 {
		return fmt.Errorf("size %d, %w", len(src), ErrAlignment)
	}

	iv := &e.iv[req.KeySlot]
	dst := make([]byte, len(src))

	cipher.NewCBCEncrypter(c, iv[:]).CryptBlocks(dst, src)
	copy(iv[:], dst[len(dst)-se.BlockSize:])
	copy(e.cmac[:], iv[:])

	e.complete()

	return
}

// addCounter increments a big endian 128-bit counter.
func addCounter(ctr *[se.BlockSize]byte, n uint64) {
	for i := se.BlockSize - 1; i >= 0 && n > 0; i-- {
		sum := uint64(ctr[i]) + (n & 0xff)
		ctr[i] = byte(sum)
		n = (n >> 8) + (sum >> 8)
	}
}
