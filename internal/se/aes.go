// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package se

import (
	"fmt"

	"k8s.io/klog/v2"
)

// BlockSize is the AES block size in bytes.
const BlockSize = 16

// Mode represents an AES operating mode.
type Mode int

// Supported modes
const (
	CBC Mode = iota + 1
	ECB
	OFB
	CTR
)

func (m Mode) String() string {
	switch m {
	case CBC:
		return "CBC"
	case ECB:
		return "ECB"
	case OFB:
		return "OFB"
	case CTR:
		return "CTR"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// KeyType represents the source of an AES key.
type KeyType int

const (
	// UserSpecified keys are copied into a freshly allocated key slot.
	UserSpecified KeyType = iota + 1
	// SecureBootKey selects the reserved secure boot key slot.
	SecureBootKey
	// SecureStorageKey selects the reserved secure storage key slot.
	SecureStorageKey
)

// KeyInfo describes the key selected for an AES session.
type KeyInfo struct {
	Type KeyType
	// key length in bytes (16, 24 or 32)
	Length int
	// key material, only for UserSpecified keys
	Key []byte
}

// AesSession represents an AES context bound to a key slot.
type AesSession struct {
	engine *Engine

	mode    Mode
	encrypt bool

	keyType KeyType
	slot    int
	key     [32]byte
	keyLen  int

	iv [BlockSize]byte

	// size of the last submission
	size int

	// CMAC in progress
	cmac bool
}

// NewAesSession returns a session with no operation nor key selected.
func (e *Engine) NewAesSession() *AesSession {
	return &AesSession{
		engine: e,
		slot:   NoKeySlot,
	}
}

// KeySlot returns the key slot bound to the session.
func (s *AesSession) KeySlot() int {
	return s.slot
}

// SelectOperation sets the session mode and direction.
func (s *AesSession) SelectOperation(mode Mode, encrypt bool) error {
	switch mode {
	case CBC, ECB, OFB, CTR:
	default:
		return fmt.Errorf("unsupported mode %v, %w", mode, ErrBadParameter)
	}

	s.mode = mode
	s.encrypt = encrypt

	return nil
}

// SelectKey binds the session to a key slot, user specified keys are
// programmed in a newly allocated slot replacing any previous one.
func (s *AesSession) SelectKey(info KeyInfo) (err error) {
	if err = s.engine.acquire(); err != nil {
		return
	}
	defer s.engine.Unlock()

	return s.selectKey(info)
}

func (s *AesSession) selectKey(info KeyInfo) (err error) {
	e := s.engine

	switch info.Length {
	case 16, 24, 32:
	default:
		return fmt.Errorf("invalid key length %d, %w", info.Length, ErrBadParameter)
	}

	switch info.Type {
	case SecureBootKey, SecureStorageKey:
		if info.Length != 16 {
			return fmt.Errorf("reserved keys are 128-bit, %w", ErrBadParameter)
		}

		s.releaseKeySlot()

		if info.Type == SecureBootKey {
			s.slot = SecureBootKeySlot
		} else {
			s.slot = SecureStorageKeySlot
		}

		s.keyType = info.Type
		s.keyLen = 16
	case UserSpecified:
		if len(info.Key) < info.Length {
			return fmt.Errorf("short key, %w", ErrBadParameter)
		}

		slot, err := e.slots.allocate()
		reuse := false

		if err != nil {
			// with a full table the session user slot is rewritten
			if s.keyType != UserSpecified || s.slot == NoKeySlot {
				return err
			}

			slot = s.slot
			reuse = true
		}

		if err = e.writeKey(slot, info.Key[:info.Length]); err != nil {
			if reuse {
				s.releaseKeySlot()
			} else {
				e.slots.release(slot)
			}

			return err
		}

		if !reuse {
			s.releaseKeySlot()
		}

		s.slot = slot
		s.keyType = UserSpecified
		s.keyLen = info.Length
		s.key = [32]byte{}
		s.cmac = false
		copy(s.key[:], info.Key[:info.Length])
	default:
		return fmt.Errorf("invalid key type, %w", ErrBadParameter)
	}

	s.iv = [BlockSize]byte{}

	klog.V(2).Infof("se: session bound to key slot %d (%d-bit)", s.slot, s.keyLen*8)

	return
}

// writeKey programs a key slot through the normal key path, it must be
// called with the engine lock held.
func (e *Engine) writeKey(slot int, key []byte) error {
	if e.slots.locked(slot) {
		return fmt.Errorf("key slot %d is write-locked, %w", slot, ErrInvalidState)
	}

	return wrap(e.hw.SetKey(slot, key), "key write")
}

// SetIV programs the session IV, only meaningful for CBC and ECB.
func (s *AesSession) SetIV(iv []byte) (err error) {
	e := s.engine

	if err = e.acquire(); err != nil {
		return
	}
	defer e.Unlock()

	return s.setIV(iv)
}

func (s *AesSession) setIV(iv []byte) (err error) {
	if s.slot == NoKeySlot || (s.mode != CBC && s.mode != ECB) {
		return fmt.Errorf("IV requires CBC or ECB with a key, %w", ErrInvalidState)
	}

	if len(iv) < BlockSize {
		return fmt.Errorf("short IV, %w", ErrBadParameter)
	}

	copy(s.iv[:], iv)

	return wrap(s.engine.hw.SetIV(s.slot, s.iv[:]), "IV write")
}

// GetInitialVector copies the session IV to buf.
func (s *AesSession) GetInitialVector(buf []byte) error {
	if s.slot == NoKeySlot || (s.mode != CBC && s.mode != ECB) {
		return fmt.Errorf("IV requires CBC or ECB with a key, %w", ErrInvalidState)
	}

	if len(buf) < BlockSize {
		return fmt.Errorf("short IV buffer, %w", ErrBadParameter)
	}

	copy(buf, s.iv[:])

	return nil
}

// ProcessBuffer encrypts or decrypts src to dst, chained modes continue
// from the key slot running IV.
func (s *AesSession) ProcessBuffer(src []byte, dst []byte) (err error) {
	e := s.engine

	if err = e.acquire(); err != nil {
		return
	}
	defer e.Unlock()

	return s.process(src, dst)
}

func (s *AesSession) process(src []byte, dst []byte) (err error) {
	if s.mode == 0 || s.slot == NoKeySlot {
		return fmt.Errorf("no operation or key selected, %w", ErrInvalidState)
	}

	if len(src)%BlockSize != 0 {
		return fmt.Errorf("source not block aligned, %w", ErrBadParameter)
	}

	if len(dst) < len(src) {
		return fmt.Errorf("short destination, %w", ErrBadParameter)
	}

	req := AesRequest{
		Mode:        s.mode,
		Encrypt:     s.encrypt,
		KeySlot:     s.slot,
		KeyLength:   s.keyLen,
		Destination: DestinationMemory,
	}

	return s.engine.crypt(req, src, dst, func(n int) { s.size = n })
}

// crypt runs an AES request over src in scratch sized chunks through the
// first descriptor pair, it must be called with the engine lock held.
func (e *Engine) crypt(req AesRequest, src []byte, dst []byte, chunk func(int)) (err error) {
	in := e.ring.in[bufferA]
	out := e.ring.out[bufferA]

	for off := 0; off < len(src); {
		n := len(src) - off

		if n > e.scratchSize {
			n = e.scratchSize
		}

		in.fill(src[off : off+n])
		out.setSize(n)

		req.Size = n
		req.InputLL = in.addr
		req.OutputLL = out.addr

		if chunk != nil {
			chunk(n)
		}

		err = e.run(func() error {
			return wrap(e.hw.AesProcess(&req), "aes")
		})

		if err != nil {
			return
		}

		klog.V(2).Infof("se: aes-%s slot:%d enc:%v %d bytes", req.Mode, req.KeySlot, req.Encrypt, n)

		if dst != nil {
			out.read(dst[off : off+n])
		}

		off += n
	}

	return
}

// ReleaseKeySlot frees the user key slot bound to the session, if any.
func (s *AesSession) ReleaseKeySlot() {
	e := s.engine

	e.Lock()
	defer e.Unlock()

	s.releaseKeySlot()
}

func (s *AesSession) releaseKeySlot() {
	if s.slot == NoKeySlot {
		return
	}

	s.engine.slots.release(s.slot)

	s.slot = NoKeySlot
	s.keyType = 0
	s.keyLen = 0
	s.key = [32]byte{}
	s.cmac = false
}

// DeriveKey encrypts diversifier with the session key in CBC mode and the
// given IV. With a nil dst the derived key is returned, otherwise it is
// programmed directly in a new key slot bound to dst and never exposed.
func (s *AesSession) DeriveKey(diversifier []byte, iv []byte, dst *AesSession) (key []byte, err error) {
	e := s.engine

	if err = e.acquire(); err != nil {
		return
	}
	defer e.Unlock()

	if s.slot == NoKeySlot {
		return nil, fmt.Errorf("no key selected, %w", ErrInvalidState)
	}

	switch len(diversifier) {
	case 16, 32:
	default:
		return nil, fmt.Errorf("invalid diversifier length %d, %w", len(diversifier), ErrBadParameter)
	}

	if len(iv) < BlockSize {
		return nil, fmt.Errorf("short IV, %w", ErrBadParameter)
	}

	if err = wrap(e.hw.SetIV(s.slot, iv[:BlockSize]), "IV write"); err != nil {
		return
	}

	src := append([]byte{}, diversifier...)

	req := AesRequest{
		Mode:        CBC,
		Encrypt:     true,
		KeySlot:     s.slot,
		KeyLength:   s.keyLen,
		Destination: DestinationMemory,
	}

	if dst == nil {
		key = make([]byte, len(src))

		if err = e.crypt(req, src, key, nil); err != nil {
			return nil, err
		}

		return key, nil
	}

	if dst.mode == 0 {
		dst.mode = CBC
		dst.encrypt = true
	}

	dst.releaseKeySlot()

	slot, err := e.slots.allocate()

	if err != nil {
		return
	}

	req.Destination = slot

	if err = e.crypt(req, src, nil, nil); err != nil {
		e.slots.release(slot)
		return
	}

	dst.slot = slot
	dst.keyType = UserSpecified
	dst.keyLen = len(src)
	dst.iv = [BlockSize]byte{}

	klog.Infof("se: derived %d-bit key from slot %d into slot %d", len(src)*8, s.slot, slot)

	return
}

// DeriveKey encrypts diversifier with the given key in CBC mode and zero IV,
// see AesSession.DeriveKey.
func (e *Engine) DeriveKey(info KeyInfo, diversifier []byte, dst *AesSession) (key []byte, err error) {
	s := e.NewAesSession()
	defer s.ReleaseKeySlot()

	if err = s.SelectOperation(CBC, true); err != nil {
		return
	}

	if err = s.SelectKey(info); err != nil {
		return
	}

	return s.DeriveKey(diversifier, make([]byte, BlockSize), dst)
}
