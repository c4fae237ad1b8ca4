// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package se

import (
	"bytes"
	"fmt"

	"k8s.io/klog/v2"
)

var (
	// plaintext used by the reserved key self verification
	verifyPlaintext = []byte{
		0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07,
		0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f,
	}

	// AES-128-CBC encryption of verifyPlaintext under the zero key and IV
	clearedKeyCiphertext = []byte{
		0x7a, 0xca, 0x0f, 0xd9, 0xbc, 0xd6, 0xec, 0x7c,
		0x9f, 0x97, 0x46, 0x66, 0x16, 0xe6, 0xa2, 0x82,
	}
)

// ClearSecureBootKey overwrites the secure boot key with zeroes and verifies
// that the hardware honoured the write. Any error must be treated as fatal
// as the secure boot key might still be available.
func (e *Engine) ClearSecureBootKey() (err error) {
	if err = e.acquire(); err != nil {
		return
	}

	err = e.writeKey(SecureBootKeySlot, make([]byte, 16))
	e.Unlock()

	if err != nil {
		return
	}

	ct, err := e.encryptPlaintext(KeyInfo{Type: SecureBootKey, Length: 16})

	if err != nil {
		return
	}

	if !bytes.Equal(ct, clearedKeyCiphertext) {
		klog.Errorf("se: secure boot key clear not effective")
		return fmt.Errorf("secure boot key not cleared, %w", ErrBadValue)
	}

	klog.Info("se: secure boot key cleared")

	return
}

// LockSecureStorageKey disables writes to the secure storage key slot and
// verifies the lock. Any error must be treated as fatal as the secure
// storage key might still be replaced.
func (e *Engine) LockSecureStorageKey() (err error) {
	if err = e.acquire(); err != nil {
		return
	}

	e.lockKeySlot(SecureStorageKeySlot)
	e.Unlock()

	if err = e.verifySecureStorageKeyLock(); err != nil {
		return
	}

	klog.Info("se: secure storage key locked")

	return
}

// SetAndLockSecureStorageKey programs the secure storage key and locks it,
// see LockSecureStorageKey.
func (e *Engine) SetAndLockSecureStorageKey(key []byte) (err error) {
	if len(key) < 16 {
		return fmt.Errorf("short secure storage key, %w", ErrBadParameter)
	}

	if err = e.acquire(); err != nil {
		return
	}

	err = e.writeKey(SecureStorageKeySlot, key[:16])

	if err == nil {
		e.lockKeySlot(SecureStorageKeySlot)
	}

	e.Unlock()

	if err != nil {
		return
	}

	if err = e.verifySecureStorageKeyLock(); err != nil {
		return
	}

	klog.Info("se: secure storage key set and locked")

	return
}

// lockKeySlot must be called with the engine lock held.
func (e *Engine) lockKeySlot(slot int) {
	e.slots.writeLock(slot)
	e.hw.WriteLockKeySlot(slot)
}

// verifySecureStorageKeyLock attempts to replace the locked key with a probe
// key guaranteed to produce a different ciphertext than the zero key, the
// lock holds when encryption results are unaffected.
func (e *Engine) verifySecureStorageKeyLock() (err error) {
	ref, err := e.encryptPlaintext(KeyInfo{Type: SecureStorageKey, Length: 16})

	if err != nil {
		return
	}

	zero, err := e.encryptPlaintext(KeyInfo{Type: UserSpecified, Length: 16, Key: make([]byte, 16)})

	if err != nil {
		return
	}

	probe := make([]byte, 16)

	if bytes.Equal(ref, zero) {
		for i := range probe {
			probe[i] = 0xff
		}
	}

	if err = e.acquire(); err != nil {
		return
	}

	// bypass the slot table lock to exercise the hardware one
	err = wrap(e.hw.SetKey(SecureStorageKeySlot, probe), "key write")
	e.Unlock()

	if err != nil {
		return
	}

	ct, err := e.encryptPlaintext(KeyInfo{Type: SecureStorageKey, Length: 16})

	if err != nil {
		return
	}

	if !bytes.Equal(ref, ct) {
		klog.Errorf("se: secure storage key lock not effective")
		return fmt.Errorf("secure storage key not locked, %w", ErrBadValue)
	}

	return
}

// encryptPlaintext encrypts the verification plaintext in CBC mode with a
// zero IV, user keys are installed in a temporary key slot.
func (e *Engine) encryptPlaintext(info KeyInfo) (ct []byte, err error) {
	s := e.NewAesSession()
	defer s.ReleaseKeySlot()

	if err = s.SelectOperation(CBC, true); err != nil {
		return
	}

	if err = s.SelectKey(info); err != nil {
		return
	}

	if err = s.SetIV(make([]byte, BlockSize)); err != nil {
		return
	}

	ct = make([]byte, len(verifyPlaintext))
	err = s.ProcessBuffer(verifyPlaintext, ct)

	return
}
