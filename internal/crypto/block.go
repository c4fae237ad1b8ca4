// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"sync"

	"github.com/usbarmory/armory-se/internal/se"
)

type seCipher struct {
	sync.Mutex
	session *se.AesSession
}

// newSEKeySlotCipher creates and returns a new cipher.Block. The session
// argument must be bound to a key slot, set with either se.DeriveKey() or
// SelectKey(), for hardware accelerated AES encryption.
func newSEKeySlotCipher(session *se.AesSession) (c cipher.Block, err error) {
	c = &seCipher{
		session: session,
	}

	return
}

// newSECipher creates and returns a new cipher.Block. The key argument should
// be a 16 or 32 bytes AES key for hardware accelerated AES-128 or AES-256.
//
// The passed key is placed in a newly allocated key slot for use.
func (k *Keyring) newSECipher(key []byte) (c cipher.Block, err error) {
	s := k.engine.NewAesSession()

	if err = s.SelectOperation(se.ECB, true); err != nil {
		return
	}

	if err = s.SelectKey(se.KeyInfo{Type: se.UserSpecified, Length: len(key), Key: key}); err != nil {
		return
	}

	k.sessions = append(k.sessions, s)

	return newSEKeySlotCipher(s)
}

// BlockSize returns the AES block size in bytes.
func (c *seCipher) BlockSize() int {
	return aes.BlockSize
}

// Encrypt performs single block encryption using AES-ECB, engine errors
// cause a panic as cipher.Block offers no error reporting.
func (c *seCipher) Encrypt(dst []byte, src []byte) {
	c.crypt(dst, src, true)
}

// Decrypt performs single block decryption using AES-ECB, engine errors
// cause a panic as cipher.Block offers no error reporting.
func (c *seCipher) Decrypt(dst []byte, src []byte) {
	c.crypt(dst, src, false)
}

func (c *seCipher) crypt(dst []byte, src []byte, enc bool) {
	if len(src) < aes.BlockSize || len(dst) < aes.BlockSize {
		panic("crypto: input not full block")
	}

	c.Lock()
	defer c.Unlock()

	if err := c.session.SelectOperation(se.ECB, enc); err != nil {
		panic(err)
	}

	if err := c.session.ProcessBuffer(src[:aes.BlockSize], dst[:aes.BlockSize]); err != nil {
		panic(err)
	}
}
