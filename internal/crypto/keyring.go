// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package crypto implements key management and full disk encryption on top
// of the security engine key slots.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"errors"
	"sync"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/xts"
	"k8s.io/klog/v2"

	"github.com/usbarmory/armory-se/internal/se"
)

// Keyring key roles
const (
	BLOCK_KEY = iota
	ESSIV_KEY
	SNVS_KEY

	keyRoles
)

const (
	// key derivation iteration count
	PBKDF2_ITER = 4096

	// DEK key derivation diversifier
	DEK_DIV = "armoryDEK"
	// ESSIV key derivation diversifier
	ESSIV_DIV = "armoryESSIV"
	// SNVS key derivation diversifier
	SNVS_DIV = "armorySNVS"
	// OS secure storage key diversifier
	SSK_DIV = "armorySSK"
)

// IV encryption IV for ESSIV computation and IV reset
var zero = make([]byte, aes.BlockSize)

var secureStorageKey = se.KeyInfo{
	Type:   se.SecureStorageKey,
	Length: 16,
}

// Keyring represents the set of keys derived from the secure storage key.
type Keyring struct {
	sync.Mutex

	// FDE function
	Cipher func(buf []byte, lba int, blocks int, blockSize int, enc bool) error

	// Configuration instance
	Conf *PersistentConfiguration
	// Configuration file path
	Path string

	// flag to select the engine for supported block ciphers
	HardwareBlock bool
	// flag to select the engine for ESSIV computation
	HardwareIV bool
	// flag to allow the engine, for AES-128 XTS computation
	HardwareXTS bool

	engine *se.Engine

	// key slot bound sessions, by role
	slots [keyRoles]*se.AesSession
	// sessions backing hardware block ciphers
	sessions []*se.AesSession

	// flag to select ESSIV on AES-128 CBC ciphers
	essiv bool

	// ESSIV cipher
	cbiv cipher.Block
	// CPU bound block cipher
	cb cipher.Block
	// xts block cipher
	cbxts *xts.Cipher

	// IV encryption key for ESSIV computation
	salt []byte
	// persistent storage encryption key
	snvs []byte
}

// NewKeyring returns a keyring bound to an engine.
func NewKeyring(e *se.Engine) *Keyring {
	return &Keyring{
		engine:        e,
		HardwareBlock: true,
	}
}

// Sanitize replaces the secure storage key with a key derived from it and
// clears the secure boot key, so that neither boot time key is available
// past this point. Errors must be treated as fatal.
func (k *Keyring) Sanitize(diversifier []byte) (err error) {
	div := sha256.Sum256(append([]byte(SSK_DIV), diversifier...))

	ssk, err := k.engine.DeriveKey(secureStorageKey, div[:aes.BlockSize], nil)

	if err != nil {
		return
	}

	defer wipe(ssk)

	if err = k.engine.SetAndLockSecureStorageKey(ssk); err != nil {
		return
	}

	return k.engine.ClearSecureBootKey()
}

// Init derives the keyring keys and loads its configuration, a default
// configuration is created when missing or when overwrite is set.
func (k *Keyring) Init(overwrite bool) (err error) {
	// derive persistent storage encryption key
	if k.snvs, err = k.deriveKey([]byte(SNVS_DIV), SNVS_KEY, true); err != nil {
		return
	}

	// Derive salt, used for ESSIV computation as well as BLOCK_KEY derivation.
	if k.salt, err = k.deriveKey([]byte(ESSIV_DIV), ESSIV_KEY, true); err != nil {
		return
	}

	err = k.Load()

	if err != nil || overwrite {
		if err != nil {
			klog.Warningf("crypto: resetting configuration, %v", err)
		}

		err = k.reset()
	}

	return
}

// Close releases all key slots held by the keyring.
func (k *Keyring) Close() {
	k.Lock()
	defer k.Unlock()

	k.release()
}

func (k *Keyring) release() {
	for _, s := range k.slots {
		if s != nil {
			s.ReleaseKeySlot()
		}
	}

	for _, s := range k.sessions {
		s.ReleaseKeySlot()
	}

	k.sessions = nil
}

func (k *Keyring) session(index int) *se.AesSession {
	if k.slots[index] == nil {
		k.slots[index] = k.engine.NewAesSession()
	}

	return k.slots[index]
}

func (k *Keyring) deriveKey(diversifier []byte, index int, export bool) (key []byte, err error) {
	if index == BLOCK_KEY {
		if len(k.salt) == 0 {
			return nil, errors.New("keyring not initialized")
		}

		// The ESSIV salt is random and unknown, it diversifies the
		// block cipher key on top of the caller diversifier.
		diversifier = pbkdf2.Key(k.salt, append([]byte(DEK_DIV), diversifier...), PBKDF2_ITER, aes.BlockSize, sha256.New)
	} else {
		div := sha256.Sum256(diversifier)
		diversifier = div[:aes.BlockSize]
	}

	if export {
		key, err = k.engine.DeriveKey(secureStorageKey, diversifier, nil)
	} else {
		// Move the derived key directly to a key slot, without ever
		// exposing it to external RAM or the Go runtime.
		_, err = k.engine.DeriveKey(secureStorageKey, diversifier, k.session(index))
	}

	if err != nil {
		return
	}

	if export {
		err = k.session(index).SelectOperation(se.ECB, true)

		if err != nil {
			return
		}

		err = k.session(index).SelectKey(se.KeyInfo{Type: se.UserSpecified, Length: len(key), Key: key})
	}

	return
}

func wipe(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
