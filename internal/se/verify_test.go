// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package se_test

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usbarmory/armory-se/internal/se"
	"github.com/usbarmory/armory-se/internal/sim"
)

var testPlaintext = unhex("000102030405060708090a0b0c0d0e0f")

func encryptWith(t *testing.T, e *testEngine, info se.KeyInfo) []byte {
	t.Helper()

	s := e.NewAesSession()
	defer s.ReleaseKeySlot()

	require.NoError(t, s.SelectOperation(se.CBC, true))
	require.NoError(t, s.SelectKey(info))
	require.NoError(t, s.SetIV(make([]byte, se.BlockSize)))

	ct := make([]byte, se.BlockSize)
	require.NoError(t, s.ProcessBuffer(testPlaintext, ct))

	return ct
}

var (
	sbk = se.KeyInfo{Type: se.SecureBootKey, Length: 16}
	ssk = se.KeyInfo{Type: se.SecureStorageKey, Length: 16}
)

func TestClearSecureBootKey(t *testing.T) {
	e := newTestEngine(t, &sim.Config{SecureBootKey: testKey(16)}, nil)

	before := encryptWith(t, e, sbk)
	assert.NotEqual(t, "7aca0fd9bcd6ec7c9f97466616e6a282", hex.EncodeToString(before))

	require.NoError(t, e.ClearSecureBootKey())

	after := encryptWith(t, e, sbk)
	assert.Equal(t, "7aca0fd9bcd6ec7c9f97466616e6a282", hex.EncodeToString(after))
}

func TestClearSecureBootKeyIneffective(t *testing.T) {
	e := newTestEngine(t, &sim.Config{SecureBootKey: testKey(16)}, nil)

	// hardware discards the write behind the driver back
	e.hw.WriteLockKeySlot(se.SecureBootKeySlot)

	require.ErrorIs(t, e.ClearSecureBootKey(), se.ErrBadValue)
}

func TestLockSecureStorageKey(t *testing.T) {
	for _, key := range [][]byte{testKey(16), make([]byte, 16)} {
		e := newTestEngine(t, &sim.Config{SecureStorageKey: key}, nil)

		ref := encryptWith(t, e, ssk)

		require.NoError(t, e.LockSecureStorageKey())
		assert.True(t, e.hw.Locked(se.SecureStorageKeySlot))

		// the normal key write path is refused
		require.ErrorIs(t, e.SetAndLockSecureStorageKey(bytes.Repeat([]byte{1}, 16)), se.ErrInvalidState)

		// direct hardware writes are discarded
		require.NoError(t, e.hw.SetKey(se.SecureStorageKeySlot, bytes.Repeat([]byte{2}, 16)))
		assert.Equal(t, ref, encryptWith(t, e, ssk))

		require.NoError(t, e.Close())
	}
}

func TestLockSecureStorageKeyIneffective(t *testing.T) {
	for _, key := range [][]byte{testKey(16), make([]byte, 16)} {
		e := newTestEngine(t, &sim.Config{SecureStorageKey: key, IgnoreWriteLock: true}, nil)
		require.ErrorIs(t, e.LockSecureStorageKey(), se.ErrBadValue)
		require.NoError(t, e.Close())
	}
}

func TestSetAndLockSecureStorageKey(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	key := testKey(16)

	require.ErrorIs(t, e.SetAndLockSecureStorageKey(key[:8]), se.ErrBadParameter)
	require.NoError(t, e.SetAndLockSecureStorageKey(key))

	user := se.KeyInfo{Type: se.UserSpecified, Length: 16, Key: key}
	assert.Equal(t, encryptWith(t, e, user), encryptWith(t, e, ssk))

	// the temporary verification slots are given back
	inUse := 0

	for _, slot := range e.KeySlots() {
		if slot.InUse {
			inUse++
		}
	}

	assert.Equal(t, 2, inUse)
}
