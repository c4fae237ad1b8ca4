// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package se_test

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usbarmory/armory-se/internal/se"
)

func testKey(n int) []byte {
	key := make([]byte, n)

	for i := range key {
		key[i] = byte(0xa0 + i)
	}

	return key
}

func testIV() []byte {
	return bytes.Repeat([]byte{0x5c}, se.BlockSize)
}

func newSession(t *testing.T, e *testEngine, mode se.Mode, encrypt bool, key []byte) *se.AesSession {
	t.Helper()

	s := e.NewAesSession()
	require.NoError(t, s.SelectOperation(mode, encrypt))
	require.NoError(t, s.SelectKey(se.KeyInfo{Type: se.UserSpecified, Length: len(key), Key: key}))

	return s
}

func TestAesRoundTrip(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	msg := message(3*testScratchSize + 5*se.BlockSize)

	for _, n := range []int{16, 24, 32} {
		for _, mode := range []se.Mode{se.CBC, se.ECB} {
			key := testKey(n)

			enc := newSession(t, e, mode, true, key)
			require.NoError(t, enc.SetIV(testIV()))

			ct := make([]byte, len(msg))
			require.NoError(t, enc.ProcessBuffer(msg, ct))
			assert.NotEqual(t, msg, ct)

			dec := newSession(t, e, mode, false, key)
			require.NoError(t, dec.SetIV(testIV()))

			pt := make([]byte, len(ct))
			require.NoError(t, dec.ProcessBuffer(ct, pt))
			assert.Equal(t, msg, pt, "%v %d", mode, n)

			enc.ReleaseKeySlot()
			dec.ReleaseKeySlot()
		}
	}
}

func TestAesAgainstReference(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	msg := message(2*testScratchSize + 3*se.BlockSize)

	for _, n := range []int{16, 24, 32} {
		key := testKey(n)
		block, err := aes.NewCipher(key)
		require.NoError(t, err)

		expected := make([]byte, len(msg))
		cipher.NewCBCEncrypter(block, testIV()).CryptBlocks(expected, msg)

		s := newSession(t, e, se.CBC, true, key)
		require.NoError(t, s.SetIV(testIV()))

		ct := make([]byte, len(msg))

		// chaining continues across calls
		require.NoError(t, s.ProcessBuffer(msg[:5*se.BlockSize], ct[:5*se.BlockSize]))
		require.NoError(t, s.ProcessBuffer(msg[5*se.BlockSize:], ct[5*se.BlockSize:]))
		assert.Equal(t, expected, ct)

		s.ReleaseKeySlot()
	}
}

func TestAesStreamModes(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	msg := message(testScratchSize + 4*se.BlockSize)
	key := testKey(16)

	block, err := aes.NewCipher(key)
	require.NoError(t, err)

	zero := make([]byte, se.BlockSize)

	for mode, stream := range map[se.Mode]cipher.Stream{
		se.OFB: cipher.NewOFB(block, zero),
		se.CTR: cipher.NewCTR(block, zero),
	} {
		expected := make([]byte, len(msg))
		stream.XORKeyStream(expected, msg)

		s := newSession(t, e, mode, true, key)

		// IV programming is restricted to CBC and ECB
		require.ErrorIs(t, s.SetIV(testIV()), se.ErrInvalidState)
		require.ErrorIs(t, s.GetInitialVector(make([]byte, 16)), se.ErrInvalidState)

		ct := make([]byte, len(msg))
		require.NoError(t, s.ProcessBuffer(msg[:3*se.BlockSize], ct[:3*se.BlockSize]))
		require.NoError(t, s.ProcessBuffer(msg[3*se.BlockSize:], ct[3*se.BlockSize:]))
		assert.Equal(t, expected, ct, "%v", mode)

		s.ReleaseKeySlot()
	}
}

func TestAesSessionErrors(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	s := e.NewAesSession()

	require.ErrorIs(t, s.SelectOperation(se.Mode(9), true), se.ErrBadParameter)

	key := se.KeyInfo{Type: se.UserSpecified, Length: 16, Key: testKey(16)}
	require.ErrorIs(t, s.SetIV(testIV()), se.ErrInvalidState)
	require.ErrorIs(t, s.ProcessBuffer(make([]byte, 16), make([]byte, 16)), se.ErrInvalidState)

	// a key without an operation cannot be used yet
	require.NoError(t, s.SelectKey(key))
	require.ErrorIs(t, s.SetIV(testIV()), se.ErrInvalidState)
	require.ErrorIs(t, s.ProcessBuffer(make([]byte, 16), make([]byte, 16)), se.ErrInvalidState)
	s.ReleaseKeySlot()

	require.NoError(t, s.SelectOperation(se.CBC, true))

	require.ErrorIs(t, s.SelectKey(se.KeyInfo{Type: se.UserSpecified, Length: 20, Key: testKey(20)}), se.ErrBadParameter)
	require.ErrorIs(t, s.SelectKey(se.KeyInfo{Type: se.UserSpecified, Length: 32, Key: testKey(16)}), se.ErrBadParameter)
	require.ErrorIs(t, s.SelectKey(se.KeyInfo{Type: se.SecureBootKey, Length: 32}), se.ErrBadParameter)
	require.ErrorIs(t, s.SelectKey(se.KeyInfo{Type: se.SecureStorageKey, Length: 24}), se.ErrBadParameter)
	require.ErrorIs(t, s.SelectKey(se.KeyInfo{Type: se.KeyType(7), Length: 16}), se.ErrBadParameter)

	require.NoError(t, s.SelectKey(key))

	require.ErrorIs(t, s.SetIV(make([]byte, 8)), se.ErrBadParameter)
	require.ErrorIs(t, s.GetInitialVector(make([]byte, 8)), se.ErrBadParameter)
	require.ErrorIs(t, s.ProcessBuffer(make([]byte, 17), make([]byte, 32)), se.ErrBadParameter)
	require.ErrorIs(t, s.ProcessBuffer(make([]byte, 32), make([]byte, 16)), se.ErrBadParameter)

	iv := make([]byte, se.BlockSize)
	require.NoError(t, s.SetIV(testIV()))
	require.NoError(t, s.GetInitialVector(iv))
	assert.Equal(t, testIV(), iv)

	s.ReleaseKeySlot()
	assert.Equal(t, se.NoKeySlot, s.KeySlot())
	require.ErrorIs(t, s.ProcessBuffer(make([]byte, 16), make([]byte, 16)), se.ErrInvalidState)
}

func TestKeySlotExhaustion(t *testing.T) {
	e := newTestEngine(t, nil, nil)

	var sessions []*se.AesSession

	for i := 0; i < se.KeySlots-2; i++ {
		sessions = append(sessions, newSession(t, e, se.ECB, true, testKey(16)))
	}

	s := e.NewAesSession()
	require.NoError(t, s.SelectOperation(se.ECB, true))

	key := se.KeyInfo{Type: se.UserSpecified, Length: 16, Key: testKey(16)}
	require.ErrorIs(t, s.SelectKey(key), se.ErrAlreadyAllocated)

	// reserved slots remain selectable
	require.NoError(t, s.SelectKey(se.KeyInfo{Type: se.SecureBootKey, Length: 16}))
	assert.Equal(t, se.SecureBootKeySlot, s.KeySlot())

	released := sessions[3].KeySlot()
	sessions[3].ReleaseKeySlot()

	require.NoError(t, s.SelectKey(key))
	assert.Equal(t, released, s.KeySlot())

	for _, slot := range e.KeySlots() {
		assert.True(t, slot.InUse)
	}
}

func TestSelectKeyReplacesUserSlot(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	s := newSession(t, e, se.ECB, true, testKey(16))

	for i := 0; i < 2*se.KeySlots; i++ {
		require.NoError(t, s.SelectKey(se.KeyInfo{Type: se.UserSpecified, Length: 32, Key: testKey(32)}))
	}

	inUse := 0

	for _, slot := range e.KeySlots() {
		if slot.InUse {
			inUse++
		}
	}

	assert.Equal(t, 3, inUse)
}

func TestSelectKeyBeforeOperation(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	key := testKey(16)
	msg := message(4 * se.BlockSize)

	s := e.NewAesSession()
	defer s.ReleaseKeySlot()

	require.NoError(t, s.SelectKey(se.KeyInfo{Type: se.UserSpecified, Length: len(key), Key: key}))
	require.NoError(t, s.SelectOperation(se.ECB, true))

	ct := make([]byte, len(msg))
	require.NoError(t, s.ProcessBuffer(msg, ct))

	block, err := aes.NewCipher(key)
	require.NoError(t, err)

	expected := make([]byte, len(msg))

	for i := 0; i < len(msg); i += se.BlockSize {
		block.Encrypt(expected[i:], msg[i:])
	}

	assert.Equal(t, expected, ct)

	// reserved keys as well
	sbk := e.NewAesSession()
	defer sbk.ReleaseKeySlot()

	require.NoError(t, sbk.SelectKey(se.KeyInfo{Type: se.SecureBootKey, Length: 16}))
	require.NoError(t, sbk.SelectOperation(se.CBC, true))
	require.NoError(t, sbk.SetIV(make([]byte, se.BlockSize)))
	require.NoError(t, sbk.ProcessBuffer(msg, ct))
}

func TestSelectKeyFailureKeepsKey(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	msg := message(se.BlockSize)

	s := e.NewAesSession()
	require.NoError(t, s.SelectOperation(se.ECB, true))
	require.NoError(t, s.SelectKey(se.KeyInfo{Type: se.SecureStorageKey, Length: 16}))

	before := make([]byte, len(msg))
	require.NoError(t, s.ProcessBuffer(msg, before))

	var u *se.AesSession

	for i := 0; i < se.KeySlots-2; i++ {
		u = newSession(t, e, se.ECB, true, testKey(16))
	}

	key := se.KeyInfo{Type: se.UserSpecified, Length: 16, Key: testKey(16)}
	require.ErrorIs(t, s.SelectKey(key), se.ErrAlreadyAllocated)
	assert.Equal(t, se.SecureStorageKeySlot, s.KeySlot())

	after := make([]byte, len(msg))
	require.NoError(t, s.ProcessBuffer(msg, after))
	assert.Equal(t, before, after)

	// a user slot is rewritten in place when no other slot is free
	slot := u.KeySlot()

	other := testKey(32)
	require.NoError(t, u.SelectKey(se.KeyInfo{Type: se.UserSpecified, Length: 32, Key: other}))
	assert.Equal(t, slot, u.KeySlot())

	block, err := aes.NewCipher(other)
	require.NoError(t, err)

	expected := make([]byte, len(msg))
	block.Encrypt(expected, msg)

	require.NoError(t, u.ProcessBuffer(msg, after))
	assert.Equal(t, expected, after)
}

func TestDeriveKey(t *testing.T) {
	e := newTestEngine(t, nil, nil)

	key := testKey(16)
	diversifier := bytes.Repeat([]byte{0x42}, 32)

	block, err := aes.NewCipher(key)
	require.NoError(t, err)

	expected := make([]byte, len(diversifier))
	cipher.NewCBCEncrypter(block, make([]byte, se.BlockSize)).CryptBlocks(expected, diversifier)

	info := se.KeyInfo{Type: se.UserSpecified, Length: len(key), Key: key}

	derived, err := e.DeriveKey(info, diversifier, nil)
	require.NoError(t, err)
	assert.Equal(t, expected, derived)

	// derive into a key slot and check it matches the exposed one
	dst := e.NewAesSession()
	_, err = e.DeriveKey(info, diversifier, dst)
	require.NoError(t, err)
	require.NotEqual(t, se.NoKeySlot, dst.KeySlot())

	require.NoError(t, dst.SelectOperation(se.ECB, true))

	ct := make([]byte, se.BlockSize)
	require.NoError(t, dst.ProcessBuffer(make([]byte, se.BlockSize), ct))

	ref, err := aes.NewCipher(derived)
	require.NoError(t, err)

	expected = make([]byte, se.BlockSize)
	ref.Encrypt(expected, make([]byte, se.BlockSize))
	assert.Equal(t, expected, ct)

	_, err = e.DeriveKey(info, make([]byte, 20), nil)
	require.ErrorIs(t, err, se.ErrBadParameter)

	s := e.NewAesSession()
	_, err = s.DeriveKey(diversifier, make([]byte, se.BlockSize), nil)
	require.ErrorIs(t, err, se.ErrInvalidState)
}
