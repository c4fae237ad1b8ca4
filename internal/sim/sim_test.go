// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sim

import (
	"bytes"
	"crypto/aes"
	"crypto/sha512"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usbarmory/armory-se/internal/dma"
	"github.com/usbarmory/armory-se/internal/se"
)

type testBus struct {
	*dma.Region
	t *testing.T
}

// descriptor reserves a buffer holding data and its linked list.
func (b *testBus) descriptor(data []byte, size int) (ll uint, buf []byte) {
	addr, buf := b.Reserve(size, 64)
	require.NotNil(b.t, buf)

	copy(buf, data)

	ll, rec := b.Reserve(se.LinkedListSize, 64)
	require.NotNil(b.t, rec)

	desc := &se.LinkedList{Address: uint32(addr), Size: uint32(size)}
	copy(rec, desc.Bytes())

	return
}

func newTestModel(t *testing.T, conf *Config) (*Engine, *testBus) {
	mem, err := dma.NewRegion(0x90000000, 1<<16)
	require.NoError(t, err)

	e, err := New(mem, conf)
	require.NoError(t, err)

	return e, &testBus{Region: mem, t: t}
}

func TestReservedKeys(t *testing.T) {
	_, err := New(nil, &Config{SecureBootKey: make([]byte, 8)})
	require.ErrorIs(t, err, ErrKey)

	e, err := New(nil, nil)
	require.NoError(t, err)

	assert.Len(t, e.keys[se.SecureBootKeySlot], 16)
	assert.NotEqual(t, make([]byte, 16), e.keys[se.SecureStorageKeySlot])
}

func TestWriteLock(t *testing.T) {
	e, _ := newTestModel(t, nil)

	key := bytes.Repeat([]byte{1}, 16)

	require.NoError(t, e.SetKey(3, key))
	e.WriteLockKeySlot(3)
	assert.True(t, e.Locked(3))

	require.NoError(t, e.SetKey(3, make([]byte, 16)))
	assert.Equal(t, key, e.keys[3])

	require.ErrorIs(t, e.SetKey(se.KeySlots, key), ErrKeySlot)
	require.ErrorIs(t, e.SetKey(0, key[:5]), ErrKey)

	e.conf.IgnoreWriteLock = true
	require.NoError(t, e.SetKey(3, make([]byte, 16)))
	assert.Equal(t, make([]byte, 16), e.keys[3])
}

func TestInterruptOneShot(t *testing.T) {
	e, bus := newTestModel(t, nil)
	irq := &Interrupt{e: e}

	fired := make(chan struct{}, 4)

	require.NoError(t, irq.Register(func() { fired <- struct{}{} }))
	require.Error(t, irq.Register(func() {}))

	require.NoError(t, e.SetKey(0, make([]byte, 16)))

	in, _ := bus.descriptor(make([]byte, 16), 16)
	out, _ := bus.descriptor(nil, 16)

	req := &se.AesRequest{
		Mode:        se.ECB,
		Encrypt:     true,
		KeySlot:     0,
		KeyLength:   16,
		Size:        16,
		InputLL:     in,
		OutputLL:    out,
		Destination: se.DestinationMemory,
	}

	// completion without an armed interrupt stays pending
	require.NoError(t, e.AesProcess(req))

	select {
	case <-fired:
		t.Fatal("unexpected interrupt")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, irq.Enable())

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("missing interrupt")
	}

	assert.Equal(t, 1, e.Operations())

	e.ClearInterrupts()
	irq.Unregister()
}

func TestAesDestinationSlot(t *testing.T) {
	e, bus := newTestModel(t, nil)

	key := bytes.Repeat([]byte{7}, 16)
	require.NoError(t, e.SetKey(1, key))

	diversifier := bytes.Repeat([]byte{9}, 16)
	in, _ := bus.descriptor(diversifier, 16)

	req := &se.AesRequest{
		Mode:        se.CBC,
		Encrypt:     true,
		KeySlot:     1,
		KeyLength:   16,
		Size:        16,
		InputLL:     in,
		Destination: 2,
	}

	require.NoError(t, e.AesProcess(req))

	c, err := aes.NewCipher(key)
	require.NoError(t, err)

	expected := make([]byte, 16)
	c.Encrypt(expected, diversifier)

	assert.Equal(t, expected, e.keys[2])

	req.KeyLength = 24
	require.ErrorIs(t, e.AesProcess(req), ErrKey)
}

func TestAesClockGated(t *testing.T) {
	e, _ := newTestModel(t, nil)
	clk := &Clock{e: e}

	clk.Disable()
	require.ErrorIs(t, e.AesProcess(&se.AesRequest{}), ErrPowered)

	require.NoError(t, clk.Enable())
	require.ErrorIs(t, e.AesProcess(&se.AesRequest{KeySlot: 0, KeyLength: 16}), ErrKey)
}

func TestShaContinuation(t *testing.T) {
	e, bus := newTestModel(t, nil)

	msg := make([]byte, 300)

	for i := range msg {
		msg[i] = byte(i)
	}

	first, _ := bus.descriptor(msg[:256], 256)
	last, _ := bus.descriptor(msg[256:], 44)

	req := &se.ShaRequest{
		Variant:   se.SHA512,
		Init:      true,
		MsgLength: 300 * 8,
		MsgLeft:   300 * 8,
		InputLL:   first,
	}

	require.NoError(t, e.ShaProcess(req))
	require.NoError(t, e.ShaBackup(&req.Digest))

	req.Init = false
	req.MsgLeft = 44 * 8
	req.InputLL = last

	require.NoError(t, e.ShaProcess(req))

	var digest [se.DigestWords]uint32
	require.NoError(t, e.ShaBackup(&digest))

	expected := sha512.Sum512(msg)

	// 64-bit words are stored low word first
	for i := 0; i < 8; i++ {
		hi := uint32(expected[i*8])<<24 | uint32(expected[i*8+1])<<16 | uint32(expected[i*8+2])<<8 | uint32(expected[i*8+3])
		assert.Equal(t, hi, digest[2*i+1])
	}

	// unaligned intermediate submissions are rejected
	req.Init = true
	req.MsgLeft = 300 * 8
	require.ErrorIs(t, e.ShaProcess(req), ErrAlignment)
}

func TestAddCounter(t *testing.T) {
	var ctr [se.BlockSize]byte

	for i := 8; i < se.BlockSize; i++ {
		ctr[i] = 0xff
	}

	addCounter(&ctr, 2)

	expected := [se.BlockSize]byte{}
	expected[7] = 1
	expected[15] = 1

	assert.Equal(t, expected, ctr)
}
