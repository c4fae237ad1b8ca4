// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package dma

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testStart = 0x90000000

func TestRegionReserveAlignment(t *testing.T) {
	r, err := NewRegion(testStart+4, 4096)
	require.NoError(t, err)

	addr, buf := r.Reserve(100, 64)
	require.NotZero(t, addr)
	require.Len(t, buf, 100)
	assert.Zero(t, addr%64)

	addr2, buf2 := r.Reserve(10, 0)
	require.NotZero(t, addr2)
	require.Len(t, buf2, 10)
	assert.NotEqual(t, addr, addr2)
}

func TestRegionReadWrite(t *testing.T) {
	r, err := NewRegion(testStart, 1024)
	require.NoError(t, err)

	addr, buf := r.Reserve(32, 16)
	require.NotNil(t, buf)

	r.Write(addr, 8, []byte{1, 2, 3, 4})
	assert.Equal(t, []byte{1, 2, 3, 4}, buf[8:12])

	copy(buf, bytes.Repeat([]byte{0xaa}, 4))
	out := make([]byte, 4)
	r.Read(addr, 0, out)
	assert.Equal(t, bytes.Repeat([]byte{0xaa}, 4), out)

	assert.Panics(t, func() { r.Read(addr, 1020, out) })

	// accesses are confined to the reservation
	assert.Panics(t, func() { r.Read(addr, 30, out) })
	assert.Panics(t, func() { r.Write(addr+32, 0, out) })
	assert.Panics(t, func() { r.Read(addr, -1, out) })

	// addresses inside a reservation are valid
	r.Write(addr+16, 12, []byte{5, 6, 7, 8})
	assert.Equal(t, []byte{5, 6, 7, 8}, buf[28:32])
	r.Read(addr+8, 0, out)
	assert.Equal(t, []byte{1, 2, 3, 4}, out)

	r.Release(addr)
	assert.Panics(t, func() { r.Read(addr, 0, out) })
}

func TestRegionExhaustionAndRelease(t *testing.T) {
	r, err := NewRegion(testStart, 256)
	require.NoError(t, err)

	a1, b1 := r.Reserve(128, 0)
	a2, b2 := r.Reserve(128, 0)
	require.NotNil(t, b1)
	require.NotNil(t, b2)
	assert.Equal(t, 0, r.Free())

	a3, b3 := r.Reserve(1, 0)
	assert.Zero(t, a3)
	assert.Nil(t, b3)

	r.Release(a1)
	r.Release(a2)
	assert.Equal(t, 256, r.Free())

	// released neighbours coalesce back into a single block
	a4, b4 := r.Reserve(256, 0)
	assert.Equal(t, uint(testStart), a4)
	assert.Len(t, b4, 256)
}

func TestRegionReservedBuffersAreZeroed(t *testing.T) {
	r, err := NewRegion(testStart, 64)
	require.NoError(t, err)

	addr, buf := r.Reserve(64, 0)
	copy(buf, bytes.Repeat([]byte{0xff}, 64))
	r.Release(addr)

	_, buf = r.Reserve(64, 0)
	assert.Equal(t, make([]byte, 64), buf)
}

func TestNewRegionInvalid(t *testing.T) {
	_, err := NewRegion(testStart, 0)
	assert.Error(t, err)

	_, err = NewRegion(0xffffff00, 0x1000)
	assert.Error(t, err)
}
