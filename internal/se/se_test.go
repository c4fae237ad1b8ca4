// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package se_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usbarmory/armory-se/internal/dma"
	"github.com/usbarmory/armory-se/internal/se"
	"github.com/usbarmory/armory-se/internal/sim"
)

const (
	testScratchSize = 1024
	testDMAStart    = 0x90000000
)

type testEngine struct {
	*se.Engine

	hw  *sim.Engine
	mem *dma.Region
}

func newTestEngine(t *testing.T, hwConf *sim.Config, conf *se.Config) *testEngine {
	t.Helper()

	if conf == nil {
		conf = &se.Config{}
	}

	if conf.ScratchSize == 0 {
		conf.ScratchSize = testScratchSize
	}

	if conf.Timeout == 0 {
		conf.Timeout = 5 * time.Second
	}

	mem, err := dma.NewRegion(testDMAStart, 4*conf.ScratchSize+4096)
	require.NoError(t, err)

	hw, err := sim.New(mem, hwConf)
	require.NoError(t, err)

	e, err := se.Init(hw.Platform(mem), conf)
	require.NoError(t, err)

	t.Cleanup(func() {
		e.Close()
	})

	return &testEngine{
		Engine: e,
		hw:     hw,
		mem:    mem,
	}
}

func TestInitSingleInstance(t *testing.T) {
	e := newTestEngine(t, nil, nil)

	mem, err := dma.NewRegion(testDMAStart, 8*testScratchSize)
	require.NoError(t, err)

	hw, err := sim.New(mem, nil)
	require.NoError(t, err)

	_, err = se.Init(hw.Platform(mem), &se.Config{ScratchSize: testScratchSize})
	require.ErrorIs(t, err, se.ErrAlreadyInitialized)

	require.NoError(t, e.Close())
	require.ErrorIs(t, e.Close(), se.ErrInvalidState)

	e2, err := se.Init(hw.Platform(mem), &se.Config{ScratchSize: testScratchSize})
	require.NoError(t, err)
	require.NoError(t, e2.Close())
}

func TestInitDisablesKeyScheduleRead(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	assert.False(t, e.hw.KeyScheduleReadable())
}

func TestInitReservesDMA(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	free := e.mem.Free()

	assert.Less(t, free, e.mem.Size()-4*testScratchSize)

	require.NoError(t, e.Close())
	assert.Equal(t, e.mem.Size(), e.mem.Free())
}

func TestInitInvalidConfig(t *testing.T) {
	mem, err := dma.NewRegion(testDMAStart, 8*testScratchSize)
	require.NoError(t, err)

	hw, err := sim.New(mem, nil)
	require.NoError(t, err)

	_, err = se.Init(hw.Platform(mem), &se.Config{ScratchSize: 100})
	require.ErrorIs(t, err, se.ErrBadParameter)

	_, err = se.Init(se.Platform{}, nil)
	require.ErrorIs(t, err, se.ErrBadParameter)

	// default scratch buffers do not fit in the region
	_, err = se.Init(hw.Platform(mem), nil)
	require.ErrorIs(t, err, se.ErrInvalidState)
}

func TestClosedEngine(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	require.NoError(t, e.Close())

	_, err := e.Sum(se.SHA256, []byte("abc"))
	require.ErrorIs(t, err, se.ErrInvalidState)

	require.ErrorIs(t, e.ClearSecureBootKey(), se.ErrInvalidState)
}

func TestTimeout(t *testing.T) {
	e := newTestEngine(t, &sim.Config{DropInterrupts: true}, &se.Config{Timeout: 50 * time.Millisecond})

	_, err := e.Sum(se.SHA256, []byte("abc"))
	require.ErrorIs(t, err, se.ErrTimeout)

	s := e.NewAesSession()
	require.NoError(t, s.SelectOperation(se.ECB, true))
	require.NoError(t, s.SelectKey(se.KeyInfo{Type: se.UserSpecified, Length: 16, Key: make([]byte, 16)}))

	err = s.ProcessBuffer(make([]byte, 16), make([]byte, 16))
	require.ErrorIs(t, err, se.ErrTimeout)
}

func TestHardwareError(t *testing.T) {
	e := newTestEngine(t, nil, nil)

	s := e.NewAesSession()
	require.NoError(t, s.SelectOperation(se.CBC, true))
	require.NoError(t, s.SelectKey(se.KeyInfo{Type: se.UserSpecified, Length: 16, Key: make([]byte, 16)}))

	e.hw.InjectFault(sim.ErrDescriptor)

	err := s.ProcessBuffer(make([]byte, 16), make([]byte, 16))
	require.ErrorIs(t, err, se.ErrInvalidState)

	// the error flag is cleared on the next submission
	require.NoError(t, s.ProcessBuffer(make([]byte, 16), make([]byte, 16)))

	e.hw.InjectFault(sim.ErrDescriptor)

	_, err = e.Sum(se.SHA1, make([]byte, 3*testScratchSize))
	require.ErrorIs(t, err, se.ErrInvalidState)
}

func TestKeySlotsSnapshot(t *testing.T) {
	e := newTestEngine(t, nil, nil)

	slots := e.KeySlots()
	require.Len(t, slots, se.KeySlots)

	assert.Equal(t, se.ReservedSecureBoot, slots[se.SecureBootKeySlot].Kind)
	assert.Equal(t, se.ReservedSecureStorage, slots[se.SecureStorageKeySlot].Kind)
	assert.True(t, slots[se.SecureBootKeySlot].InUse)
	assert.False(t, slots[0].InUse)
}
