// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago
// +build tamago

package dma

import (
	"unsafe"

	"github.com/f-secure-foundry/tamago/dma"
)

// Global represents the TamaGo global DMA region, on bare metal physical
// addresses are identity mapped.
type Global struct{}

// Init initializes the TamaGo global DMA region.
func Init(start uint, size int) {
	dma.Init(uint32(start), size)
}

// Reserve allocates a slice of bytes from the global DMA region.
func (g Global) Reserve(size int, align int) (addr uint, buf []byte) {
	a, buf := dma.Reserve(size, align)
	return uint(a), buf
}

// Release frees a buffer previously allocated with Reserve().
func (g Global) Release(addr uint) {
	dma.Release(uint32(addr))
}

// Read reads exactly len(buf) bytes from a physical address.
func (g Global) Read(addr uint, off int, buf []byte) {
	copy(buf, mem(addr+uint(off), len(buf)))
}

// Write writes buffer contents to a physical address.
func (g Global) Write(addr uint, off int, buf []byte) {
	copy(mem(addr+uint(off), len(buf)), buf)
}

func mem(addr uint, size int) []byte {
	if size == 0 {
		return nil
	}

	return (*[1 << 30]byte)(unsafe.Pointer(uintptr(addr)))[:size:size]
}
