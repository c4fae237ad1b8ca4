// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package se

import (
	"bytes"
	"encoding/binary"
)

// LinkedListSize is the size of a serialized linked list descriptor.
const LinkedListSize = 12

// DestinationMemory selects the output linked list as AES destination,
// rather than a key slot.
const DestinationMemory = -1

// Memory represents a DMA capable memory region, buffers returned by Reserve
// are physically contiguous and addressable by the engine at addr.
type Memory interface {
	Reserve(size int, align int) (addr uint, buf []byte)
	Release(addr uint)
}

// Controller represents the engine register interface, it is the only
// boundary where physical addresses are handed to the hardware.
//
// ShaProcess, AesProcess and CmacProcess start an operation and return
// immediately, completion is signaled through the interrupt handler
// registered with the InterruptController.
type Controller interface {
	// ShaProcess starts hashing the buffer described by req.InputLL.
	ShaProcess(req *ShaRequest) error
	// ShaBackup reads back the hash result registers.
	ShaBackup(digest *[DigestWords]uint32) error

	// SetKey programs a key slot, writes to write-locked slots are
	// silently discarded by the hardware.
	SetKey(slot int, key []byte) error
	// SetIV programs the original and updated IV of a key slot.
	SetIV(slot int, iv []byte) error
	// WriteLockKeySlot disables writes to a key slot until next reset.
	WriteLockKeySlot(slot int)
	// DisableKeyScheduleRead prevents expanded keys from being read back.
	DisableKeyScheduleRead() error

	// AesProcess starts a cipher operation from req.InputLL to either
	// req.OutputLL or the req.Destination key slot.
	AesProcess(req *AesRequest) error
	// CmacProcess starts a CBC-MAC operation on req.InputLL, without
	// output, the running MAC is kept in the key slot updated IV.
	CmacProcess(req *AesRequest) error
	// CollectCMAC reads back the CMAC result register.
	CollectCMAC(mac []byte) error

	// Status returns the error status latched by the last operation.
	Status() error
	// ClearInterrupts acknowledges all pending interrupts.
	ClearInterrupts()
}

// InterruptController represents the interrupt line of the engine, the
// handler is invoked from a different goroutine than the waiting caller.
// Interrupts are one shot and need to be re-enabled before each submission.
type InterruptController interface {
	Register(handler func()) error
	Enable() error
	Unregister()
}

// Clock represents the engine clock and power domain.
type Clock interface {
	Enable() error
	Disable()
}

// Platform collects the external collaborators required by the engine.
type Platform struct {
	Memory     Memory
	Controller Controller
	IRQ        InterruptController
	// Clock is optional
	Clock Clock
}

// LinkedList represents a single entry linked list buffer descriptor as
// fetched by the engine DMA.
type LinkedList struct {
	// index of the last buffer, always 0 as a single buffer is used
	LastBuffer uint32
	// buffer physical start address
	Address uint32
	// buffer size in bytes
	Size uint32
}

// Bytes converts the descriptor to its little endian DMA format.
func (ll *LinkedList) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, ll)
	return buf.Bytes()
}

// Unmarshal parses a descriptor from its little endian DMA format.
func (ll *LinkedList) Unmarshal(buf []byte) error {
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, ll)
}

// ShaRequest represents a SHA submission.
type ShaRequest struct {
	Variant ShaVariant

	// Init requests the hardware to start from the standard initial hash
	// value, otherwise Digest seeds the hash registers.
	Init   bool
	Digest [DigestWords]uint32

	// total message length in bits
	MsgLength uint64
	// message length left to process, including this submission, in bits
	MsgLeft uint64

	// input descriptor physical address
	InputLL uint
}

// AesRequest represents an AES or CMAC submission.
type AesRequest struct {
	Mode    Mode
	Encrypt bool

	KeySlot   int
	KeyLength int

	// source size in bytes
	Size int

	// input descriptor physical address
	InputLL uint
	// output descriptor physical address
	OutputLL uint

	// Destination is either DestinationMemory or a key slot receiving the
	// output.
	Destination int
}
