// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package sim implements a software model of the security engine hardware.
//
// The model fetches linked list descriptors and buffers through physical
// addresses, keeps per slot keys and running IVs, honours key slot write
// locks and signals completion asynchronously through a one shot interrupt,
// so that the driver can be exercised without the hardware.
package sim

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/usbarmory/armory-se/internal/se"
)

// Bus represents the physical address space reachable by the engine DMA.
type Bus interface {
	Read(addr uint, off int, buf []byte)
	Write(addr uint, off int, buf []byte)
}

// Config represents the hardware model configuration.
type Config struct {
	// Latency delays completion interrupts.
	Latency time.Duration
	// IgnoreWriteLock models defective write lock logic.
	IgnoreWriteLock bool
	// DropInterrupts suppresses all completion interrupts.
	DropInterrupts bool

	// SecureBootKey and SecureStorageKey are the power-on values of the
	// reserved key slots, random keys are used when not set.
	SecureBootKey    []byte
	SecureStorageKey []byte
}

// Errors reported by the model
var (
	ErrKeySlot    = errors.New("invalid key slot")
	ErrKey        = errors.New("invalid key")
	ErrDescriptor = errors.New("invalid descriptor")
	ErrAlignment  = errors.New("unaligned input")
	ErrPowered    = errors.New("engine clock disabled")
)

// Engine represents the hardware model.
type Engine struct {
	sync.Mutex

	bus  Bus
	conf Config

	keys   [se.KeySlots][]byte
	iv     [se.KeySlots][se.BlockSize]byte
	locked [se.KeySlots]bool

	keyScheduleRead bool

	sha  [se.DigestWords]uint32
	cmac [se.BlockSize]byte

	// one shot error injection
	fault  error
	status error

	handler func()
	enabled bool
	pending bool

	clock bool

	// number of submitted operations
	ops int
}

// New returns a powered on hardware model attached to bus.
func New(bus Bus, conf *Config) (e *Engine, err error) {
	e = &Engine{
		bus:             bus,
		keyScheduleRead: true,
		clock:           true,
	}

	if conf != nil {
		e.conf = *conf
	}

	if e.keys[se.SecureBootKeySlot], err = initialKey(e.conf.SecureBootKey); err != nil {
		return nil, err
	}

	if e.keys[se.SecureStorageKeySlot], err = initialKey(e.conf.SecureStorageKey); err != nil {
		return nil, err
	}

	return
}

func initialKey(k []byte) (key []byte, err error) {
	key = make([]byte, 16)

	if k == nil {
		_, err = rand.Read(key)
		return
	}

	if len(k) != 16 {
		return nil, fmt.Errorf("reserved keys must be 16 bytes, %w", ErrKey)
	}

	copy(key, k)

	return
}

// Platform returns the driver collaborators implemented by the model.
func (e *Engine) Platform(mem se.Memory) se.Platform {
	return se.Platform{
		Memory:     mem,
		Controller: e,
		IRQ:        &Interrupt{e: e},
		Clock:      &Clock{e: e},
	}
}

// InjectFault causes the next operation to latch err as its status.
func (e *Engine) InjectFault(err error) {
	e.Lock()
	defer e.Unlock()

	e.fault = err
}

// Operations returns the number of submitted operations.
func (e *Engine) Operations() int {
	e.Lock()
	defer e.Unlock()

	return e.ops
}

// KeyScheduleReadable returns whether expanded keys can be read back.
func (e *Engine) KeyScheduleReadable() bool {
	e.Lock()
	defer e.Unlock()

	return e.keyScheduleRead
}

// Locked returns whether a key slot is write-locked.
func (e *Engine) Locked(slot int) bool {
	e.Lock()
	defer e.Unlock()

	return e.locked[slot]
}

// start begins an operation, it must be called with the model lock held.
func (e *Engine) start() error {
	if !e.clock {
		return ErrPowered
	}

	e.ops++
	e.status = e.fault
	e.fault = nil

	return nil
}

// complete raises the completion interrupt after the configured latency.
func (e *Engine) complete() {
	if e.conf.DropInterrupts {
		return
	}

	go func() {
		if e.conf.Latency > 0 {
			time.Sleep(e.conf.Latency)
		}

		e.Lock()
		e.pending = true
		h := e.fire()
		e.Unlock()

		if h != nil {
			h()
		}
	}()
}

// fire returns the handler to invoke for a pending interrupt, it must be
// called with the model lock held.
func (e *Engine) fire() func() {
	if !e.pending || !e.enabled || e.handler == nil {
		return nil
	}

	e.pending = false
	e.enabled = false

	return e.handler
}

// Status returns the error latched by the last operation.
func (e *Engine) Status() error {
	e.Lock()
	defer e.Unlock()

	return e.status
}

// ClearInterrupts acknowledges pending interrupts.
func (e *Engine) ClearInterrupts() {
	e.Lock()
	defer e.Unlock()

	e.pending = false
}

// DisableKeyScheduleRead prevents expanded keys from being read back.
func (e *Engine) DisableKeyScheduleRead() error {
	e.Lock()
	defer e.Unlock()

	e.keyScheduleRead = false

	return nil
}

// Interrupt implements the engine interrupt line.
type Interrupt struct {
	e *Engine
}

// Register sets the interrupt handler.
func (i *Interrupt) Register(handler func()) error {
	i.e.Lock()
	defer i.e.Unlock()

	if i.e.handler != nil {
		return errors.New("handler already registered")
	}

	i.e.handler = handler

	return nil
}

// Enable arms the interrupt for the next completion.
func (i *Interrupt) Enable() error {
	i.e.Lock()
	i.e.enabled = true
	h := i.e.fire()
	i.e.Unlock()

	if h != nil {
		go h()
	}

	return nil
}

// Unregister removes the interrupt handler.
func (i *Interrupt) Unregister() {
	i.e.Lock()
	defer i.e.Unlock()

	i.e.handler = nil
	i.e.enabled = false
}

// Clock implements the engine clock gate.
type Clock struct {
	e *Engine
}

// Enable ungates the engine clock.
func (c *Clock) Enable() error {
	c.e.Lock()
	defer c.e.Unlock()

	c.e.clock = true

	return nil
}

// Disable gates the engine clock.
func (c *Clock) Disable() {
	c.e.Lock()
	defer c.e.Unlock()

	c.e.clock = false
}

// fetch reads the buffer described by the linked list at addr.
func (e *Engine) fetch(addr uint) (data []byte, err error) {
	ll, err := e.descriptor(addr)

	if err != nil {
		return
	}

	data = make([]byte, ll.Size)
	e.bus.Read(uint(ll.Address), 0, data)

	return
}

func (e *Engine) descriptor(addr uint) (ll *se.LinkedList, err error) {
	if addr == 0 {
		return nil, ErrDescriptor
	}

	buf := make([]byte, se.LinkedListSize)
	e.bus.Read(addr, 0, buf)

	ll = &se.LinkedList{}

	if err = ll.Unmarshal(buf); err != nil {
		return nil, fmt.Errorf("%v, %w", err, ErrDescriptor)
	}

	if ll.LastBuffer != 0 {
		return nil, fmt.Errorf("multiple buffers not supported, %w", ErrDescriptor)
	}

	return
}
