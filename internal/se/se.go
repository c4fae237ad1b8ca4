// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package se implements a driver for a DMA based security engine featuring
// SHA, AES and CMAC acceleration along with a hardware key slot table.
//
// The engine is driven through the Controller and InterruptController
// interfaces, allowing the same driver to run against memory mapped
// registers or a software model.
package se

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"
)

const (
	// DefaultScratchSize is the default size of each DMA scratch buffer.
	DefaultScratchSize = 0x400000
	// DefaultTimeout is the default completion interrupt timeout.
	DefaultTimeout = 10 * time.Second

	// scratch buffers must hold whole blocks for every SHA variant
	scratchGranularity = 128
)

// Config represents the engine driver configuration.
type Config struct {
	// ScratchSize is the size of each of the four DMA scratch buffers and
	// bounds the chunk size of every submission.
	ScratchSize int
	// Timeout bounds every wait on the completion interrupt.
	Timeout time.Duration
}

// Engine represents a security engine instance.
type Engine struct {
	sync.Mutex

	hw  Controller
	irq InterruptController
	clk Clock

	ring *ring
	done *completion

	// descriptor pair in use by the last SHA submission
	inUse int
	// set by the interrupt handler on hardware error
	errFlag int32

	slots keySlotTable

	scratchSize int
	timeout     time.Duration

	closed bool
}

var (
	instanceMu sync.Mutex
	instance   *Engine
)

// Init initializes the engine, only a single instance is allowed until
// Close() is invoked on it.
func Init(p Platform, conf *Config) (e *Engine, err error) {
	if p.Memory == nil || p.Controller == nil || p.IRQ == nil {
		return nil, fmt.Errorf("incomplete platform, %w", ErrBadParameter)
	}

	c := Config{
		ScratchSize: DefaultScratchSize,
		Timeout:     DefaultTimeout,
	}

	if conf != nil {
		if conf.ScratchSize != 0 {
			c.ScratchSize = conf.ScratchSize
		}

		if conf.Timeout != 0 {
			c.Timeout = conf.Timeout
		}
	}

	if c.ScratchSize < 0 || c.ScratchSize%scratchGranularity != 0 {
		return nil, fmt.Errorf("scratch size must be a multiple of %d, %w", scratchGranularity, ErrBadParameter)
	}

	if c.Timeout < 0 {
		return nil, fmt.Errorf("invalid timeout, %w", ErrBadParameter)
	}

	instanceMu.Lock()
	defer instanceMu.Unlock()

	if instance != nil {
		return nil, ErrAlreadyInitialized
	}

	e = &Engine{
		hw:          p.Controller,
		irq:         p.IRQ,
		clk:         p.Clock,
		done:        newCompletion(),
		inUse:       bufferA,
		scratchSize: c.ScratchSize,
		timeout:     c.Timeout,
	}

	if e.clk != nil {
		if err = e.clk.Enable(); err != nil {
			return nil, fmt.Errorf("could not enable clock, %v", err)
		}
	}

	if e.ring, err = newRing(p.Memory, e.scratchSize); err != nil {
		e.disableClock()
		return nil, err
	}

	if err = e.hw.DisableKeyScheduleRead(); err != nil {
		e.ring.release()
		e.disableClock()
		return nil, fmt.Errorf("could not disable key schedule read, %v", err)
	}

	if err = e.irq.Register(e.isr); err != nil {
		e.ring.release()
		e.disableClock()
		return nil, fmt.Errorf("could not register interrupt handler, %v", err)
	}

	e.slots.init()

	instance = e

	klog.V(1).Infof("se: initialized (scratch:%d timeout:%v)", e.scratchSize, e.timeout)

	return
}

// Close releases all engine resources, key slot contents are left
// untouched.
func (e *Engine) Close() (err error) {
	e.Lock()
	defer e.Unlock()

	if e.closed {
		return ErrInvalidState
	}

	e.hw.ClearInterrupts()
	e.irq.Unregister()
	e.ring.release()
	e.disableClock()

	e.closed = true

	instanceMu.Lock()
	defer instanceMu.Unlock()

	if instance == e {
		instance = nil
	}

	klog.V(1).Info("se: closed")

	return
}

// KeySlots returns a snapshot of the key slot table.
func (e *Engine) KeySlots() []KeySlot {
	e.Lock()
	defer e.Unlock()

	return e.slots.snapshot()
}

// ScratchSize returns the size of each DMA scratch buffer.
func (e *Engine) ScratchSize() int {
	return e.scratchSize
}

func (e *Engine) disableClock() {
	if e.clk != nil {
		e.clk.Disable()
	}
}

// acquire takes the engine lock, on success the caller is responsible for
// unlocking.
func (e *Engine) acquire() error {
	e.Lock()

	if e.closed {
		e.Unlock()
		return ErrInvalidState
	}

	return nil
}

func (e *Engine) isr() {
	if err := e.hw.Status(); err != nil {
		atomic.StoreInt32(&e.errFlag, 1)
		klog.Errorf("se: hardware error, %v", err)
	}

	e.hw.ClearInterrupts()
	e.done.signal()
}

func (e *Engine) hardwareError() bool {
	return atomic.LoadInt32(&e.errFlag) != 0
}

// run submits a single operation and waits for its completion, it must be
// called with the engine lock held.
func (e *Engine) run(start func() error) (err error) {
	if err = e.done.wait(e.timeout); err != nil {
		klog.Warning("se: engine busy")
		return
	}

	atomic.StoreInt32(&e.errFlag, 0)

	defer e.done.signal()

	if err = e.irq.Enable(); err != nil {
		return
	}

	if err = start(); err != nil {
		return
	}

	if err = e.done.wait(e.timeout); err != nil {
		klog.Warningf("se: no completion after %v", e.timeout)
		e.hw.ClearInterrupts()
		return
	}

	if e.hardwareError() {
		return fmt.Errorf("operation failed, %w", ErrInvalidState)
	}

	return
}

// wrap annotates hardware interface errors, leaving engine errors intact.
func wrap(err error, op string) error {
	if err == nil {
		return nil
	}

	for _, e := range []error{ErrBadParameter, ErrInvalidSize, ErrInvalidState, ErrTimeout, ErrBadValue, ErrAlreadyAllocated} {
		if errors.Is(err, e) {
			return err
		}
	}

	return fmt.Errorf("%s failed, %v (%w)", op, err, ErrInvalidState)
}
