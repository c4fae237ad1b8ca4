// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package se

import (
	"fmt"
)

// Hardware key slots
const (
	KeySlots             = 16
	SecureBootKeySlot    = 14
	SecureStorageKeySlot = 15

	// NoKeySlot marks a session without a selected key.
	NoKeySlot = -1
)

// SlotKind describes the ownership of a key slot.
type SlotKind int

const (
	UserOwned SlotKind = iota
	ReservedSecureBoot
	ReservedSecureStorage
)

func (k SlotKind) String() string {
	switch k {
	case ReservedSecureBoot:
		return "SBK"
	case ReservedSecureStorage:
		return "SSK"
	default:
		return "user"
	}
}

// Reserved returns whether the slot is owned by the platform.
func (k SlotKind) Reserved() bool {
	return k != UserOwned
}

// KeySlot represents the state of a hardware key slot.
type KeySlot struct {
	Index  int
	Kind   SlotKind
	InUse  bool
	Locked bool
}

// keySlotTable tracks key slot ownership, it must be accessed with the
// engine lock held.
type keySlotTable struct {
	slots [KeySlots]KeySlot
}

func (t *keySlotTable) init() {
	for i := range t.slots {
		t.slots[i] = KeySlot{Index: i}
	}

	t.slots[SecureBootKeySlot].Kind = ReservedSecureBoot
	t.slots[SecureBootKeySlot].InUse = true

	t.slots[SecureStorageKeySlot].Kind = ReservedSecureStorage
	t.slots[SecureStorageKeySlot].InUse = true
}

// allocate returns the lowest free user slot, write-locked slots are never
// handed out as their contents cannot be replaced.
func (t *keySlotTable) allocate() (int, error) {
	for i := range t.slots {
		s := &t.slots[i]

		if s.Kind.Reserved() || s.InUse || s.Locked {
			continue
		}

		s.InUse = true

		return i, nil
	}

	return NoKeySlot, ErrAlreadyAllocated
}

// release frees a user slot, reserved slots and out of range indices are
// ignored.
func (t *keySlotTable) release(i int) {
	if i < 0 || i >= KeySlots || t.slots[i].Kind.Reserved() {
		return
	}

	t.slots[i].InUse = false
}

func (t *keySlotTable) writeLock(i int) error {
	if i < 0 || i >= KeySlots {
		return fmt.Errorf("invalid key slot %d, %w", i, ErrBadParameter)
	}

	t.slots[i].Locked = true

	return nil
}

func (t *keySlotTable) locked(i int) bool {
	return t.slots[i].Locked
}

func (t *keySlotTable) snapshot() []KeySlot {
	s := make([]KeySlot, KeySlots)
	copy(s, t.slots[:])
	return s
}
