// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package se

import (
	"errors"
)

var (
	// ErrBadParameter reports malformed, oversized or misaligned input.
	ErrBadParameter = errors.New("bad parameter")
	// ErrInvalidSize reports a short output buffer or zero length input.
	ErrInvalidSize = errors.New("invalid size")
	// ErrInvalidState reports an operation attempted before its required
	// setup, or a hardware error flagged by the interrupt handler.
	ErrInvalidState = errors.New("invalid state")
	// ErrAlreadyAllocated reports key slot table exhaustion.
	ErrAlreadyAllocated = errors.New("all key slots are allocated")
	// ErrTimeout reports a missing completion interrupt.
	ErrTimeout = errors.New("timeout waiting for engine")
	// ErrBadValue reports a failed hardware self verification, the
	// security property requested by the caller is not guaranteed.
	ErrBadValue = errors.New("hardware verification failed")
	// ErrAlreadyInitialized reports a second engine instantiation.
	ErrAlreadyInitialized = errors.New("engine already initialized")
	// ErrNotSupported reports an operation the hardware cannot perform.
	ErrNotSupported = errors.New("not supported")
)
