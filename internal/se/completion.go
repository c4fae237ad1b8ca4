// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package se

import (
	"time"
)

// completion is a single permit semaphore, the permit is taken before each
// submission and given back by the interrupt handler.
type completion struct {
	sem chan struct{}
}

func newCompletion() *completion {
	c := &completion{
		sem: make(chan struct{}, 1),
	}

	c.sem <- struct{}{}

	return c
}

func (c *completion) wait(timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-c.sem:
		return nil
	case <-t.C:
		return ErrTimeout
	}
}

// signal never blocks, the permit count saturates at one.
func (c *completion) signal() {
	select {
	case c.sem <- struct{}{}:
	default:
	}
}
