// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago
// +build tamago

package main

import (
	"time"
	_ "unsafe"

	"github.com/usbarmory/armory-se/internal/config"
	"github.com/usbarmory/armory-se/internal/dma"
	"github.com/usbarmory/armory-se/internal/se"
	"github.com/usbarmory/armory-se/internal/sim"
)

// Override runtime ramSize, as this application requires large DMA
// descriptors in the 2nd half of external RAM.

//go:linkname ramSize runtime.ramSize
var ramSize uint32 = 0x10000000 // 256MB

func newPlatform(conf *config.Config) (p se.Platform, err error) {
	dma.Init(uint(conf.Memory.Start), conf.Memory.Size)

	mem := dma.Global{}
	sbk, ssk := conf.Simulator.Keys()

	// The engine model operates on the physical DMA region.
	hw, err := sim.New(mem, &sim.Config{
		Latency:          time.Duration(conf.Simulator.Latency) * time.Microsecond,
		SecureBootKey:    sbk,
		SecureStorageKey: ssk,
	})

	if err != nil {
		return
	}

	return hw.Platform(mem), nil
}
