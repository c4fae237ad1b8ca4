// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build !tamago
// +build !tamago

package main

import (
	"time"

	"github.com/usbarmory/armory-se/internal/config"
	"github.com/usbarmory/armory-se/internal/dma"
	"github.com/usbarmory/armory-se/internal/se"
	"github.com/usbarmory/armory-se/internal/sim"
)

// On hosted builds the DMA region is backed by Go memory at synthetic
// physical addresses and the engine is the software model.
func newPlatform(conf *config.Config) (p se.Platform, err error) {
	mem, err := dma.NewRegion(uint(conf.Memory.Start), conf.Memory.Size)

	if err != nil {
		return
	}

	sbk, ssk := conf.Simulator.Keys()

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
