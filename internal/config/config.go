// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package config implements the se-tool configuration file.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/usbarmory/armory-se/internal/crypto"
	"github.com/usbarmory/armory-se/internal/se"
)

const (
	defaultScratchSize = se.DefaultScratchSize
	defaultTimeout     = 10 * 1000 // 10 sec.
	defaultMemoryStart = 0x90000000
	defaultLogLevel    = "INFO"
	defaultCipher      = "aes128-cbc-plain"

	// descriptor records and allocator slack on top of the scratch
	// buffers
	memoryOverhead = 0x1000
)

// Engine is the security engine configuration.
type Engine struct {
	// ScratchSize is the size in bytes of each of the four DMA scratch
	// buffers, it must be a multiple of 128.
	ScratchSize int

	// Timeout is the completion timeout in milliseconds.
	Timeout int
}

func (eCfg *Engine) applyDefaults() {
	if eCfg.ScratchSize == 0 {
		eCfg.ScratchSize = defaultScratchSize
	}

	if eCfg.Timeout == 0 {
		eCfg.Timeout = defaultTimeout
	}
}

func (eCfg *Engine) validate() error {
	if eCfg.ScratchSize < 0 || eCfg.ScratchSize%128 != 0 {
		return fmt.Errorf("config: Engine: ScratchSize %d is invalid", eCfg.ScratchSize)
	}

	if eCfg.Timeout < 0 {
		return fmt.Errorf("config: Engine: Timeout %d is invalid", eCfg.Timeout)
	}

	return nil
}

// Config returns the engine initialization parameters.
func (eCfg *Engine) Config() *se.Config {
	return &se.Config{
		ScratchSize: eCfg.ScratchSize,
		Timeout:     time.Duration(eCfg.Timeout) * time.Millisecond,
	}
}

// Memory is the DMA region configuration.
type Memory struct {
	// Start is the physical start address of the DMA region.
	Start uint64

	// Size is the DMA region size in bytes, it defaults to what the
	// engine descriptor ring requires.
	Size int
}

func (mCfg *Memory) applyDefaults(eCfg *Engine) {
	if mCfg.Start == 0 {
		mCfg.Start = defaultMemoryStart
	}

	if mCfg.Size == 0 {
		mCfg.Size = 4*eCfg.ScratchSize + memoryOverhead
	}
}

func (mCfg *Memory) validate(eCfg *Engine) error {
	if mCfg.Start > 0xffffffff {
		return fmt.Errorf("config: Memory: Start %#x exceeds 32-bit address space", mCfg.Start)
	}

	if min := 4*eCfg.ScratchSize + memoryOverhead; mCfg.Size < min {
		return fmt.Errorf("config: Memory: Size %d is smaller than %d", mCfg.Size, min)
	}

	if mCfg.Start+uint64(mCfg.Size) > 1<<32 {
		return errors.New("config: Memory: region exceeds 32-bit address space")
	}

	return nil
}

// Logging is the logging configuration.
type Logging struct {
	// Level specifies the log level out of ERROR, WARNING, INFO and
	// DEBUG.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Verbosity returns the klog verbosity matching the log level.
func (lCfg *Logging) Verbosity() int {
	if lCfg.Level == "DEBUG" {
		return 2
	}

	return 0
}

// Threshold returns the klog stderr threshold matching the log level.
func (lCfg *Logging) Threshold() string {
	switch lCfg.Level {
	case "ERROR":
		return "ERROR"
	case "WARNING":
		return "WARNING"
	default:
		return "INFO"
	}
}

// Keyring is the full disk encryption keyring configuration.
type Keyring struct {
	// Path is the sealed keyring configuration file.
	Path string

	// Cipher is the full disk encryption cipher name.
	Cipher string

	// Software disables hardware acceleration of block ciphers.
	Software bool
}

func (kCfg *Keyring) validate() (err error) {
	if kCfg.Cipher == "" {
		kCfg.Cipher = defaultCipher
	}

	if _, err = crypto.ParseCipher(kCfg.Cipher); err != nil {
		return fmt.Errorf("config: Keyring: %v", err)
	}

	return
}

// Simulator is the hardware model configuration, used on builds without
// engine hardware.
type Simulator struct {
	// SecureBootKey and SecureStorageKey are the hex encoded power-on
	// values of the reserved key slots, random keys are used when unset.
	SecureBootKey    string
	SecureStorageKey string

	// Latency is the completion interrupt delay in microseconds.
	Latency int
}

func (sCfg *Simulator) validate() error {
	for name, k := range map[string]string{
		"SecureBootKey":    sCfg.SecureBootKey,
		"SecureStorageKey": sCfg.SecureStorageKey,
	} {
		if k == "" {
			continue
		}

		if buf, err := hex.DecodeString(k); err != nil || len(buf) != 16 {
			return fmt.Errorf("config: Simulator: %s must be 16 hex encoded bytes", name)
		}
	}

	if sCfg.Latency < 0 {
		return fmt.Errorf("config: Simulator: Latency %d is invalid", sCfg.Latency)
	}

	return nil
}

// Keys returns the decoded reserved key slot values, nil when unset.
func (sCfg *Simulator) Keys() (sbk []byte, ssk []byte) {
	sbk, _ = hex.DecodeString(sCfg.SecureBootKey)
	ssk, _ = hex.DecodeString(sCfg.SecureStorageKey)

	if len(sbk) == 0 {
		sbk = nil
	}

	if len(ssk) == 0 {
		ssk = nil
	}

	return
}

// Config is the top level se-tool configuration.
type Config struct {
	Engine    *Engine
	Memory    *Memory
	Logging   *Logging
	Keyring   *Keyring
	Simulator *Simulator
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Engine == nil {
		cfg.Engine = &Engine{}
	}

	if cfg.Memory == nil {
		cfg.Memory = &Memory{}
	}

	if cfg.Logging == nil {
		cfg.Logging = &Logging{}
	}

	if cfg.Keyring == nil {
		cfg.Keyring = &Keyring{}
	}

	if cfg.Simulator == nil {
		cfg.Simulator = &Simulator{}
	}

	cfg.Engine.applyDefaults()

	if err := cfg.Engine.validate(); err != nil {
		return err
	}

	cfg.Memory.applyDefaults(cfg.Engine)

	if err := cfg.Memory.validate(cfg.Engine); err != nil {
		return err
	}

	if err := cfg.Logging.validate(); err != nil {
		return err
	}

	if err := cfg.Keyring.validate(); err != nil {
		return err
	}

	return cfg.Simulator.validate()
}

// Default returns a validated configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}

	if err := cfg.FixupAndValidate(); err != nil {
		panic(err)
	}

	return cfg
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("no nil buffer as config file")
	}

	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
