// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package crypto

import (
	"bytes"
	"encoding/gob"
	"errors"
	"os"
)

const (
	// sealed configuration size
	CONF_SIZE = 4096

	diversifierSize = 16
)

// PersistentConfiguration represents the keyring state sealed under the
// persistent storage key.
type PersistentConfiguration struct {
	// full disk encryption cipher
	Cipher Cipher
	// block key diversifier
	Diversifier []byte
}

func (k *Keyring) reset() (err error) {
	div, err := Rand(diversifierSize)

	if err != nil {
		return
	}

	k.Conf = &PersistentConfiguration{
		Cipher:      AES128_CBC_PLAIN,
		Diversifier: div,
	}

	return k.Save()
}

// Load reads and unseals the keyring configuration.
func (k *Keyring) Load() (err error) {
	if k.Path == "" {
		return errors.New("missing configuration path")
	}

	sealed, err := os.ReadFile(k.Path)

	if err != nil {
		return
	}

	buf, err := k.unseal(sealed)

	if err != nil {
		return
	}

	conf := &PersistentConfiguration{}

	if err = gob.NewDecoder(bytes.NewBuffer(buf)).Decode(conf); err != nil {
		return
	}

	k.Conf = conf

	return
}

// Save seals and writes the keyring configuration, nothing is written
// without a configuration path.
func (k *Keyring) Save() (err error) {
	if k.Path == "" {
		return
	}

	buf := new(bytes.Buffer)
	err = gob.NewEncoder(buf).Encode(k.Conf)

	if err != nil {
		return
	}

	sealed, err := k.seal(buf.Bytes(), CONF_SIZE)

	if err != nil {
		return
	}

	return os.WriteFile(k.Path, sealed, 0600)
}
