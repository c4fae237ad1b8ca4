// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/usbarmory/armory-se/internal/crypto"
)

// blocks transferred per volume read/write
const volumeBatch = 256

var volumeCmd = &cobra.Command{
	Use:   "volume (encrypt|decrypt) IMAGE",
	Short: "Encrypt or decrypt a disk image in place",
	Long: `Encrypt or decrypt a disk image in place with the keyring full disk
encryption cipher.

The keyring configuration, holding the cipher and its key diversifier, is
sealed with a key derived from the secure storage key. A missing or invalid
configuration is replaced with a fresh one, therefore the same secure storage
key and keyring file are required to decrypt an image.

Example:
  se-tool volume encrypt --keyring disk.keyring disk.img`,
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"encrypt", "decrypt"},
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		var enc bool

		switch args[0] {
		case "encrypt":
			enc = true
		case "decrypt":
		default:
			return fmt.Errorf("invalid argument %q", args[0])
		}

		path, _ := cmd.Flags().GetString("keyring")
		blockSize, _ := cmd.Flags().GetInt("block-size")

		if path == "" {
			path = conf.Keyring.Path
		}

		if path == "" {
			return errors.New("missing keyring path")
		}

		k, err := openKeyring(path)

		if err != nil {
			return
		}
		defer k.Close()

		f, err := os.OpenFile(args[1], os.O_RDWR, 0)

		if err != nil {
			return
		}
		defer f.Close()

		fi, err := f.Stat()

		if err != nil {
			return
		}

		src := &crypto.Volume{
			Keyring:   k,
			Device:    f,
			BlockSize: blockSize,
			Mult:      crypto.BLOCK_SIZE_MULTIPLIER,
			Cipher:    !enc,
		}

		dst := *src
		dst.Cipher = enc

		size := int64(blockSize * src.Mult)

		if blockSize <= 0 || fi.Size()%size != 0 {
			return fmt.Errorf("image size must be a multiple of %d", size)
		}

		blocks := int(fi.Size() / size)

		for lba := 0; lba < blocks; lba += volumeBatch {
			var buf []byte

			n := volumeBatch

			if lba+n > blocks {
				n = blocks - lba
			}

			if buf, err = src.Read(lba, n); err != nil {
				return
			}

			if err = dst.Write(lba, buf); err != nil {
				return
			}
		}

		klog.Infof("se-tool: %s %d blocks with %v", args[0], blocks, k.Conf.Cipher)
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d bytes (%v)\n", args[1], fi.Size(), k.Conf.Cipher)

		return
	},
}

func init() {
	volumeCmd.Flags().String("keyring", "", "sealed keyring configuration file (overrides configuration)")
	volumeCmd.Flags().Int("block-size", 512, "device block size")
}

func openKeyring(path string) (k *crypto.Keyring, err error) {
	kind, err := crypto.ParseCipher(conf.Keyring.Cipher)

	if err != nil {
		return
	}

	k = crypto.NewKeyring(engine)
	k.Path = path
	k.HardwareBlock = !conf.Keyring.Software
	k.HardwareIV = !conf.Keyring.Software
	k.HardwareXTS = !conf.Keyring.Software

	defer func() {
		if err != nil {
			k.Close()
		}
	}()

	if err = k.Init(false); err != nil {
		return
	}

	if k.Conf.Cipher != kind {
		k.Conf.Cipher = kind

		if err = k.Save(); err != nil {
			return
		}
	}

	err = k.SetCipher(k.Conf.Cipher, k.Conf.Diversifier)

	return
}
