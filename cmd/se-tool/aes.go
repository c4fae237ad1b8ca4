// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/usbarmory/armory-se/internal/se"
)

var aesCmd = &cobra.Command{
	Use:   "aes [file]",
	Short: "Encrypt or decrypt with AES",
	Long: `Encrypt or decrypt a block aligned file, or standard input, with AES
in CBC, ECB, OFB or CTR mode.

The key is either hex encoded or one of "sbk" and "ssk" to select the
reserved secure boot or secure storage key slots.

Example:
  se-tool aes --mode cbc --key ssk --iv 000102030405060708090a0b0c0d0e0f -o out.bin in.bin`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		flags := cmd.Flags()

		modeName, _ := flags.GetString("mode")
		keyArg, _ := flags.GetString("key")
		ivHex, _ := flags.GetString("iv")
		decrypt, _ := flags.GetBool("decrypt")
		output, _ := flags.GetString("output")

		mode, err := parseMode(modeName)

		if err != nil {
			return
		}

		info, err := parseKey(keyArg)

		if err != nil {
			return
		}

		src, err := readInput(cmd, args)

		if err != nil {
			return
		}

		s := engine.NewAesSession()
		defer s.ReleaseKeySlot()

		if err = s.SelectOperation(mode, !decrypt); err != nil {
			return
		}

		if err = s.SelectKey(info); err != nil {
			return
		}

		if ivHex != "" {
			var iv []byte

			if iv, err = hex.DecodeString(ivHex); err != nil {
				return fmt.Errorf("invalid IV, %v", err)
			}

			if err = s.SetIV(iv); err != nil {
				return
			}
		}

		dst := make([]byte, len(src))

		if err = s.ProcessBuffer(src, dst); err != nil {
			return
		}

		if output == "" || output == "-" {
			_, err = cmd.OutOrStdout().Write(dst)
			return
		}

		return os.WriteFile(output, dst, 0600)
	},
}

func init() {
	aesCmd.Flags().StringP("mode", "m", "cbc", "operating mode (cbc, ecb, ofb, ctr)")
	aesCmd.Flags().StringP("key", "k", "", "hex encoded key, sbk or ssk")
	aesCmd.Flags().String("iv", "", "hex encoded initialization vector (CBC only)")
	aesCmd.Flags().BoolP("decrypt", "d", false, "decrypt instead of encrypting")
	aesCmd.Flags().StringP("output", "o", "", "output file (default standard output)")
	aesCmd.MarkFlagRequired("key")
}

func parseMode(name string) (se.Mode, error) {
	for _, m := range []se.Mode{se.CBC, se.ECB, se.OFB, se.CTR} {
		if strings.EqualFold(m.String(), name) {
			return m, nil
		}
	}

	return 0, fmt.Errorf("unsupported mode %q", name)
}

func parseKey(arg string) (info se.KeyInfo, err error) {
	switch strings.ToLower(arg) {
	case "sbk":
		return se.KeyInfo{Type: se.SecureBootKey, Length: 16}, nil
	case "ssk":
		return se.KeyInfo{Type: se.SecureStorageKey, Length: 16}, nil
	}

	key, err := hex.DecodeString(arg)

	if err != nil {
		return info, fmt.Errorf("invalid key, %v", err)
	}

	return se.KeyInfo{Type: se.UserSpecified, Length: len(key), Key: key}, nil
}
