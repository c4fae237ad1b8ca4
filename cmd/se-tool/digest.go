// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/usbarmory/armory-se/internal/se"
)

var shaCmd = &cobra.Command{
	Use:   "sha [file]",
	Short: "Compute a message digest",
	Long: `Compute the SHA-1 or SHA-2 digest of a file, or standard input, by
streaming it to the engine in scratch sized updates.

Example:
  se-tool sha --alg sha512 disk.img`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		alg, _ := cmd.Flags().GetString("alg")
		variant, err := parseVariant(alg)

		if err != nil {
			return
		}

		data, err := readInput(cmd, args)

		if err != nil {
			return
		}

		digest, err := shaStream(variant, data, engine.ScratchSize())

		if err != nil {
			return
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%x\n", digest)

		return
	},
}

var cmacCmd = &cobra.Command{
	Use:   "cmac [file]",
	Short: "Compute an AES-CMAC",
	Long: `Compute the AES-CMAC (NIST SP 800-38B) of a file, or standard input.

A non zero chunk size submits the message in multiple chunks of that size,
which must be a multiple of 16 bytes.

Example:
  se-tool cmac --key 2b7e151628aed2a6abf7158809cf4f3c msg.bin`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		var mac []byte

		keyHex, _ := cmd.Flags().GetString("key")
		chunk, _ := cmd.Flags().GetInt("chunk")

		key, err := hex.DecodeString(keyHex)

		if err != nil {
			return fmt.Errorf("invalid key, %v", err)
		}

		msg, err := readInput(cmd, args)

		if err != nil {
			return
		}

		if chunk > 0 {
			mac, err = cmacChunked(key, msg, chunk)
		} else {
			mac, err = engine.ComputeCmac(key, msg)
		}

		if err != nil {
			return
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%x\n", mac)

		return
	},
}

func init() {
	shaCmd.Flags().StringP("alg", "a", "sha256", "digest algorithm (sha1, sha224, sha256, sha384, sha512)")

	cmacCmd.Flags().StringP("key", "k", "", "hex encoded AES key (16, 24 or 32 bytes)")
	cmacCmd.Flags().Int("chunk", 0, "chunk size for multi-part computation")
	cmacCmd.MarkFlagRequired("key")
}

func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}

	return os.ReadFile(args[0])
}

func parseVariant(name string) (se.ShaVariant, error) {
	name = strings.ReplaceAll(strings.ToUpper(name), "-", "")

	for _, v := range []se.ShaVariant{se.SHA1, se.SHA224, se.SHA256, se.SHA384, se.SHA512} {
		if strings.ReplaceAll(v.String(), "-", "") == name {
			return v, nil
		}
	}

	return 0, fmt.Errorf("unsupported digest algorithm %q", name)
}

func shaStream(variant se.ShaVariant, data []byte, chunk int) (digest []byte, err error) {
	s, err := engine.ShaInit(variant, uint64(len(data)))

	if err != nil {
		return
	}

	for off := 0; off < len(data); off += chunk {
		end := off + chunk

		if end > len(data) {
			end = len(data)
		}

		if err = s.Update(data[off:end]); err != nil {
			return
		}
	}

	digest = make([]byte, variant.Size())
	err = s.Final(digest, variant.Size())

	return
}

func cmacChunked(key []byte, msg []byte, chunk int) (mac []byte, err error) {
	s := engine.NewAesSession()
	defer s.ReleaseKeySlot()

	mac = make([]byte, se.BlockSize)
	off := 0

	for {
		end := off + chunk

		if end > len(msg) {
			end = len(msg)
		}

		if err = s.ComputeCmac(key, msg[off:end], off == 0, end == len(msg), mac); err != nil {
			return nil, err
		}

		if end == len(msg) {
			return
		}

		off = end
	}
}
