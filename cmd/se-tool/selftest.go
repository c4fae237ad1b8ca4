// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/usbarmory/armory-se/internal/se"
)

type knownAnswer struct {
	name string
	run  func() ([]byte, error)
	want []byte
}

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Run known answer tests",
	Long: `Run known answer tests for every digest, cipher and MAC operation.

With --boot-keys the secure boot key is also cleared and the secure storage
key locked, both operations are irreversible until the next power cycle.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		var failed int

		bootKeys, _ := cmd.Flags().GetBool("boot-keys")
		out := cmd.OutOrStdout()

		for _, kat := range knownAnswers() {
			res, err := kat.run()

			switch {
			case err != nil:
				klog.Errorf("selftest: %s, %v", kat.name, err)
				fmt.Fprintf(out, "%-24s FAIL (%v)\n", kat.name, err)
				failed++
			case !bytes.Equal(res, kat.want):
				klog.Errorf("selftest: %s, got %x want %x", kat.name, res, kat.want)
				fmt.Fprintf(out, "%-24s FAIL\n", kat.name)
				failed++
			default:
				fmt.Fprintf(out, "%-24s ok\n", kat.name)
			}
		}

		if bootKeys {
			for _, t := range []struct {
				name string
				run  func() error
			}{
				{"SBK clear", engine.ClearSecureBootKey},
				{"SSK lock", engine.LockSecureStorageKey},
			} {
				if err := t.run(); err != nil {
					fmt.Fprintf(out, "%-24s FAIL (%v)\n", t.name, err)
					failed++
				} else {
					fmt.Fprintf(out, "%-24s ok\n", t.name)
				}
			}
		}

		if failed > 0 {
			return fmt.Errorf("%d tests failed", failed)
		}

		return
	},
}

func init() {
	selftestCmd.Flags().Bool("boot-keys", false, "clear the secure boot key and lock the secure storage key")
}

func unhex(s string) []byte {
	buf, err := hex.DecodeString(s)

	if err != nil {
		panic(err)
	}

	return buf
}

func shaAnswer(v se.ShaVariant, want []byte) knownAnswer {
	msg := []byte("abc")

	return knownAnswer{
		name: v.String(),
		run: func() ([]byte, error) {
			return engine.Sum(v, msg)
		},
		want: want,
	}
}

func aesAnswer(name string, key []byte, pt []byte, ct []byte) knownAnswer {
	return knownAnswer{
		name: name,
		run: func() (out []byte, err error) {
			s := engine.NewAesSession()
			defer s.ReleaseKeySlot()

			if err = s.SelectOperation(se.ECB, true); err != nil {
				return
			}

			if err = s.SelectKey(se.KeyInfo{Type: se.UserSpecified, Length: len(key), Key: key}); err != nil {
				return
			}

			out = make([]byte, len(pt))
			err = s.ProcessBuffer(pt, out)

			if err == nil && !bytes.Equal(out, ct) {
				return
			}

			// round trip
			if err = s.SelectOperation(se.ECB, false); err != nil {
				return
			}

			if err = s.ProcessBuffer(out, out); err != nil {
				return
			}

			if !bytes.Equal(out, pt) {
				return nil, errors.New("decryption mismatch")
			}

			return ct, nil
		},
		want: ct,
	}
}

func cmacAnswer(name string, key []byte, msg []byte, want []byte) knownAnswer {
	return knownAnswer{
		name: name,
		run: func() ([]byte, error) {
			return engine.ComputeCmac(key, msg)
		},
		want: want,
	}
}

func knownAnswers() []knownAnswer {
	abc := []byte("abc")
	sum1 := sha1.Sum(abc)
	sum224 := sha256.Sum224(abc)
	sum256 := sha256.Sum256(abc)
	sum384 := sha512.Sum384(abc)
	sum512 := sha512.Sum512(abc)

	// FIPS-197 Appendix C
	pt := unhex("00112233445566778899aabbccddeeff")

	// NIST SP 800-38B Appendix D
	cmacKey := unhex("2b7e151628aed2a6abf7158809cf4f3c")
	cmacMsg := unhex("6bc1bee22e409f96e93d7e117393172aae2d8a571e03ac9c9eb76fac45af8e5130c81c46a35ce411")

	return []knownAnswer{
		shaAnswer(se.SHA1, sum1[:]),
		shaAnswer(se.SHA224, sum224[:]),
		shaAnswer(se.SHA256, sum256[:]),
		shaAnswer(se.SHA384, sum384[:]),
		shaAnswer(se.SHA512, sum512[:]),
		aesAnswer("AES-128", unhex("000102030405060708090a0b0c0d0e0f"), pt, unhex("69c4e0d86a7b0430d8cdb78070b4c55a")),
		aesAnswer("AES-192", unhex("000102030405060708090a0b0c0d0e0f1011121314151617"), pt, unhex("dda97ca4864cdfe06eaf70a0ec0d7191")),
		aesAnswer("AES-256", unhex("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"), pt, unhex("8ea2b7ca516745bfeafc49904b496089")),
		cmacAnswer("AES-CMAC (empty)", cmacKey, nil, unhex("bb1d6929e95937287fa37d129b756746")),
		cmacAnswer("AES-CMAC (40 bytes)", cmacKey, cmacMsg, unhex("dfa66747de9ae63030ca32611497c827")),
	}
}
