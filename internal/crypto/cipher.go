// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/xts"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/usbarmory/armory-se/internal/se"
)

// Cipher represents a full disk encryption cipher.
type Cipher int

// Supported ciphers
const (
	AES128_CBC_PLAIN Cipher = iota
	AES128_CBC_ESSIV
	AES128_XTS_PLAIN
	AES256_XTS_PLAIN
	NONE
)

var cipherNames = map[Cipher]string{
	AES128_CBC_PLAIN: "aes128-cbc-plain",
	AES128_CBC_ESSIV: "aes128-cbc-essiv",
	AES128_XTS_PLAIN: "aes128-xts-plain64",
	AES256_XTS_PLAIN: "aes256-xts-plain64",
	NONE:             "none",
}

func (c Cipher) String() string {
	if name, ok := cipherNames[c]; ok {
		return name
	}

	return fmt.Sprintf("Cipher(%d)", int(c))
}

// ParseCipher returns the cipher matching a name as returned by String().
func ParseCipher(name string) (Cipher, error) {
	for c, n := range cipherNames {
		if strings.EqualFold(n, name) {
			return c, nil
		}
	}

	return NONE, fmt.Errorf("unsupported cipher %q", name)
}

// SetCipher selects the full disk encryption cipher, its key is derived
// from the secure storage key and diversifier.
func (k *Keyring) SetCipher(kind Cipher, diversifier []byte) (err error) {
	var dek []byte

	k.Lock()
	defer k.Unlock()

	k.essiv = false
	k.cbiv = nil
	k.cb = nil
	k.cbxts = nil

	for _, s := range k.sessions {
		s.ReleaseKeySlot()
	}

	k.sessions = nil

	switch kind {
	case AES128_CBC_PLAIN, AES128_CBC_ESSIV:
		if kind == AES128_CBC_ESSIV {
			k.essiv = true
		}

		if k.HardwareBlock {
			if _, err = k.deriveKey(diversifier, BLOCK_KEY, false); err != nil {
				return
			}

			k.Cipher = k.cipherSE
		} else {
			if dek, err = k.deriveKey(diversifier, BLOCK_KEY, true); err != nil {
				return
			}
			defer wipe(dek)

			if k.cb, err = aes.NewCipher(dek); err != nil {
				return
			}

			k.Cipher = k.cipherAES
		}

		if k.essiv {
			if k.HardwareIV {
				k.cbiv, err = newSEKeySlotCipher(k.session(ESSIV_KEY))
			} else {
				k.cbiv, err = aes.NewCipher(k.salt)
			}
		}
	case AES128_XTS_PLAIN, AES256_XTS_PLAIN:
		var size int
		cbxts := aes.NewCipher

		if kind == AES256_XTS_PLAIN {
			size = 32 * 2
		} else {
			size = 16 * 2

			if k.HardwareXTS && k.HardwareBlock {
				cbxts = k.newSECipher
			}
		}

		dek, err = k.deriveKey(diversifier, BLOCK_KEY, true)

		if err != nil {
			return
		}
		defer wipe(dek)

		dk := pbkdf2.Key(dek, k.salt, PBKDF2_ITER, size, sha256.New)
		defer wipe(dk)

		k.cbxts, err = xts.NewCipher(cbxts, dk)

		if err != nil {
			return
		}

		k.Cipher = k.cipherXTS
	case NONE:
		k.Cipher = nil

		// overwrite the volume key with one of no use
		if _, err = k.deriveKey(zero, BLOCK_KEY, false); err != nil {
			return
		}
	default:
		err = errors.New("unsupported cipher")
	}

	if err == nil {
		klog.V(1).Infof("crypto: cipher set to %v", kind)
	}

	return
}

// Process encrypts or decrypts a buffer of blocks, starting at lba, in
// parallel batches.
func (k *Keyring) Process(buf []byte, lba int, blockSize int, enc bool) (err error) {
	if k.Cipher == nil {
		return errors.New("no cipher selected")
	}

	if blockSize <= 0 || blockSize%aes.BlockSize != 0 || len(buf)%blockSize != 0 {
		return errors.New("invalid block size")
	}

	blocks := len(buf) / blockSize
	batch := (blocks + runtime.NumCPU() - 1) / runtime.NumCPU()

	eg := &errgroup.Group{}

	for i := 0; i < blocks; i += batch {
		if i+batch > blocks {
			batch = blocks - i
		}

		start := i * blockSize
		end := start + blockSize*batch
		slice := buf[start:end]

		sliceLBA := lba + i
		sliceBlocks := batch

		eg.Go(func() error {
			return k.Cipher(slice, sliceLBA, sliceBlocks, blockSize, enc)
		})
	}

	return eg.Wait()
}

// equivalent to aes-cbc-essiv:sha256
func (k *Keyring) essivIV(iv []byte) {
	cipher.NewCBCEncrypter(k.cbiv, zero).CryptBlocks(iv, iv)
}

func sectorIV(iv []byte, lba int) {
	// zero unused 64-bits
	binary.BigEndian.PutUint64(iv[8:], 0)
	binary.BigEndian.PutUint64(iv, uint64(lba))
}

// equivalent to aes-cbc-plain (hw)
func (k *Keyring) cipherSE(buf []byte, lba int, blocks int, blockSize int, enc bool) (err error) {
	iv := make([]byte, aes.BlockSize)
	s := k.session(BLOCK_KEY)

	k.Lock()
	defer k.Unlock()

	if err = s.SelectOperation(se.CBC, enc); err != nil {
		return
	}

	for i := 0; i < blocks; i++ {
		start := i * blockSize
		end := start + blockSize
		slice := buf[start:end]

		sectorIV(iv, lba+i)

		if k.essiv {
			k.essivIV(iv)
		}

		if err = s.SetIV(iv); err != nil {
			return
		}

		if err = s.ProcessBuffer(slice, slice); err != nil {
			return
		}
	}

	return
}

// equivalent to aes-cbc-plain (sw)
func (k *Keyring) cipherAES(buf []byte, lba int, blocks int, blockSize int, enc bool) (err error) {
	var mode cipher.BlockMode

	iv := make([]byte, aes.BlockSize)

	for i := 0; i < blocks; i++ {
		start := i * blockSize
		end := start + blockSize
		slice := buf[start:end]

		sectorIV(iv, lba+i)

		if k.essiv {
			k.essivIV(iv)
		}

		if enc {
			mode = cipher.NewCBCEncrypter(k.cb, iv)
		} else {
			mode = cipher.NewCBCDecrypter(k.cb, iv)
		}

		mode.CryptBlocks(slice, slice)
	}

	return
}

// equivalent to aes-xts-plain64
func (k *Keyring) cipherXTS(buf []byte, lba int, blocks int, blockSize int, enc bool) (err error) {
	for i := 0; i < blocks; i++ {
		start := i * blockSize
		end := start + blockSize
		slice := buf[start:end]

		if enc {
			k.cbxts.Encrypt(slice, slice, uint64(lba+i))
		} else {
			k.cbxts.Decrypt(slice, slice, uint64(lba+i))
		}
	}

	return
}

// sealKeys expands the persistent storage key into independent encryption
// and authentication keys.
func (k *Keyring) sealKeys() (encKey []byte, macKey []byte, err error) {
	if len(k.snvs) == 0 {
		return nil, nil, errors.New("keyring not initialized")
	}

	r := hkdf.New(sha256.New, k.snvs, nil, []byte(SNVS_DIV))

	encKey = make([]byte, aes.BlockSize)
	macKey = make([]byte, sha256.Size)

	if _, err = io.ReadFull(r, encKey); err != nil {
		return
	}

	_, err = io.ReadFull(r, macKey)

	return
}

func (k *Keyring) seal(input []byte, length int) (output []byte, err error) {
	encKey, macKey, err := k.sealKeys()

	if err != nil {
		return
	}
	defer wipe(encKey)
	defer wipe(macKey)

	block, err := aes.NewCipher(encKey)

	if err != nil {
		return
	}

	iv, err := Rand(aes.BlockSize)

	if err != nil {
		return
	}

	// pad to block size, accounting for IV and HMAC length
	length -= len(iv) + sha256.Size

	if len(input) > length {
		return nil, errors.New("input too large")
	}

	if len(input) < length {
		pad := make([]byte, length-len(input))
		input = append(input, pad...)
	}

	output = iv

	mac := hmac.New(sha256.New, macKey)
	mac.Write(iv)

	stream := cipher.NewOFB(block, iv)
	output = append(output, make([]byte, len(input))...)

	stream.XORKeyStream(output[len(iv):], input)
	mac.Write(output[len(iv):])

	output = append(output, mac.Sum(nil)...)

	return
}

func (k *Keyring) unseal(input []byte) (output []byte, err error) {
	if len(input) < aes.BlockSize {
		return nil, errors.New("invalid length for decrypt")
	}

	iv := input[0:aes.BlockSize]
	input = input[aes.BlockSize:]

	encKey, macKey, err := k.sealKeys()

	if err != nil {
		return
	}
	defer wipe(encKey)
	defer wipe(macKey)

	block, err := aes.NewCipher(encKey)

	if err != nil {
		return
	}

	mac := hmac.New(sha256.New, macKey)
	mac.Write(iv)

	if len(input) < mac.Size() {
		return nil, errors.New("invalid length for decrypt")
	}

	inputMac := input[len(input)-mac.Size():]
	mac.Write(input[0 : len(input)-mac.Size()])

	if !hmac.Equal(inputMac, mac.Sum(nil)) {
		return nil, errors.New("invalid HMAC")
	}

	stream := cipher.NewOFB(block, iv)
	output = make([]byte, len(input)-mac.Size())

	stream.XORKeyStream(output, input[0:len(input)-mac.Size()])

	return
}

// Rand returns n random bytes.
func Rand(n int) (buf []byte, err error) {
	buf = make([]byte, n)
	_, err = rand.Read(buf)
	return
}
