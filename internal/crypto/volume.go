// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package crypto

import (
	"errors"
	"io"

	"golang.org/x/sync/errgroup"
)

const (
	// To speed up FDE it is beneficial to use a larger block size, to
	// reduce the number of encryption/decryption iterations caused by
	// per-block IV computation.
	BLOCK_SIZE_MULTIPLIER = 8

	// These parameters control how many blocks are read/written before
	// being offloaded for decryption/encryption in a goroutine.
	READ_PIPELINE_SIZE  = 12
	WRITE_PIPELINE_SIZE = 20
)

// Device represents the backing storage of a volume.
type Device interface {
	io.ReaderAt
	io.WriterAt
}

// Volume represents a block device transparently encrypted by a keyring.
type Volume struct {
	Keyring *Keyring
	Device  Device

	// device block size
	BlockSize int
	// block size multiplier
	Mult int

	// Cipher enables encryption
	Cipher bool
}

func (v *Volume) blockSize() (int, error) {
	if v.BlockSize <= 0 || v.Mult <= 0 {
		return 0, errors.New("invalid volume geometry")
	}

	if v.Cipher && (v.Keyring == nil || v.Keyring.Cipher == nil) {
		return 0, errors.New("no cipher selected")
	}

	return v.BlockSize * v.Mult, nil
}

// Read returns the plaintext of blocks starting at lba, decryption of each
// batch overlaps with reading the next one.
func (v *Volume) Read(lba int, blocks int) (buf []byte, err error) {
	batch := READ_PIPELINE_SIZE
	blockSize, err := v.blockSize()

	if err != nil {
		return
	}

	buf = make([]byte, blocks*blockSize)
	eg := &errgroup.Group{}

	for i := 0; i < blocks; i += batch {
		if i+batch > blocks {
			batch = blocks - i
		}

		start := i * blockSize
		end := start + blockSize*batch
		slice := buf[start:end]

		if _, err = v.Device.ReadAt(slice, int64((lba+i)*blockSize)); err != nil {
			eg.Wait()
			return nil, err
		}

		if v.Cipher {
			sliceLBA := lba + i
			sliceBlocks := batch

			eg.Go(func() error {
				return v.Keyring.Cipher(slice, sliceLBA, sliceBlocks, blockSize, false)
			})
		}
	}

	if err = eg.Wait(); err != nil {
		return nil, err
	}

	return
}

// Write encrypts and writes blocks starting at lba, writing of each batch
// overlaps with encryption of the next one. The buffer is encrypted in place.
func (v *Volume) Write(lba int, buf []byte) (err error) {
	batch := WRITE_PIPELINE_SIZE
	blockSize, err := v.blockSize()

	if err != nil {
		return
	}

	if len(buf)%blockSize != 0 {
		return errors.New("buffer not block aligned")
	}

	blocks := len(buf) / blockSize
	eg := &errgroup.Group{}

	for i := 0; i < blocks; i += batch {
		if i+batch > blocks {
			batch = blocks - i
		}

		start := i * blockSize
		end := start + blockSize*batch
		slice := buf[start:end]

		if v.Cipher {
			if err = v.Keyring.Cipher(slice, lba+i, batch, blockSize, true); err != nil {
				eg.Wait()
				return
			}
		}

		off := int64((lba + i) * blockSize)

		eg.Go(func() error {
			_, err := v.Device.WriteAt(slice, off)
			return err
		})
	}

	return eg.Wait()
}
