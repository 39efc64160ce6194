// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package workload moves the whole content of the drum array between a
// workload image and the array. The image is the raw content of the array,
// block after block in drum-major order, without any header. Everything
// goes through the driver, so loading warms up the cache as a side effect.
package workload

import (
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"github.com/asch/drumvd/internal/drum"
	"github.com/asch/drumvd/internal/drum/wire"
)

const (
	// Number of blocks in the image.
	blocks = wire.Drums * wire.Blocks

	// Size of the complete image in bytes.
	ImageSize = blocks * wire.BlockSize
)

// Device is the part of the driver used for moving the image.
type Device interface {
	Read(addr drum.Address, buf []byte) error
	Write(addr drum.Address, buf []byte) error
}

// Store keeps one workload image.
type Store interface {
	// Opens the image for reading. Returns an error wrapping
	// fs.ErrNotExist if there is no image yet.
	Open() (io.ReadCloser, error)

	// Creates or replaces the image. The image is complete only after a
	// successful Close.
	Create() (io.WriteCloser, error)
}

// Load writes the image from r to the array block by block. A shorter
// image fills just the beginning of the array and an incomplete last block
// is padded with zeros. It returns the digest of the loaded data.
func Load(d Device, r io.Reader) (uint64, error) {
	h := xxhash.New()
	record := make([]byte, wire.BlockSize)

	for i := 0; i < blocks; i++ {
		n, err := io.ReadFull(r, record)
		if errors.Is(err, io.EOF) {
			log.Info().Int("blocks", i).Msg("Workload image is shorter than the array")
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			for j := n; j < len(record); j++ {
				record[j] = 0
			}
		} else if err != nil {
			return 0, err
		}

		h.Write(record)

		if err := d.Write(blockAddress(i), record); err != nil {
			return 0, fmt.Errorf("load block %d: %w", i, err)
		}

		if n < len(record) {
			log.Info().Int("blocks", i+1).Msg("Workload image ends with a partial block")
			break
		}
	}

	return h.Sum64(), nil
}

// Save reads the whole array block by block and writes it to w. It returns
// the digest of the saved data.
func Save(d Device, w io.Writer) (uint64, error) {
	h := xxhash.New()
	record := make([]byte, wire.BlockSize)

	for i := 0; i < blocks; i++ {
		if err := d.Read(blockAddress(i), record); err != nil {
			return 0, fmt.Errorf("save block %d: %w", i, err)
		}

		h.Write(record)

		if _, err := w.Write(record); err != nil {
			return 0, err
		}
	}

	return h.Sum64(), nil
}

// LoadFrom loads the image kept in s. A missing image is not an error, the
// array is left as it is.
func LoadFrom(d Device, s Store) error {
	r, err := s.Open()
	if errors.Is(err, fs.ErrNotExist) {
		log.Info().Err(err).Msg("No workload image, continuing without loading")
		return nil
	}
	if err != nil {
		return err
	}
	defer r.Close()

	digest, err := Load(d, r)
	if err != nil {
		return err
	}

	log.Info().Str("digest", fmt.Sprintf("%016x", digest)).Msg("Workload image loaded")

	return nil
}

// SaveTo replaces the image kept in s with the content of the array.
func SaveTo(d Device, s Store) error {
	w, err := s.Create()
	if err != nil {
		return err
	}

	digest, err := Save(d, w)
	if err != nil {
		w.Close()
		return err
	}

	if err := w.Close(); err != nil {
		return err
	}

	log.Info().Str("digest", fmt.Sprintf("%016x", digest)).Msg("Workload image saved")

	return nil
}

func blockAddress(i int) drum.Address {
	return drum.Compose(i/wire.Blocks, i%wire.Blocks, 0)
}
