// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package drum

import (
	"fmt"

	"github.com/lpabon/godbc"

	"github.com/asch/drumvd/internal/drum/wire"
)

// Address is a byte address in the virtual space. Bits 16-19 select the
// drum, bits 8-15 the block and bits 0-7 the offset in the block. All
// higher bits must be zero.
type Address uint32

// Compose builds an address from its components, which must be in range.
func Compose(drum, block, offset int) Address {
	godbc.Require(drum >= 0 && drum < wire.Drums, "drum out of range", drum)
	godbc.Require(block >= 0 && block < wire.Blocks, "block out of range", block)
	godbc.Require(offset >= 0 && offset < wire.BlockSize, "offset out of range", offset)

	return Address(drum<<16 | block<<8 | offset)
}

// Decompose splits the address into drum, block and offset. An address
// pointing past the last drum is an error, it never wraps around.
func (a Address) Decompose() (drum, block, offset int, err error) {
	drum = int(a >> 16)
	block = int(a>>8) & 0xff
	offset = int(a) & 0xff

	if drum >= wire.Drums {
		return 0, 0, 0, fmt.Errorf("%w: %#x", ErrAddressDecode, uint32(a))
	}

	return drum, block, offset, nil
}

func (a Address) String() string {
	return fmt.Sprintf("%#06x", uint32(a))
}
