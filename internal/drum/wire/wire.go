// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package wire implements the binary framing of the drum array protocol.
// Every request and response starts with a fixed 8 byte header which may be
// followed by exactly one block of payload. All integers are big-endian.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Size of one block on the drum array. It is the only payload size
	// the protocol knows.
	BlockSize = 256

	// Number of blocks on one drum.
	Blocks = 256

	// Number of drums in the array.
	Drums = 16

	// Size of the frame header in bytes.
	HeaderSize = 8

	// Size of the frame carrying a block.
	FrameSize = HeaderSize + BlockSize
)

// Commands understood by the drum array. Values 6 to 9 are reserved and
// can be encoded but the driver never sends them.
const (
	Mount Command = iota
	Unmount
	SeekDrum
	SeekBlock
	ReadBlock
	WriteBlock

	maxCommand Command = 9
)

var (
	ErrOpcodeEncode = errors.New("opcode component out of range")
	ErrFrameLength  = errors.New("invalid frame length")
)

// Command selects the operation the array performs.
type Command uint8

func (c Command) String() string {
	switch c {
	case Mount:
		return "mount"
	case Unmount:
		return "unmount"
	case SeekDrum:
		return "seek-drum"
	case SeekBlock:
		return "seek-block"
	case ReadBlock:
		return "read-block"
	case WriteBlock:
		return "write-block"
	default:
		return fmt.Sprintf("reserved(%d)", uint8(c))
	}
}

// Opcode packs a command with its drum and block operands. Bits 26-31 hold
// the command, bits 22-25 the drum and bits 0-7 the block. The remaining
// bits are always zero.
type Opcode uint32

// NewOpcode builds an opcode. Components out of their ranges are rejected
// instead of being truncated.
func NewOpcode(cmd Command, drum, block int) (Opcode, error) {
	if cmd > maxCommand {
		return 0, fmt.Errorf("%w: command %d", ErrOpcodeEncode, cmd)
	}
	if drum < 0 || drum >= Drums {
		return 0, fmt.Errorf("%w: drum %d", ErrOpcodeEncode, drum)
	}
	if block < 0 || block >= Blocks {
		return 0, fmt.Errorf("%w: block %d", ErrOpcodeEncode, block)
	}

	return Opcode(uint32(cmd)<<26 | uint32(drum)<<22 | uint32(block)), nil
}

func (o Opcode) Command() Command {
	return Command(o >> 26)
}

func (o Opcode) Drum() int {
	return int(o>>22) & 0xf
}

func (o Opcode) Block() int {
	return int(o) & 0xff
}

func (o Opcode) String() string {
	return fmt.Sprintf("%s(drum=%d, block=%d)", o.Command(), o.Drum(), o.Block())
}

// Header is the fixed part of every frame.
type Header struct {
	// Total length of the frame including the header. Either HeaderSize
	// or FrameSize.
	Length uint16

	Op Opcode

	// Return code reported by the array. Zero is success, negative
	// values are failures. Requests always carry zero.
	Ret int16
}

// NewHeader returns the request header for op. Only write-block requests
// carry a payload.
func NewHeader(op Opcode) Header {
	h := Header{Length: HeaderSize, Op: op}
	if op.Command() == WriteBlock {
		h.Length = FrameSize
	}

	return h
}

// HasPayload reports whether a block follows the header.
func (h Header) HasPayload() bool {
	return h.Length > HeaderSize
}

// Encode stores the header into the first HeaderSize bytes of b.
func (h Header) Encode(b []byte) {
	binary.BigEndian.PutUint16(b[0:2], h.Length)
	binary.BigEndian.PutUint32(b[2:6], uint32(h.Op))
	binary.BigEndian.PutUint16(b[6:8], uint16(h.Ret))
}

// DecodeHeader parses the first HeaderSize bytes of b. Only the two frame
// lengths the protocol defines are accepted.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: short header of %d bytes", ErrFrameLength, len(b))
	}

	h := Header{
		Length: binary.BigEndian.Uint16(b[0:2]),
		Op:     Opcode(binary.BigEndian.Uint32(b[2:6])),
		Ret:    int16(binary.BigEndian.Uint16(b[6:8])),
	}

	if h.Length != HeaderSize && h.Length != FrameSize {
		return h, fmt.Errorf("%w: %d", ErrFrameLength, h.Length)
	}

	return h, nil
}
