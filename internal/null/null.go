// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Null package does nothing but correctly.
package null

import (
	"io"

	"github.com/asch/drumvd/internal/drum/wire"
)

// Null implementation of the drum array connection. Every request is
// acknowledged with success, reads return zeroed blocks and writes are
// discarded. Usefull for measuring the performance of the driver and the
// protocol client without any network. Otherwise useless.
type null struct {
	// Bytes of the request not yet complete.
	in []byte

	// Responses waiting to be read.
	out []byte

	closed bool
}

// Dial has the signature of client.DialFunc.
func Dial() (io.ReadWriteCloser, error) {
	return &null{}, nil
}

func (n *null) Write(p []byte) (int, error) {
	if n.closed {
		return 0, io.ErrClosedPipe
	}

	n.in = append(n.in, p...)

	for len(n.in) >= wire.HeaderSize {
		h, err := wire.DecodeHeader(n.in)
		if err != nil {
			return 0, err
		}
		if len(n.in) < int(h.Length) {
			break
		}
		n.in = n.in[h.Length:]
		n.respond(h.Op)
	}

	return len(p), nil
}

func (n *null) Read(p []byte) (int, error) {
	if n.closed {
		return 0, io.ErrClosedPipe
	}

	if len(n.out) == 0 {
		return 0, io.EOF
	}

	c := copy(p, n.out)
	n.out = n.out[c:]

	return c, nil
}

func (n *null) Close() error {
	n.closed = true
	return nil
}

func (n *null) respond(op wire.Opcode) {
	h := wire.Header{Length: wire.HeaderSize, Op: op}
	if op.Command() == wire.ReadBlock {
		h.Length = wire.FrameSize
	}

	frame := make([]byte, h.Length)
	h.Encode(frame)
	n.out = append(n.out, frame...)
}
