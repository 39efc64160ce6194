// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package client implements the request/response exchange with the drum
// array. It owns the only connection of a session, frames the requests,
// drains partial transfers in both directions and checks that every
// response belongs to the request that was sent.
package client

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/rs/zerolog/log"

	"github.com/asch/drumvd/internal/drum/wire"
)

var (
	ErrTransport         = errors.New("transport failure")
	ErrProtocolIntegrity = errors.New("response does not match request")
	ErrNotConnected      = errors.New("not connected")
)

// DialFunc opens a byte stream to the drum array.
type DialFunc func() (io.ReadWriteCloser, error)

// Options to use in New().
type Options struct {
	// Address of the array in host:port form. Used only when Dial is
	// nil.
	Address string

	// Replaces the default tcp dialer. Used by tests and by the null and
	// emulated arrays.
	Dial DialFunc
}

// Client talks to a single drum array over a single connection. It is not
// safe for concurrent use.
type Client struct {
	dial DialFunc
	conn io.ReadWriteCloser

	// Scratch space for one frame, reused by every exchange.
	frame [wire.FrameSize]byte
}

func New(o Options) *Client {
	dial := o.Dial
	if dial == nil {
		address := o.Address
		dial = func() (io.ReadWriteCloser, error) {
			return net.Dial("tcp", address)
		}
	}

	return &Client{dial: dial}
}

// Connected reports whether a connection is open.
func (c *Client) Connected() bool {
	return c.conn != nil
}

// Connect opens the connection to the array. An already open connection is
// closed first.
func (c *Client) Connect() error {
	if c.conn != nil {
		c.Disconnect()
	}

	conn, err := c.dial()
	if err != nil {
		return fmt.Errorf("%w: connect: %v", ErrTransport, err)
	}

	c.conn = conn
	log.Debug().Msg("Connected to drum array")

	return nil
}

// Disconnect closes the connection. The client is disconnected afterwards
// even when closing fails.
func (c *Client) Disconnect() error {
	if c.conn == nil {
		return ErrNotConnected
	}

	err := c.conn.Close()
	c.conn = nil

	if err != nil {
		return fmt.Errorf("%w: close: %v", ErrTransport, err)
	}

	log.Debug().Msg("Disconnected from drum array")

	return nil
}

// Execute sends op to the array and waits for its response. A mount opens
// the connection first and an unmount closes it after a successful
// exchange.
//
// For write-block requests block is the payload and must hold one block.
// For requests whose response carries a block, the block is received into
// block, which must be large enough. The return code reported by the array
// is returned. Nothing is retried.
func (c *Client) Execute(op wire.Opcode, block []byte) (int16, error) {
	if op.Command() == wire.Mount {
		if err := c.Connect(); err != nil {
			return 0, err
		}
	}

	if c.conn == nil {
		return 0, ErrNotConnected
	}

	if err := c.send(op, block); err != nil {
		return 0, err
	}

	h, err := c.receive(block)
	if err != nil {
		return 0, err
	}

	if h.Op != op {
		return 0, fmt.Errorf("%w: sent %v, received %v", ErrProtocolIntegrity, op, h.Op)
	}

	log.Trace().
		Str("cmd", op.Command().String()).
		Int("drum", op.Drum()).
		Int("block", op.Block()).
		Int16("ret", h.Ret).
		Msg("Drum array exchange")

	if op.Command() == wire.Unmount {
		if err := c.Disconnect(); err != nil {
			return h.Ret, err
		}
	}

	return h.Ret, nil
}

// Frames and sends the request.
func (c *Client) send(op wire.Opcode, block []byte) error {
	h := wire.NewHeader(op)
	frame := c.frame[:h.Length]
	h.Encode(frame)

	if h.HasPayload() {
		if len(block) != wire.BlockSize {
			return fmt.Errorf("%w: write of %d bytes", ErrProtocolIntegrity, len(block))
		}
		copy(frame[wire.HeaderSize:], block)
	}

	return writeFull(c.conn, frame)
}

// Receives the response header and the payload if there is one.
func (c *Client) receive(block []byte) (wire.Header, error) {
	hdr := c.frame[:wire.HeaderSize]
	if err := readFull(c.conn, hdr); err != nil {
		return wire.Header{}, err
	}

	h, err := wire.DecodeHeader(hdr)
	if err != nil {
		return h, fmt.Errorf("%w: %v", ErrProtocolIntegrity, err)
	}

	if h.HasPayload() {
		size := int(h.Length) - wire.HeaderSize
		if len(block) < size {
			return h, fmt.Errorf("%w: unexpected payload of %d bytes", ErrProtocolIntegrity, size)
		}
		if err := readFull(c.conn, block[:size]); err != nil {
			return h, err
		}
	}

	return h, nil
}

// Writes the whole buf, continuing after short writes. A write which makes
// no progress is fatal.
func writeFull(w io.Writer, buf []byte) error {
	for sent := 0; sent < len(buf); {
		n, err := w.Write(buf[sent:])
		if n <= 0 {
			if err == nil {
				err = io.ErrShortWrite
			}
			return fmt.Errorf("%w: send after %d of %d bytes: %v", ErrTransport, sent, len(buf), err)
		}
		sent += n
	}

	return nil
}

// Fills the whole buf, continuing after short reads. A read which makes no
// progress is fatal. Errors reported together with data are ignored until
// the next call since the data are still valid.
func readFull(r io.Reader, buf []byte) error {
	for received := 0; received < len(buf); {
		n, err := r.Read(buf[received:])
		if n <= 0 {
			if err == nil {
				err = io.ErrNoProgress
			}
			return fmt.Errorf("%w: receive after %d of %d bytes: %v", ErrTransport, received, len(buf), err)
		}
		received += n
	}

	return nil
}
