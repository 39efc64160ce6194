// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package emulator implements an in-memory drum array speaking the wire
// protocol. It serves as a stand-in for the real array in tests and in the
// serve command.
//
// The emulator is strict about the cursor. A block read or write succeeds
// only when the cursor is positioned exactly on the block named in the
// opcode, so any seek skipped by mistake shows up as a failure.
package emulator

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/asch/drumvd/internal/drum/wire"
)

const (
	retOK   int16 = 0
	retFail int16 = -1
)

// Array is the emulated drum array. It may serve several connections, the
// requests are serialized.
type Array struct {
	mu sync.Mutex

	data [wire.Drums][wire.Blocks][wire.BlockSize]byte

	mounted bool

	// Cursor. It is lost after the last block of a drum is read or
	// written and restored by seeking.
	drum       int
	block      int
	positioned bool

	counts map[wire.Command]int
	fail   func(wire.Opcode) bool
}

func New() *Array {
	return &Array{counts: make(map[wire.Command]int)}
}

// Serve accepts connections on l until it fails and serves each in its own
// goroutine.
func (a *Array) Serve(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}

		log.Info().Str("remote", conn.RemoteAddr().String()).Msg("Client connected")

		go func() {
			if err := a.ServeConn(conn); err != nil {
				log.Info().Err(err).Send()
			}
		}()
	}
}

// Dial returns an in-process connection to the array. It has the
// signature of client.DialFunc.
func (a *Array) Dial() (io.ReadWriteCloser, error) {
	client, server := net.Pipe()

	go func() {
		if err := a.ServeConn(server); err != nil {
			log.Debug().Err(err).Send()
		}
	}()

	return client, nil
}

// ServeConn handles requests from conn until the peer closes it.
func (a *Array) ServeConn(conn io.ReadWriteCloser) error {
	defer conn.Close()

	frame := make([]byte, wire.FrameSize)

	for {
		if _, err := io.ReadFull(conn, frame[:wire.HeaderSize]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}

		h, err := wire.DecodeHeader(frame)
		if err != nil {
			return err
		}

		if _, err := io.ReadFull(conn, frame[wire.HeaderSize:h.Length]); err != nil {
			return err
		}

		resp := a.handle(h, frame)
		if _, err := conn.Write(resp); err != nil {
			return err
		}
	}
}

// FailWhen makes every request for which pred returns true fail with a
// negative return code. nil disables the injection.
func (a *Array) FailWhen(pred func(wire.Opcode) bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.fail = pred
}

// Counts returns the number of requests received per command.
func (a *Array) Counts() map[wire.Command]int {
	a.mu.Lock()
	defer a.mu.Unlock()

	counts := make(map[wire.Command]int, len(a.counts))
	for k, v := range a.counts {
		counts[k] = v
	}

	return counts
}

func (a *Array) ResetCounts() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.counts = make(map[wire.Command]int)
}

// Block returns a copy of the stored block.
func (a *Array) Block(drum, block int) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	b := make([]byte, wire.BlockSize)
	copy(b, a.data[drum][block][:])

	return b
}

// Executes the request held in frame and builds the response into frame.
func (a *Array) handle(req wire.Header, frame []byte) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	op := req.Op
	a.counts[op.Command()]++

	ret, withBlock := retFail, false
	if a.fail == nil || !a.fail(op) {
		ret, withBlock = a.exec(op, req.HasPayload(), frame[wire.HeaderSize:wire.FrameSize])
	}

	h := wire.Header{Length: wire.HeaderSize, Op: op, Ret: ret}
	if withBlock {
		h.Length = wire.FrameSize
	}
	h.Encode(frame)

	if ret != retOK {
		log.Debug().Str("op", op.String()).Msg("Request failed")
	}

	return frame[:h.Length]
}

// Performs the operation. The block holds the request payload if there is
// one and receives the block to be returned. It returns the return code and
// whether the response carries the block.
func (a *Array) exec(op wire.Opcode, hasPayload bool, block []byte) (int16, bool) {
	switch op.Command() {
	case wire.Mount:
		a.mounted = true
		a.positioned = false
		return retOK, false

	case wire.Unmount:
		if !a.mounted {
			return retFail, false
		}
		a.mounted = false
		a.positioned = false
		return retOK, false
	}

	if !a.mounted {
		return retFail, false
	}

	switch op.Command() {
	case wire.SeekDrum:
		a.drum, a.block, a.positioned = op.Drum(), 0, true
		return retOK, false

	case wire.SeekBlock:
		if !a.positioned || a.drum != op.Drum() {
			return retFail, false
		}
		a.block = op.Block()
		return retOK, false

	case wire.ReadBlock:
		if !a.at(op) {
			return retFail, false
		}
		copy(block, a.data[a.drum][a.block][:])
		a.advance()
		return retOK, true

	case wire.WriteBlock:
		if !a.at(op) || !hasPayload {
			return retFail, false
		}
		copy(a.data[a.drum][a.block][:], block)
		a.advance()
		return retOK, false
	}

	return retFail, false
}

// Whether the cursor is positioned on the block addressed by op.
func (a *Array) at(op wire.Opcode) bool {
	return a.positioned && a.drum == op.Drum() && a.block == op.Block()
}

func (a *Array) advance() {
	a.block++
	if a.block == wire.Blocks {
		a.positioned = false
	}
}
