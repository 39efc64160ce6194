// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package drum

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"testing"

	"github.com/bmizerany/assert"

	"github.com/asch/drumvd/internal/config"
	"github.com/asch/drumvd/internal/drum/client"
	"github.com/asch/drumvd/internal/drum/wire"
	"github.com/asch/drumvd/internal/emulator"
)

// Returns a mounted driver talking to a fresh emulated array.
func mounted(t *testing.T, trackCursor bool, lines int) (*Driver, *client.Client, *emulator.Array) {
	a := emulator.New()
	c := client.New(client.Options{Dial: a.Dial})
	d := New(c, Options{TrackCursor: trackCursor})

	if err := d.Mount(lines); err != nil {
		t.Fatal(err)
	}
	a.ResetCounts()

	return d, c, a
}

func pattern(seed int64, n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func TestAddressRoundTrip(t *testing.T) {
	for drum := 0; drum < wire.Drums; drum++ {
		for block := 0; block < wire.Blocks; block++ {
			for offset := 0; offset < wire.BlockSize; offset++ {
				d, b, o, err := Compose(drum, block, offset).Decompose()
				if err != nil || d != drum || b != block || o != offset {
					t.Fatalf("Compose(%d, %d, %d) decomposed to (%d, %d, %d, %v)", drum, block, offset, d, b, o, err)
				}
			}
		}
	}
}

func TestAddressLayout(t *testing.T) {
	assert.Equal(t, Address(0x0f_ff_ff), Compose(15, 255, 255))
	assert.Equal(t, Address(0x03_10_20), Compose(3, 16, 32))
}

func TestAddressDecodeError(t *testing.T) {
	for _, a := range []Address{0x10_00_00, 0x1f_ff_ff, 0xffffffff} {
		_, _, _, err := a.Decompose()
		assert.T(t, errors.Is(err, ErrAddressDecode))
	}
}

func TestWriteReadWithinBlock(t *testing.T) {
	d, _, a := mounted(t, true, 8)
	data := []byte("hello, drum")

	assert.Equal(t, nil, d.Write(Compose(4, 20, 100), data))

	got := make([]byte, len(data))
	assert.Equal(t, nil, d.Read(Compose(4, 20, 100), got))
	assert.Equal(t, data, got)

	assert.Equal(t, data, a.Block(4, 20)[100:100+len(data)])
}

func TestWriteReadAcrossDrums(t *testing.T) {
	for _, track := range []bool{true, false} {
		for _, lines := range []int{1, 3, 64} {
			d, _, a := mounted(t, track, lines)
			data := pattern(1, 5*wire.Blocks*wire.BlockSize/2+77)
			addr := Compose(3, 250, 17)

			assert.Equal(t, nil, d.Write(addr, data))

			got := make([]byte, len(data))
			assert.Equal(t, nil, d.Read(addr, got))
			assert.Equal(t, data, got)

			// Read again from a cold session to see what the
			// array really holds.
			c := client.New(client.Options{Dial: a.Dial})
			fresh := New(c, Options{TrackCursor: track})
			assert.Equal(t, nil, fresh.Mount(2))

			got = make([]byte, len(data))
			assert.Equal(t, nil, fresh.Read(addr, got))
			assert.Equal(t, data, got)
		}
	}
}

func TestDrumBoundary(t *testing.T) {
	d, _, a := mounted(t, true, 4)

	background := pattern(2, 2*wire.BlockSize)
	assert.Equal(t, nil, d.Write(Compose(0, 255, 0), background))

	data := bytes.Repeat([]byte{0xee}, 300)
	assert.Equal(t, nil, d.Write(Compose(0, 255, 0), data))

	assert.Equal(t, data[:256], a.Block(0, 255))
	b := a.Block(1, 0)
	assert.Equal(t, data[256:], b[:44])
	assert.Equal(t, background[256+44:], b[44:])
}

func TestRangeExhausted(t *testing.T) {
	d, _, a := mounted(t, true, 4)

	err := d.Write(Compose(15, 255, 10), make([]byte, 247))
	assert.T(t, errors.Is(err, ErrRangeExhausted))

	err = d.Read(Compose(15, 200, 0), make([]byte, 56*wire.BlockSize+1))
	assert.T(t, errors.Is(err, ErrRangeExhausted))

	counts := a.Counts()
	assert.Equal(t, 0, counts[wire.WriteBlock])
	assert.Equal(t, 0, counts[wire.ReadBlock])

	// The very last byte is still addressable.
	assert.Equal(t, nil, d.Write(Compose(15, 255, 10), make([]byte, 246)))
}

func TestMalformedAddress(t *testing.T) {
	d, _, _ := mounted(t, true, 4)

	err := d.Read(Address(0x100000), make([]byte, 1))
	assert.T(t, errors.Is(err, ErrAddressDecode))
}

func TestSequentialReadSkipsSeeks(t *testing.T) {
	d, _, a := mounted(t, true, 16)

	assert.Equal(t, nil, d.Read(Compose(2, 10, 0), make([]byte, 4*wire.BlockSize)))

	counts := a.Counts()
	assert.Equal(t, 1, counts[wire.SeekDrum])
	assert.Equal(t, 1, counts[wire.SeekBlock])
	assert.Equal(t, 4, counts[wire.ReadBlock])
}

func TestSequentialReadWithoutTracking(t *testing.T) {
	d, _, a := mounted(t, false, 16)

	assert.Equal(t, nil, d.Read(Compose(2, 10, 0), make([]byte, 4*wire.BlockSize)))

	counts := a.Counts()
	assert.Equal(t, 4, counts[wire.SeekDrum])
	assert.Equal(t, 4, counts[wire.SeekBlock])
	assert.Equal(t, 4, counts[wire.ReadBlock])
}

func TestWriteRequests(t *testing.T) {
	d, _, a := mounted(t, true, 16)

	assert.Equal(t, nil, d.Write(Compose(2, 10, 100), make([]byte, 2*wire.BlockSize)))

	// Both partial blocks are read before being written, the full one
	// in the middle is not.
	counts := a.Counts()
	assert.Equal(t, 1, counts[wire.SeekDrum])
	assert.Equal(t, 3, counts[wire.SeekBlock])
	assert.Equal(t, 2, counts[wire.ReadBlock])
	assert.Equal(t, 3, counts[wire.WriteBlock])
}

func TestCachedReadHasNoRequests(t *testing.T) {
	d, _, a := mounted(t, true, 16)
	buf := make([]byte, 3*wire.BlockSize)

	assert.Equal(t, nil, d.Read(Compose(9, 0, 0), buf))
	a.ResetCounts()

	assert.Equal(t, nil, d.Read(Compose(9, 0, 0), buf))
	assert.Equal(t, 0, len(a.Counts()))

	s := d.Stats()
	assert.Equal(t, uint64(3), s.Hits)
	assert.Equal(t, uint64(3), s.Misses)
}

// Runs the same random workload with and without cursor tracking and
// against a plain byte slice model. All three must agree.
func TestTrackingDoesNotChangeResults(t *testing.T) {
	tracked, _, ta := mounted(t, true, 5)
	plain, _, pa := mounted(t, false, 5)
	model := make([]byte, Capacity)

	rnd := rand.New(rand.NewSource(7))

	for i := 0; i < 300; i++ {
		// Concentrate on a few drums to get cache hits and drum
		// crossings.
		off := (rnd.Intn(3)*4+3)*wire.Blocks*wire.BlockSize + rnd.Intn(2*wire.BlockSize) - wire.BlockSize
		n := rnd.Intn(4 * wire.BlockSize)
		addr := Address(off)

		if rnd.Intn(3) == 0 {
			data := pattern(int64(i), n)
			copy(model[off:], data)
			assert.Equal(t, nil, tracked.Write(addr, data))
			assert.Equal(t, nil, plain.Write(addr, data))
			continue
		}

		got1 := make([]byte, n)
		got2 := make([]byte, n)
		assert.Equal(t, nil, tracked.Read(addr, got1))
		assert.Equal(t, nil, plain.Read(addr, got2))

		if !bytes.Equal(got1, model[off:off+n]) || !bytes.Equal(got2, model[off:off+n]) {
			t.Fatalf("step %d: read of %d bytes at %v differs from the model", i, n, addr)
		}
	}

	for drum := 0; drum < wire.Drums; drum++ {
		for block := 0; block < wire.Blocks; block++ {
			off := int(Compose(drum, block, 0))
			want := model[off : off+wire.BlockSize]
			if !bytes.Equal(ta.Block(drum, block), want) || !bytes.Equal(pa.Block(drum, block), want) {
				t.Fatalf("block %d/%d differs from the model", drum, block)
			}
		}
	}

	assert.T(t, tracked.Stats().Requests < plain.Stats().Requests)
}

func TestRemoteFailureAborts(t *testing.T) {
	d, _, a := mounted(t, true, 8)

	old := pattern(3, 2*wire.BlockSize)
	assert.Equal(t, nil, d.Write(Compose(1, 255, 0), old))

	a.FailWhen(func(op wire.Opcode) bool {
		return op.Command() == wire.WriteBlock && op.Drum() == 2
	})

	data := bytes.Repeat([]byte{0x11}, 2*wire.BlockSize)
	err := d.Write(Compose(1, 255, 0), data)
	assert.T(t, errors.Is(err, ErrRemote))

	// The first block made it, the second did not and the cache does not
	// pretend otherwise.
	a.FailWhen(nil)
	assert.Equal(t, data[:wire.BlockSize], a.Block(1, 255))
	assert.Equal(t, old[wire.BlockSize:], a.Block(2, 0))

	got := make([]byte, wire.BlockSize)
	assert.Equal(t, nil, d.Read(Compose(2, 0, 0), got))
	assert.Equal(t, old[wire.BlockSize:], got)
}

func TestFailedReadRecoversCursor(t *testing.T) {
	d, _, a := mounted(t, true, 8)

	a.FailWhen(func(op wire.Opcode) bool { return op.Command() == wire.ReadBlock })
	err := d.Read(Compose(5, 5, 0), make([]byte, 10))
	assert.T(t, errors.Is(err, ErrRemote))

	a.FailWhen(nil)
	assert.Equal(t, nil, d.Read(Compose(5, 5, 0), make([]byte, 10)))
}

type brokenExecutor struct {
	calls int
}

func (e *brokenExecutor) Execute(op wire.Opcode, block []byte) (int16, error) {
	e.calls++
	if op.Command() == wire.Mount {
		return 0, nil
	}
	return 0, client.ErrTransport
}

func TestTransportFailureAborts(t *testing.T) {
	e := &brokenExecutor{}
	d := New(e, Options{TrackCursor: true})
	assert.Equal(t, nil, d.Mount(4))

	err := d.Read(Compose(0, 0, 0), make([]byte, 3*wire.BlockSize))
	assert.T(t, errors.Is(err, client.ErrTransport))
	assert.Equal(t, 2, e.calls)
}

func TestMountUnmount(t *testing.T) {
	d, c, _ := mounted(t, true, 4)

	assert.T(t, d.Mounted())
	assert.T(t, c.Connected())
	assert.Equal(t, ErrMounted, d.Mount(4))

	assert.Equal(t, nil, d.Read(Compose(0, 0, 0), make([]byte, 2*wire.BlockSize)))
	assert.Equal(t, nil, d.Unmount())

	assert.T(t, !d.Mounted())
	assert.T(t, !c.Connected())
	assert.Equal(t, uint64(2), d.Stats().Misses)

	assert.Equal(t, ErrNotMounted, d.Unmount())
	assert.Equal(t, ErrNotMounted, d.Read(0, make([]byte, 1)))
	assert.Equal(t, ErrNotMounted, d.Write(0, make([]byte, 1)))

	// A new session starts from scratch.
	assert.Equal(t, nil, d.Mount(2))
	assert.Equal(t, uint64(0), d.Stats().Misses)
	assert.Equal(t, nil, d.Unmount())
}

func TestMountRejectsCapacity(t *testing.T) {
	a := emulator.New()
	d := New(client.New(client.Options{Dial: a.Dial}), Options{})

	assert.NotEqual(t, nil, d.Mount(0))
	assert.T(t, !d.Mounted())
	assert.Equal(t, 0, a.Counts()[wire.Mount])
}

func TestZeroLength(t *testing.T) {
	d, _, a := mounted(t, true, 4)

	assert.Equal(t, nil, d.Read(Compose(15, 255, 255), nil))
	assert.Equal(t, nil, d.Write(Compose(15, 255, 255), []byte{}))
	assert.Equal(t, 0, len(a.Counts()))
}

func TestReaderAtWriterAt(t *testing.T) {
	d, _, _ := mounted(t, true, 4)
	data := pattern(4, 20)

	n, err := d.WriteAt(data[:10], Capacity-10)
	assert.Equal(t, nil, err)
	assert.Equal(t, 10, n)

	_, err = d.WriteAt(data, Capacity-10)
	assert.T(t, errors.Is(err, ErrRangeExhausted))

	buf := make([]byte, 20)
	n, err = d.ReadAt(buf, Capacity-10)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, data[:10], buf[:10])

	n, err = d.ReadAt(buf, Capacity)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 0, n)

	_, err = d.ReadAt(buf, -1)
	assert.T(t, errors.Is(err, ErrRangeExhausted))
}

func TestNullArray(t *testing.T) {
	config.Cfg.Null = true
	config.Cfg.TrackCursor = true
	defer func() { config.Cfg = config.Config{} }()

	d := NewWithDefaults()
	assert.Equal(t, nil, d.Mount(4))

	data := pattern(5, 100)
	assert.Equal(t, nil, d.Write(Compose(0, 0, 0), data))

	got := make([]byte, 100)
	assert.Equal(t, nil, d.Read(Compose(0, 0, 0), got))
	assert.Equal(t, data, got)

	assert.Equal(t, nil, d.Read(Compose(8, 0, 0), got))
	assert.Equal(t, make([]byte, 100), got)

	assert.Equal(t, nil, d.Unmount())
}

func BenchmarkSequentialRead(b *testing.B) {
	d := New(client.New(client.Options{Dial: emulator.New().Dial}), Options{TrackCursor: true})
	if err := d.Mount(16); err != nil {
		b.Fatal(err)
	}
	buf := make([]byte, 64*wire.BlockSize)

	b.SetBytes(int64(len(buf)))
	for i := 0; i < b.N; i++ {
		if err := d.Read(Address(i%16)<<16, buf); err != nil {
			b.Fatal(err)
		}
	}
}
