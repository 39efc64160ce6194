// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package drum

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/asch/drumvd/internal/config"
	"github.com/asch/drumvd/internal/drum/cache"
	"github.com/asch/drumvd/internal/drum/client"
	"github.com/asch/drumvd/internal/drum/wire"
	"github.com/asch/drumvd/internal/null"
)

const (
	BlockSize = wire.BlockSize

	// Size of the whole virtual address space in bytes.
	Capacity = wire.Drums * wire.Blocks * wire.BlockSize
)

var (
	ErrAddressDecode  = errors.New("malformed virtual address")
	ErrRangeExhausted = errors.New("range runs past the last drum")
	ErrNotMounted     = errors.New("not mounted")
	ErrMounted        = errors.New("already mounted")
	ErrRemote         = errors.New("drum array reported failure")
)

// Executor performs one request on the drum array and returns its return
// code. It is implemented by client.Client.
type Executor interface {
	Execute(op wire.Opcode, block []byte) (int16, error)
}

// Options to use in New().
type Options struct {
	// Skip seeks which would leave the array cursor where it already
	// is. When false, every block operation is preceded by a drum and a
	// block seek.
	TrackCursor bool
}

// Stats of the current or the last session.
type Stats struct {
	cache.Stats

	// Number of requests sent to the array.
	Requests uint64
}

// Position of the array cursor as far as the driver knows. The cursor is
// unknown after mount, after a seek to a drum until the block is sought and
// after any failed request.
type cursor struct {
	drum  int
	block int
	valid bool
}

// Driver is one session with the drum array. It is not safe for concurrent
// use, independent sessions need independent drivers.
type Driver struct {
	exec        Executor
	cache       *cache.Cache
	trackCursor bool
	cursor      cursor
	stats       Stats
}

// Returns driver connected according to the configuration, i.e. either to
// the remote array or to the null array.
func NewWithDefaults() *Driver {
	var dial client.DialFunc
	if config.Cfg.Null {
		dial = null.Dial
	}

	c := client.New(client.Options{
		Address: net.JoinHostPort(config.Cfg.Remote.Address, strconv.Itoa(config.Cfg.Remote.Port)),
		Dial:    dial,
	})

	return New(c, Options{TrackCursor: config.Cfg.TrackCursor})
}

func New(exec Executor, o Options) *Driver {
	return &Driver{
		exec:        exec,
		trackCursor: o.TrackCursor,
	}
}

// Mount starts the session. The array is mounted first and only then the
// cache with the given number of lines is put in place.
func (d *Driver) Mount(lines int) error {
	if d.cache != nil {
		return ErrMounted
	}

	c, err := cache.New(lines)
	if err != nil {
		return err
	}

	d.cursor = cursor{}
	d.stats = Stats{}

	if err := d.do(wire.Mount, 0, 0, nil); err != nil {
		c.Close()
		return err
	}

	d.cache = c
	log.Info().Int("lines", lines).Bool("track_cursor", d.trackCursor).Msg("Drum array mounted")

	return nil
}

// Unmount drops the cache and unmounts the array, which also closes the
// connection.
func (d *Driver) Unmount() error {
	if d.cache == nil {
		return ErrNotMounted
	}

	d.stats.Stats = d.cache.Stats()
	d.cache.Close()
	d.cache = nil
	d.cursor = cursor{}

	err := d.do(wire.Unmount, 0, 0, nil)

	log.Info().
		Uint64("hits", d.stats.Hits).
		Uint64("misses", d.stats.Misses).
		Uint64("evictions", d.stats.Evictions).
		Uint64("requests", d.stats.Requests).
		Err(err).
		Msg("Drum array unmounted")

	return err
}

func (d *Driver) Mounted() bool {
	return d.cache != nil
}

// Stats returns counters of the mounted session or of the last one.
func (d *Driver) Stats() Stats {
	s := d.stats
	if d.cache != nil {
		s.Stats = d.cache.Stats()
	}

	return s
}

// Read fills buf with the bytes starting at addr. The content of buf is
// undefined when an error is returned.
func (d *Driver) Read(addr Address, buf []byte) error {
	drum, block, offset, err := d.begin(addr, len(buf))
	if err != nil {
		return err
	}

	log.Debug().Str("addr", addr.String()).Int("len", len(buf)).Msg("Read")

	for done := 0; done < len(buf); {
		if drum >= wire.Drums {
			return ErrRangeExhausted
		}

		data := d.cache.Get(cache.Key{Drum: drum, Block: block})
		if data == nil {
			data, err = d.fetch(drum, block)
			if err != nil {
				return err
			}
			d.cache.Put(cache.Key{Drum: drum, Block: block}, data)
		}

		done += copy(buf[done:], data[offset:])
		offset = 0
		drum, block = next(drum, block)
	}

	return nil
}

// Write stores buf starting at addr. Every touched block is written to the
// array before the next one is processed. On error the array keeps all
// blocks written so far.
func (d *Driver) Write(addr Address, buf []byte) error {
	drum, block, offset, err := d.begin(addr, len(buf))
	if err != nil {
		return err
	}

	log.Debug().Str("addr", addr.String()).Int("len", len(buf)).Msg("Write")

	for done := 0; done < len(buf); {
		if drum >= wire.Drums {
			return ErrRangeExhausted
		}

		key := cache.Key{Drum: drum, Block: block}
		n := BlockSize - offset
		if rest := len(buf) - done; rest < n {
			n = rest
		}

		// The cache never holds a block the array has not accepted yet.
		data := make([]byte, BlockSize)
		if cached := d.cache.Get(key); cached != nil {
			copy(data, cached)
		} else if n < BlockSize {
			if data, err = d.fetch(drum, block); err != nil {
				return err
			}
		}

		copy(data[offset:], buf[done:done+n])

		if err := d.seek(drum, block); err != nil {
			return err
		}
		if err := d.do(wire.WriteBlock, drum, block, data); err != nil {
			return err
		}
		d.advance()

		d.cache.Put(key, data)

		done += n
		offset = 0
		drum, block = next(drum, block)
	}

	return nil
}

// ReadAt implements io.ReaderAt over the virtual address space.
func (d *Driver) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > Capacity {
		return 0, fmt.Errorf("%w: offset %d", ErrRangeExhausted, off)
	}

	n := len(p)
	if rest := Capacity - off; int64(n) > rest {
		n = int(rest)
	}

	if n == 0 {
		if len(p) > 0 {
			return 0, io.EOF
		}
		return 0, nil
	}

	if err := d.Read(Address(off), p[:n]); err != nil {
		return 0, err
	}

	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

// WriteAt implements io.WriterAt over the virtual address space. Writes
// which do not fit are rejected as a whole.
func (d *Driver) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off > Capacity {
		return 0, fmt.Errorf("%w: offset %d", ErrRangeExhausted, off)
	}

	if len(p) == 0 {
		return 0, nil
	}

	if err := d.Write(Address(off), p); err != nil {
		return 0, err
	}

	return len(p), nil
}

// Validates the request and returns its first block.
func (d *Driver) begin(addr Address, length int) (drum, block, offset int, err error) {
	if d.cache == nil {
		return 0, 0, 0, ErrNotMounted
	}

	drum, block, offset, err = addr.Decompose()
	if err != nil {
		return 0, 0, 0, err
	}

	if uint64(addr)+uint64(length) > Capacity {
		return 0, 0, 0, fmt.Errorf("%w: %d bytes at %v", ErrRangeExhausted, length, addr)
	}

	return drum, block, offset, nil
}

// Reads the block from the array into a new buffer.
func (d *Driver) fetch(drum, block int) ([]byte, error) {
	if err := d.seek(drum, block); err != nil {
		return nil, err
	}

	data := make([]byte, BlockSize)
	if err := d.do(wire.ReadBlock, drum, block, data); err != nil {
		return nil, err
	}
	d.advance()

	return data, nil
}

// Moves the array cursor to the block. Seeks are skipped when the cursor
// is known to be there already.
func (d *Driver) seek(drum, block int) error {
	if !d.trackCursor {
		d.cursor.valid = false
	}

	if d.cursor.valid && d.cursor.drum == drum && d.cursor.block == block {
		return nil
	}

	if !d.cursor.valid || d.cursor.drum != drum {
		if err := d.do(wire.SeekDrum, drum, 0, nil); err != nil {
			return err
		}
	}

	if err := d.do(wire.SeekBlock, drum, block, nil); err != nil {
		return err
	}

	d.cursor = cursor{drum: drum, block: block, valid: true}

	return nil
}

// Accounts for the cursor movement after a block read or write. The array
// gives no guarantee where the cursor ends after the last block of a drum.
func (d *Driver) advance() {
	d.cursor.block++
	if d.cursor.block == wire.Blocks {
		d.cursor.valid = false
	}
}

// Sends one request. Any failure makes the cursor position unknown.
func (d *Driver) do(cmd wire.Command, drum, block int, data []byte) error {
	op, err := wire.NewOpcode(cmd, drum, block)
	if err != nil {
		return err
	}

	d.stats.Requests++

	ret, err := d.exec.Execute(op, data)
	if err != nil {
		d.cursor.valid = false
		return err
	}

	if ret != 0 {
		d.cursor.valid = false
		return fmt.Errorf("%w: %v returned %d", ErrRemote, op, ret)
	}

	return nil
}

// Returns the block following the given one. The drum is past the last one
// after the last block of the array.
func next(drum, block int) (int, int) {
	block++
	if block == wire.Blocks {
		block = 0
		drum++
	}

	return drum, block
}
