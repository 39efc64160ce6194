// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/rs/zerolog/log"

	"github.com/asch/drumvd/internal/config"
	"github.com/asch/drumvd/internal/drum"
	"github.com/asch/drumvd/internal/workload"
)

// Command completer for readline
var completer = readline.NewPrefixCompleter(
	readline.PcItem("mount"),
	readline.PcItem("unmount"),
	readline.PcItem("read"),
	readline.PcItem("write"),
	readline.PcItem("load"),
	readline.PcItem("save"),
	readline.PcItem("stats"),
	readline.PcItem("help"),
	readline.PcItem("exit"),
)

const helpText = `
Commands:
  mount [LINES]       - Mount the array with a cache of LINES blocks
  unmount             - Unmount the array
  read ADDR LEN       - Dump LEN bytes starting at virtual address ADDR
  write ADDR TEXT     - Store TEXT starting at virtual address ADDR
  load                - Load the workload image into the array
  save                - Save the array into the workload image
  stats               - Show cache and request counters
  help                - Show this help message
  exit                - Unmount if needed and exit

Addresses and lengths are decimal, or hexadecimal with the 0x prefix.
`

var errUsage = errors.New("usage")

// Shell executes textual commands against one driver.
type shell struct {
	d     *drum.Driver
	out   io.Writer
	lines int
	store func() (workload.Store, error)
}

// Runs the interactive prompt until exit, EOF or interrupt on an empty line.
func runShell(d *drum.Driver) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "drumvd> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".drumvd_history"),
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	s := &shell{
		d:     d,
		out:   rl.Stdout(),
		lines: config.Cfg.CacheLines,
		store: workloadStore,
	}

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			}
			continue
		} else if err == io.EOF {
			break
		}

		quit, err := s.exec(line)
		if errors.Is(err, errUsage) {
			fmt.Fprintln(s.out, err)
		} else if err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
		if quit {
			break
		}
	}

	return s.close()
}

// Executes one command line. It returns true when the shell should quit.
func (s *shell) exec(line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}

	args := fields[1:]

	switch strings.ToLower(fields[0]) {
	case "mount":
		return false, s.mount(args)
	case "unmount":
		return false, s.d.Unmount()
	case "read":
		return false, s.read(args)
	case "write":
		return false, s.write(line, args)
	case "load":
		return false, s.transfer(workload.LoadFrom)
	case "save":
		return false, s.transfer(workload.SaveTo)
	case "stats":
		s.stats()
		return false, nil
	case "help":
		fmt.Fprint(s.out, helpText)
		return false, nil
	case "exit", "quit":
		return true, nil
	}

	return false, fmt.Errorf("%w: unknown command %q, try help", errUsage, fields[0])
}

func (s *shell) mount(args []string) error {
	lines := s.lines
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("%w: mount [LINES]", errUsage)
		}
		lines = n
	}

	if err := s.d.Mount(lines); err != nil {
		return err
	}

	fmt.Fprintf(s.out, "mounted with %d cache lines\n", lines)

	return nil
}

func (s *shell) read(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: read ADDR LEN", errUsage)
	}

	addr, err := parseAddress(args[0])
	if err != nil {
		return err
	}

	n, err := strconv.ParseUint(args[1], 0, 32)
	if err != nil {
		return fmt.Errorf("%w: read ADDR LEN", errUsage)
	}
	if n > drum.Capacity {
		return fmt.Errorf("%w: %d bytes", drum.ErrRangeExhausted, n)
	}

	buf := make([]byte, n)
	if err := s.d.Read(addr, buf); err != nil {
		return err
	}

	fmt.Fprint(s.out, hex.Dump(buf))

	return nil
}

// The text is everything after the address, inner spaces included.
func (s *shell) write(line string, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("%w: write ADDR TEXT", errUsage)
	}

	addr, err := parseAddress(args[0])
	if err != nil {
		return err
	}

	rest := strings.TrimSpace(line)
	rest = strings.TrimSpace(rest[strings.Index(rest, args[0])+len(args[0]):])

	if err := s.d.Write(addr, []byte(rest)); err != nil {
		return err
	}

	fmt.Fprintf(s.out, "wrote %d bytes at %v\n", len(rest), addr)

	return nil
}

func (s *shell) transfer(move func(workload.Device, workload.Store) error) error {
	if !s.d.Mounted() {
		return drum.ErrNotMounted
	}

	store, err := s.store()
	if err != nil {
		return err
	}

	return move(s.d, store)
}

func (s *shell) stats() {
	st := s.d.Stats()
	fmt.Fprintf(s.out, "mounted:   %v\nhits:      %d\nmisses:    %d\nevictions: %d\nrequests:  %d\n",
		s.d.Mounted(), st.Hits, st.Misses, st.Evictions, st.Requests)
}

// Unmounts a session left mounted by the user.
func (s *shell) close() error {
	if !s.d.Mounted() {
		return nil
	}

	log.Info().Msg("Unmounting before exit")

	return s.d.Unmount()
}

func parseAddress(s string) (drum.Address, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid address %q", errUsage, s)
	}

	return drum.Address(v), nil
}
