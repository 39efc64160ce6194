// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// drumvd presents a remote drum array as a flat 1 MiB virtual address space.
// The array is reachable only through its request/response protocol and
// knows nothing but 256 byte blocks on 16 drums. drumvd splits byte ranges
// into block operations and keeps recently used blocks in an LRU cache to
// save round trips.
//
// Project structure is following:
//
// - internal/drum contains the virtual driver, i.e. the session object
// with mount, unmount, read and write. Its subpackages are the block cache
// (internal/drum/cache), the wire format (internal/drum/wire) and the
// protocol client (internal/drum/client).
//
// - internal/emulator contains an in-memory drum array used by tests and
// by the serve command.
//
// - internal/null contains trivial implementation of the array which does
// nothing but correctly. It can be used for benchmarking the driver without
// any network.
//
// - internal/workload moves the whole array content from and to a workload
// image stored in a file or in S3.
//
// - internal/config contains configuration package which is common for all
// the commands.
package main

import (
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asch/drumvd/internal/config"
	"github.com/asch/drumvd/internal/drum"
	"github.com/asch/drumvd/internal/emulator"
	"github.com/asch/drumvd/internal/workload"
)

// Parse configuration from file and environment variables and run the
// selected command.
func main() {
	err := config.Configure()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	if config.Cfg.Profiler {
		runProfiler(config.Cfg.ProfilerPort)
	}

	switch config.Cfg.Command {
	case "serve":
		err = serve()
	case "load":
		err = transfer(workload.LoadFrom)
	case "save":
		err = transfer(workload.SaveTo)
	default:
		err = runShell(drum.NewWithDefaults())
	}

	if err != nil {
		log.Panic().Err(err).Send()
	}
}

// Returns the store selected by the configuration.
func workloadStore() (workload.Store, error) {
	if config.Cfg.Workload.Backend == "s3" {
		return workload.NewS3(workload.S3Options{
			Remote:    config.Cfg.S3.Remote,
			Region:    config.Cfg.S3.Region,
			Bucket:    config.Cfg.S3.Bucket,
			AccessKey: config.Cfg.S3.AccessKey,
			SecretKey: config.Cfg.S3.SecretKey,
			Key:       config.Cfg.Workload.Path,
			Compress:  config.Cfg.Workload.Compress,
		})
	}

	return workload.FileStore{Path: config.Cfg.Workload.Path}, nil
}

// Mounts the array, moves the workload image in the direction given by
// move and unmounts.
func transfer(move func(workload.Device, workload.Store) error) error {
	store, err := workloadStore()
	if err != nil {
		return err
	}

	d := drum.NewWithDefaults()
	if err := d.Mount(config.Cfg.CacheLines); err != nil {
		return err
	}

	err = move(d, store)

	if uerr := d.Unmount(); err == nil {
		err = uerr
	}

	return err
}

// Runs the emulated array on the configured endpoint until SIGINT or
// SIGTERM.
func serve() error {
	address := net.JoinHostPort(config.Cfg.Remote.Address, strconv.Itoa(config.Cfg.Remote.Port))
	l, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}

	log.Info().Msgf("Emulated drum array listening on %s", address)

	registerSigHandlers(l)

	err = emulator.New().Serve(l)
	log.Info().Err(err).Msg("Emulated drum array stopped")

	return nil
}

// Register handler for graceful stop when SIGINT or SIGTERM came in.
func registerSigHandlers(l net.Listener) {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	go func() {
		<-stopChan
		log.Info().Msgf("Received interrupt, closing %s", l.Addr())
		l.Close()
	}()
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support. Useful for perfomance debugging.
func runProfiler(port int) {
	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}
