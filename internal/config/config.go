// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"flag"
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	defaultConfig = "/etc/drumvd/config.toml"

	// Command run when none is given on the command line.
	defaultCommand = "shell"
)

// Commands accepted as the first positional argument.
var Commands = []string{"shell", "load", "save", "serve"}

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	// Command selected by the first positional argument.
	Command string

	Null        bool `toml:"null" env:"DRUMVD_NULL" env-default:"false" env-description:"Use null array, i.e. immediate acknowledge of every request without storing anything. For measuring driver overhead."`
	CacheLines  int  `toml:"cache_lines" env:"DRUMVD_CACHE_LINES" env-default:"64" env-description:"Number of blocks kept in the cache."`
	TrackCursor bool `toml:"track_cursor" env:"DRUMVD_TRACK_CURSOR" env-default:"true" env-description:"Skip seeks when the array cursor is already in place."`

	Remote struct {
		Address string `toml:"address" env:"DRUMVD_REMOTE_ADDRESS" env-description:"Drum array address." env-default:"127.0.0.1"`
		Port    int    `toml:"port" env:"DRUMVD_REMOTE_PORT" env-description:"Drum array port." env-default:"19876"`
	} `toml:"remote"`

	Workload struct {
		Backend  string `toml:"backend" env:"DRUMVD_WORKLOAD_BACKEND" env-description:"Where the workload image is stored. Either file or s3." env-default:"file"`
		Path     string `toml:"path" env:"DRUMVD_WORKLOAD_PATH" env-description:"Workload image file, or object key for s3 backend." env-default:"smsa_data.dat"`
		Compress bool   `toml:"compress" env:"DRUMVD_WORKLOAD_COMPRESS" env-description:"Compress the image with zstd. Only for s3 backend." env-default:"false"`
	} `toml:"workload"`

	S3 struct {
		Bucket    string `toml:"bucket" env:"DRUMVD_S3_BUCKET" env-description:"S3 Bucket name." env-default:"drumvd"`
		Remote    string `toml:"remote" env:"DRUMVD_S3_REMOTE" env-description:"S3 Remote address. Empty string for AWS S3 endpoint." env-default:""`
		Region    string `toml:"region" env:"DRUMVD_S3_REGION" env-description:"S3 Region." env-default:"us-east-1"`
		AccessKey string `toml:"access_key" env:"DRUMVD_S3_ACCESSKEY" env-description:"S3 Access Key." env-default:""`
		SecretKey string `toml:"secret_key" env:"DRUMVD_S3_SECRETKEY" env-description:"S3 Secret Key." env-default:""`
	} `toml:"s3"`

	Log struct {
		Level  int  `toml:"level" env:"DRUMVD_LOG_LEVEL" env-description:"Log level." env-default:"1"`
		Pretty bool `toml:"pretty" env:"DRUMVD_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Profiler     bool `toml:"profiler" env:"DRUMVD_PROFILER" env-description:"Enable golang web profiler." env-default:"false"`
	ProfilerPort int  `toml:"profiler_port" env:"DRUMVD_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`
}

// Configure reads commandline flags and handles the configuration. The
// configuration file has the lower priotiry and the environment variables have
// the highest priority. It is perfetcly to fine to use just one of these or to
// combine them.
func Configure() error {
	flagSetup(os.Args[1:])
	err := parse()

	return err
}

// Parse the configuration file and reads the environment variable. After that
// it does some values postprocessing and fills the Cfg structure.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	if Cfg.CacheLines <= 0 {
		return fmt.Errorf("cache_lines must be positive, got %d", Cfg.CacheLines)
	}

	if Cfg.Workload.Backend != "file" && Cfg.Workload.Backend != "s3" {
		return fmt.Errorf("unknown workload backend %q", Cfg.Workload.Backend)
	}

	if !validCommand(Cfg.Command) {
		return fmt.Errorf("unknown command %q, expected one of %v", Cfg.Command, Commands)
	}

	return nil
}

func validCommand(cmd string) bool {
	for _, c := range Commands {
		if c == cmd {
			return true
		}
	}

	return false
}

// Handle program flags and the positional command.
func flagSetup(args []string) {
	f := flag.NewFlagSet("drumvd", flag.ExitOnError)
	f.StringVar(&Cfg.ConfigPath, "c", defaultConfig, "Path to configuration file")
	f.Usage = cleanenv.FUsage(f.Output(), &Cfg, nil, f.Usage)
	f.Parse(args)

	Cfg.Command = defaultCommand
	if f.NArg() > 0 {
		Cfg.Command = f.Arg(0)
	}
}
