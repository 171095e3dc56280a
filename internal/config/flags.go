package config

import (
	"fmt"
	"os"
	"path/filepath"

	flags "github.com/jessevdk/go-flags"
)

// Version is stamped at build time via -ldflags; left as a plain var
// rather than importing a debug/vcs dependency for something this small.
var Version = "dev"

// Options is the command-line surface, using jessevdk/go-flags struct
// tags.
type Options struct {
	ConfigFile  string `short:"c" long:"config" description:"Path to config.json" default:""`
	TestConfig  bool   `long:"test-config" description:"Load and validate the config file, print the result, and exit"`
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
}

// ParseArgsAndLoad parses argv, handling --version and --help by printing
// and exiting before touching the filesystem, then loads the config file
// the options point at: either the explicit --config path, or the default
// executable-relative location. When --test-config is set, it loads,
// validates, prints a human-readable summary, and exits 0 (or a non-zero
// status with the validation error on stderr).
func ParseArgsAndLoad(args []string) (*Config, error) {
	var opts Options
	parser := flags.NewParser(&opts, flags.Default)
	_, err := parser.ParseArgs(args)
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			os.Exit(0)
		}
		return nil, fmt.Errorf("config: parse args: %w", err)
	}

	if opts.ShowVersion {
		appName := filepath.Base(os.Args[0])
		fmt.Printf("%s version %s\n", appName, Version)
		os.Exit(0)
	}

	var cfg *Config
	if opts.ConfigFile != "" {
		cfg, err = LoadFrom(opts.ConfigFile)
	} else {
		cfg, err = Load()
	}
	if err != nil {
		return nil, err
	}

	if opts.TestConfig {
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("config OK: %s\n", cfg.Path())
		os.Exit(0)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}
