package main

import (
	"flag"

	"github.com/matst80/airfire/internal/config"
)

var (
	cfg        = config.Default()
	configPath string
)

// init registers flags into the global flag set. main parses them and
// resolves the effective configuration against the optional TOML file.
func init() {
	cfg.RegisterFlags(flag.CommandLine)
	flag.StringVar(&configPath, "config", "", "TOML config file; explicitly set flags override it")
}
