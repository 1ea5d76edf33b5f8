// Package main prints a fresh webhook callback signing key, or checks the one
// the escalator is configured with.
package main

import (
	"flag"
	"os"

	"github.com/louisbranch/escalator/internal/platform/config"
	"github.com/louisbranch/escalator/internal/tools/hmackey"
)

func main() {
	cfg, err := hmackey.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	if cfg.Check {
		if err := config.LoadDotEnv(); err != nil {
			config.Exitf("load env: %v", err)
		}
		if err := hmackey.RunCheck(cfg, os.Getenv, os.Stdout); err != nil {
			config.Exitf("check key: %v", err)
		}
		return
	}
	if err := hmackey.Run(cfg, os.Stdout, nil); err != nil {
		config.Exitf("generate key: %v", err)
	}
}
