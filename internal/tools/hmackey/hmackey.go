// Package hmackey generates webhook callback signing keys.
package hmackey

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
)

const (
	defaultEnvName = "ESCALATOR_WEBHOOK_HMAC_KEY"
	// minKeyBytes matches the shortest key the callback verifier accepts.
	minKeyBytes = 32
)

// Config holds configuration for signing key generation.
type Config struct {
	Bytes   int
	EnvName string
	// Raw prints only the hex key, for piping into secret stores.
	Raw bool
	// Check validates the key already stored in EnvName instead of
	// generating one.
	Check bool
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{Bytes: minKeyBytes, EnvName: defaultEnvName}
	fs.IntVar(&cfg.Bytes, "bytes", cfg.Bytes, "number of random bytes (minimum 32)")
	fs.StringVar(&cfg.EnvName, "env", cfg.EnvName, "environment variable name to print")
	fs.BoolVar(&cfg.Raw, "raw", cfg.Raw, "print only the hex key")
	fs.BoolVar(&cfg.Check, "check", cfg.Check, "validate the key in -env instead of generating one")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run generates the key and writes it to out.
func Run(cfg Config, out io.Writer, reader io.Reader) error {
	if cfg.Bytes < minKeyBytes {
		return fmt.Errorf("bytes must be at least %d", minKeyBytes)
	}
	if out == nil {
		return errors.New("output is required")
	}
	envName := strings.TrimSpace(cfg.EnvName)
	if envName == "" && !cfg.Raw {
		return errors.New("env name is required")
	}
	if reader == nil {
		reader = rand.Reader
	}

	buf := make([]byte, cfg.Bytes)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return fmt.Errorf("generate random bytes: %w", err)
	}
	key := hex.EncodeToString(buf)
	if cfg.Raw {
		_, err := fmt.Fprintln(out, key)
		return err
	}
	_, err := fmt.Fprintf(out, "%s=%s\n", envName, key)
	return err
}

// RunCheck validates the key that lookup returns for cfg.EnvName and reports
// its size on out.
func RunCheck(cfg Config, lookup func(string) string, out io.Writer) error {
	envName := strings.TrimSpace(cfg.EnvName)
	if envName == "" {
		return errors.New("env name is required")
	}
	if lookup == nil || out == nil {
		return errors.New("lookup and output are required")
	}
	size, err := CheckKey(lookup(envName))
	if err != nil {
		return fmt.Errorf("%s: %w", envName, err)
	}
	_, err = fmt.Fprintf(out, "%s ok (%d bytes)\n", envName, size)
	return err
}

// CheckKey decodes a hex signing key and returns its length in bytes.
func CheckKey(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("key is not set")
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return 0, fmt.Errorf("decode key: %w", err)
	}
	if len(key) < minKeyBytes {
		return 0, fmt.Errorf("key has %d bytes, need at least %d", len(key), minKeyBytes)
	}
	return len(key), nil
}
