// Package maintenance inspects and repairs the escalation dispatch ledger.
package maintenance

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/escalator/internal/platform/config"
	"github.com/louisbranch/escalator/internal/services/escalation/storage/sqlite"
)

// Config holds maintenance command configuration.
type Config struct {
	DBPath             string
	Timeout            time.Duration
	JSONOutput         bool
	LedgerReport       bool
	LedgerStatus       string
	LedgerLimit        int
	RequeueFailed      bool
	AttemptID          string
	RequeueFailedBatch int
}

type envConfig struct {
	DBPath  string        `env:"DB_PATH"`
	Timeout time.Duration `env:"MAINTENANCE_TIMEOUT" envDefault:"2m"`
}

// ParseConfig parses environment defaults and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var envCfg envConfig
	if err := config.ParseEnvWithPrefix(&envCfg, "ESCALATOR_"); err != nil {
		return Config{}, err
	}

	cfg := Config{
		DBPath:      envCfg.DBPath,
		Timeout:     envCfg.Timeout,
		LedgerLimit: 50,
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join("data", "escalator.db")
	}

	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "path to escalator sqlite database (default: ESCALATOR_DB_PATH or data/escalator.db)")
	fs.BoolVar(&cfg.JSONOutput, "json", false, "output JSON reports")
	fs.BoolVar(&cfg.LedgerReport, "ledger-report", false, "report dispatch ledger depth and rows")
	fs.StringVar(&cfg.LedgerStatus, "status", "", "optional attempt status filter (pending|dispatched|failed)")
	fs.IntVar(&cfg.LedgerLimit, "limit", cfg.LedgerLimit, "max ledger rows to print")
	fs.BoolVar(&cfg.RequeueFailed, "requeue-failed", false, "requeue one failed attempt (requires -attempt-id)")
	fs.StringVar(&cfg.AttemptID, "attempt-id", "", "attempt id for -requeue-failed")
	fs.IntVar(&cfg.RequeueFailedBatch, "requeue-failed-batch", 0, "requeue up to N of the oldest failed attempts")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run executes the maintenance command.
func Run(ctx context.Context, cfg Config, out io.Writer, errOut io.Writer) error {
	if err := validate(cfg); err != nil {
		return err
	}
	store, err := openLedger(cfg.DBPath)
	if err != nil {
		return err
	}
	return runWithLedger(ctx, cfg, store, time.Now().UTC(), out, errOut)
}

func validate(cfg Config) error {
	modes := 0
	for _, on := range []bool{cfg.LedgerReport, cfg.RequeueFailed, cfg.RequeueFailedBatch != 0} {
		if on {
			modes++
		}
	}
	switch {
	case modes == 0:
		return errors.New("one of -ledger-report, -requeue-failed or -requeue-failed-batch is required")
	case modes > 1:
		return errors.New("-ledger-report, -requeue-failed and -requeue-failed-batch are mutually exclusive")
	}
	if cfg.RequeueFailed && strings.TrimSpace(cfg.AttemptID) == "" {
		return errors.New("-attempt-id is required with -requeue-failed")
	}
	if !cfg.RequeueFailed && strings.TrimSpace(cfg.AttemptID) != "" {
		return errors.New("-attempt-id is only valid with -requeue-failed")
	}
	if cfg.RequeueFailedBatch < 0 {
		return errors.New("-requeue-failed-batch must be > 0")
	}
	if cfg.LedgerReport && cfg.LedgerLimit <= 0 {
		return errors.New("-limit must be > 0")
	}
	return nil
}

// runWithLedger dispatches to the selected mode and closes store.
func runWithLedger(ctx context.Context, cfg Config, store closableLedger, now time.Time, out io.Writer, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			fmt.Fprintf(errOut, "Error: close store: %v\n", closeErr)
		}
	}()

	switch {
	case cfg.LedgerReport:
		return runLedgerReport(ctx, store, cfg.LedgerStatus, cfg.LedgerLimit, cfg.JSONOutput, out)
	case cfg.RequeueFailed:
		return runRequeueFailed(ctx, store, cfg.AttemptID, now, cfg.JSONOutput, out)
	default:
		return runRequeueFailedBatch(ctx, store, cfg.RequeueFailedBatch, now, cfg.JSONOutput, out)
	}
}

func openLedger(path string) (*sqlite.Store, error) {
	cleanPath := filepath.Clean(strings.TrimSpace(path))
	if cleanPath == "." || cleanPath == "" {
		return nil, fmt.Errorf("db path is required")
	}
	store, err := sqlite.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("open escalator store: %w", err)
	}
	return store, nil
}
