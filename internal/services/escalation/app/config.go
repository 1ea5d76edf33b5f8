package app

import (
	"fmt"
	"time"

	"github.com/louisbranch/escalator/internal/platform/timeouts"
	"github.com/louisbranch/escalator/internal/services/escalation/domain"
)

const (
	defaultPollInterval        = 20 * time.Second
	defaultBatchSize           = 50
	defaultWorkers             = 8
	defaultStaleAfter          = 5 * time.Minute
	defaultRecoveryInterval    = time.Minute
	defaultMaxRecoveryAttempts = 5
)

// Config controls the escalation loops.
type Config struct {
	Policy       domain.Policy
	PollInterval time.Duration
	// BatchSize bounds each due-query and each recovery page.
	BatchSize int
	// Workers bounds concurrent dispatches per stage within one tick.
	Workers        int
	GatewayTimeout time.Duration
	// StaleAfter is how old a pending attempt must be before recovery
	// assumes its dispatcher died.
	StaleAfter          time.Duration
	RecoveryInterval    time.Duration
	MaxRecoveryAttempts int
}

func (c Config) normalized() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.GatewayTimeout <= 0 {
		c.GatewayTimeout = timeouts.GatewayCall
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = defaultStaleAfter
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = defaultRecoveryInterval
	}
	if c.MaxRecoveryAttempts <= 0 {
		c.MaxRecoveryAttempts = defaultMaxRecoveryAttempts
	}
	return c
}

// Validate rejects configurations the loops cannot honor.
func (c Config) Validate() error {
	if err := c.Policy.Validate(); err != nil {
		return err
	}
	n := c.normalized()
	if n.StaleAfter <= n.GatewayTimeout {
		return fmt.Errorf("stale threshold %s must exceed gateway timeout %s", n.StaleAfter, n.GatewayTimeout)
	}
	return nil
}
