// Package escalator parses escalator command flags and launches the runtime.
package escalator

import (
	"context"
	"flag"
	"fmt"
	"time"

	entrypoint "github.com/louisbranch/escalator/internal/platform/cmd"
	platformgrpc "github.com/louisbranch/escalator/internal/platform/grpc"
	escalationapp "github.com/louisbranch/escalator/internal/services/escalation/app"
	"github.com/louisbranch/escalator/internal/services/escalation/domain"
	"github.com/louisbranch/escalator/internal/services/escalation/events"
)

// Config holds escalator command configuration.
type Config struct {
	Port     int    `env:"ESCALATOR_PORT" envDefault:"8095"`
	HTTPAddr string `env:"ESCALATOR_HTTP_ADDR" envDefault:":8096"`
	DBPath   string `env:"ESCALATOR_DB_PATH" envDefault:"data/escalator.db"`

	LeadTime     time.Duration `env:"ESCALATOR_LEAD_TIME" envDefault:"0s"`
	UrgentWindow time.Duration `env:"ESCALATOR_URGENT_WINDOW" envDefault:"10m"`
	CallWindow   time.Duration `env:"ESCALATOR_CALL_WINDOW" envDefault:"10m"`
	MissWindow   time.Duration `env:"ESCALATOR_MISS_WINDOW" envDefault:"10m"`
	SkipStages   string        `env:"ESCALATOR_SKIP_STAGES"`

	PollInterval        time.Duration `env:"ESCALATOR_POLL_INTERVAL" envDefault:"20s"`
	BatchSize           int           `env:"ESCALATOR_BATCH_SIZE" envDefault:"50"`
	Workers             int           `env:"ESCALATOR_WORKERS" envDefault:"8"`
	GatewayTimeout      time.Duration `env:"ESCALATOR_GATEWAY_TIMEOUT" envDefault:"10s"`
	GatewayMaxTries     uint          `env:"ESCALATOR_GATEWAY_MAX_TRIES" envDefault:"3"`
	StaleAfter          time.Duration `env:"ESCALATOR_STALE_AFTER" envDefault:"5m"`
	RecoveryInterval    time.Duration `env:"ESCALATOR_RECOVERY_INTERVAL" envDefault:"1m"`
	MaxRecoveryAttempts int           `env:"ESCALATOR_MAX_RECOVERY_ATTEMPTS" envDefault:"5"`

	PushURL     string `env:"ESCALATOR_PUSH_URL"`
	PushToken   string `env:"ESCALATOR_PUSH_TOKEN"`
	UrgentURL   string `env:"ESCALATOR_URGENT_URL"`
	UrgentToken string `env:"ESCALATOR_URGENT_TOKEN"`
	CallURL     string `env:"ESCALATOR_CALL_URL"`
	CallToken   string `env:"ESCALATOR_CALL_TOKEN"`

	KafkaBrokers string `env:"ESCALATOR_KAFKA_BROKERS"`
	KafkaTopic   string `env:"ESCALATOR_KAFKA_TOPIC" envDefault:"escalation.transitions"`

	WebhookKey      string `env:"ESCALATOR_WEBHOOK_HMAC_KEY"`
	WebhookIssuer   string `env:"ESCALATOR_WEBHOOK_ISSUER"`
	WebhookAudience string `env:"ESCALATOR_WEBHOOK_AUDIENCE" envDefault:"escalator"`

	// HealthCheck checks a running escalator on Port and exits.
	HealthCheck bool
}

const healthCheckTimeout = 3 * time.Second

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The escalator health gRPC server port")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "The provider callback HTTP address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The escalator SQLite database path")
	fs.DurationVar(&cfg.LeadTime, "lead-time", cfg.LeadTime, "How long before scheduled time the reminder fires")
	fs.DurationVar(&cfg.UrgentWindow, "urgent-window", cfg.UrgentWindow, "Wait after the reminder before the urgent message")
	fs.DurationVar(&cfg.CallWindow, "call-window", cfg.CallWindow, "Wait after the urgent message before the call")
	fs.DurationVar(&cfg.MissWindow, "miss-window", cfg.MissWindow, "Wait after the call before marking the task missed")
	fs.StringVar(&cfg.SkipStages, "skip-stages", cfg.SkipStages, "Comma-separated stages to skip (reminder,urgent,call)")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Scheduler poll interval")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Maximum tasks per stage per tick")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Concurrent dispatches per stage")
	fs.DurationVar(&cfg.GatewayTimeout, "gateway-timeout", cfg.GatewayTimeout, "Budget for one gateway call, retries included")
	fs.UintVar(&cfg.GatewayMaxTries, "gateway-max-tries", cfg.GatewayMaxTries, "Attempts per gateway call for retryable failures")
	fs.DurationVar(&cfg.StaleAfter, "stale-after", cfg.StaleAfter, "Age at which a pending attempt is recovered")
	fs.DurationVar(&cfg.RecoveryInterval, "recovery-interval", cfg.RecoveryInterval, "Recovery sweep interval")
	fs.IntVar(&cfg.MaxRecoveryAttempts, "max-recovery-attempts", cfg.MaxRecoveryAttempts, "Recoveries before an attempt is marked failed")
	fs.StringVar(&cfg.KafkaBrokers, "kafka-brokers", cfg.KafkaBrokers, "Comma-separated Kafka brokers for transition events")
	fs.StringVar(&cfg.KafkaTopic, "kafka-topic", cfg.KafkaTopic, "Kafka topic for transition events")
	fs.BoolVar(&cfg.HealthCheck, "healthcheck", false, "Check the scheduler health of a running escalator and exit")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if _, err := cfg.policy(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) policy() (domain.Policy, error) {
	policy := domain.Policy{
		LeadTime:     cfg.LeadTime,
		UrgentWindow: cfg.UrgentWindow,
		CallWindow:   cfg.CallWindow,
		MissWindow:   cfg.MissWindow,
	}
	for _, raw := range events.SplitCSV(cfg.SkipStages) {
		stage, err := domain.ParseStage(raw)
		if err != nil {
			return domain.Policy{}, fmt.Errorf("skip stages: %w", err)
		}
		if policy.Disabled == nil {
			policy.Disabled = map[domain.Stage]bool{}
		}
		policy.Disabled[stage] = true
	}
	if err := policy.Validate(); err != nil {
		return domain.Policy{}, err
	}
	return policy, nil
}

// Run starts the escalator runtime, or checks one when HealthCheck is set.
func Run(ctx context.Context, cfg Config) error {
	if cfg.HealthCheck {
		addr := fmt.Sprintf("127.0.0.1:%d", cfg.Port)
		return platformgrpc.CheckServing(ctx, addr, escalationapp.SchedulerHealthService, healthCheckTimeout)
	}
	policy, err := cfg.policy()
	if err != nil {
		return err
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceEscalator, func(ctx context.Context) error {
		return escalationapp.Run(ctx, escalationapp.RuntimeConfig{
			Port:            cfg.Port,
			HTTPAddr:        cfg.HTTPAddr,
			DBPath:          cfg.DBPath,
			Push:            escalationapp.GatewayEndpoint{URL: cfg.PushURL, Token: cfg.PushToken},
			Urgent:          escalationapp.GatewayEndpoint{URL: cfg.UrgentURL, Token: cfg.UrgentToken},
			Call:            escalationapp.GatewayEndpoint{URL: cfg.CallURL, Token: cfg.CallToken},
			GatewayMaxTries: cfg.GatewayMaxTries,
			KafkaBrokers:    cfg.KafkaBrokers,
			KafkaTopic:      cfg.KafkaTopic,
			WebhookKey:      cfg.WebhookKey,
			WebhookIssuer:   cfg.WebhookIssuer,
			WebhookAudience: cfg.WebhookAudience,
			Loop: escalationapp.Config{
				Policy:              policy,
				PollInterval:        cfg.PollInterval,
				BatchSize:           cfg.BatchSize,
				Workers:             cfg.Workers,
				GatewayTimeout:      cfg.GatewayTimeout,
				StaleAfter:          cfg.StaleAfter,
				RecoveryInterval:    cfg.RecoveryInterval,
				MaxRecoveryAttempts: cfg.MaxRecoveryAttempts,
			},
		})
	})
}
