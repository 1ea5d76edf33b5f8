package app

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	platformgrpc "github.com/louisbranch/escalator/internal/platform/grpc"
	"github.com/louisbranch/escalator/internal/platform/timeouts"
	"github.com/louisbranch/escalator/internal/services/escalation/api/webhook"
	"github.com/louisbranch/escalator/internal/services/escalation/events"
	"github.com/louisbranch/escalator/internal/services/escalation/gateway"
	"github.com/louisbranch/escalator/internal/services/escalation/gateway/httpgateway"
	"github.com/louisbranch/escalator/internal/services/escalation/storage/sqlite"
)

// GatewayEndpoint configures one outbound provider.
type GatewayEndpoint struct {
	URL   string
	Token string
}

// RuntimeConfig controls escalator startup, dependencies and loop behavior.
type RuntimeConfig struct {
	// Port serves the gRPC health endpoint.
	Port     int
	HTTPAddr string
	DBPath   string

	Push            GatewayEndpoint
	Urgent          GatewayEndpoint
	Call            GatewayEndpoint
	GatewayMaxTries uint

	KafkaBrokers string
	KafkaTopic   string

	// WebhookKey is the hex-encoded HS256 callback signing key.
	WebhookKey      string
	WebhookIssuer   string
	WebhookAudience string

	Loop Config
}

const (
	defaultEscalatorPort     = 8095
	defaultEscalatorHTTPAddr = ":8096"
	defaultEscalatorDB       = "data/escalator.db"
	defaultWebhookAudience   = "escalator"
)

// SchedulerHealthService reports SERVING while the escalation loops run.
const SchedulerHealthService = "escalation.scheduler"

// Run opens the store, starts the callback server and the health server, and
// runs the engine until ctx is done.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg = cfg.normalized()
	key, err := decodeWebhookKey(cfg.WebhookKey)
	if err != nil {
		return err
	}
	if err := cfg.Loop.Validate(); err != nil {
		return fmt.Errorf("escalator config: %w", err)
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create escalator storage dir: %w", err)
		}
	}
	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open escalator sqlite store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("close escalator sqlite store: %v", closeErr)
		}
	}()

	gateways, err := buildGateways(cfg)
	if err != nil {
		return err
	}
	publisher, closePublisher, err := buildPublisher(cfg)
	if err != nil {
		return err
	}
	defer closePublisher()

	engine, err := NewEngine(cfg.Loop, Deps{
		Store:     store,
		Gateways:  gateways,
		Publisher: publisher,
		Logf:      log.Printf,
	})
	if err != nil {
		return err
	}

	verifier, err := webhook.NewVerifier(webhook.VerifierConfig{
		Key:      key,
		Issuer:   cfg.WebhookIssuer,
		Audience: cfg.WebhookAudience,
	})
	if err != nil {
		return fmt.Errorf("webhook verifier: %w", err)
	}
	router, err := webhook.NewRouter(engine.Responder(), verifier, log.Printf)
	if err != nil {
		return err
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen on callback address %s: %w", cfg.HTTPAddr, err)
	}
	httpServer := &http.Server{Handler: router, ReadHeaderTimeout: timeouts.ReadHeader}
	httpErr := make(chan error, 1)
	go func() {
		httpErr <- httpServer.Serve(httpListener)
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown callback server: %v", err)
		}
		if err := <-httpErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("callback server: %v", err)
		}
	}()

	healthListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on escalator port %d: %w", cfg.Port, err)
	}

	healthServer := platformgrpc.ServeHealth(healthListener, SchedulerHealthService)
	defer healthServer.Stop()

	log.Printf("escalator health listening at %v, callbacks at %v", healthListener.Addr(), httpListener.Addr())
	err = engine.Start(ctx, func() {
		healthServer.SetServing(SchedulerHealthService, true)
	})
	healthServer.SetServing(SchedulerHealthService, false)
	return err
}

func (cfg RuntimeConfig) normalized() RuntimeConfig {
	if cfg.Port <= 0 {
		cfg.Port = defaultEscalatorPort
	}
	if strings.TrimSpace(cfg.HTTPAddr) == "" {
		cfg.HTTPAddr = defaultEscalatorHTTPAddr
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultEscalatorDB
	}
	if strings.TrimSpace(cfg.WebhookAudience) == "" {
		cfg.WebhookAudience = defaultWebhookAudience
	}
	return cfg
}

func decodeWebhookKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("webhook signing key is required")
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode webhook signing key: %w", err)
	}
	return key, nil
}

// buildGateways creates one HTTP sender per configured endpoint. Channels
// without a URL stay nil, and their dispatches fail with gateway.ErrNoGateway.
func buildGateways(cfg RuntimeConfig) (gateway.Set, error) {
	var set gateway.Set
	for _, entry := range []struct {
		name     string
		endpoint GatewayEndpoint
		target   *gateway.Sender
	}{
		{name: "push", endpoint: cfg.Push, target: &set.Push},
		{name: "urgent", endpoint: cfg.Urgent, target: &set.Urgent},
		{name: "call", endpoint: cfg.Call, target: &set.Call},
	} {
		if strings.TrimSpace(entry.endpoint.URL) == "" {
			log.Printf("no %s gateway configured; %s dispatches will fail", entry.name, entry.name)
			continue
		}
		client, err := httpgateway.New(httpgateway.Config{
			URL:      entry.endpoint.URL,
			Token:    entry.endpoint.Token,
			MaxTries: cfg.GatewayMaxTries,
		})
		if err != nil {
			return gateway.Set{}, fmt.Errorf("%s gateway: %w", entry.name, err)
		}
		*entry.target = client
	}
	return set, nil
}

// buildPublisher returns the Kafka publisher when brokers are configured and
// the log publisher otherwise.
func buildPublisher(cfg RuntimeConfig) (events.Publisher, func(), error) {
	if len(events.SplitCSV(cfg.KafkaBrokers)) == 0 {
		return events.LogPublisher{Logf: log.Printf}, func() {}, nil
	}
	publisher, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka publisher: %w", err)
	}
	return publisher, func() {
		if err := publisher.Close(); err != nil {
			log.Printf("close kafka publisher: %v", err)
		}
	}, nil
}
