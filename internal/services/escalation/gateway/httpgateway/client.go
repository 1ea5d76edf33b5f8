// Package httpgateway talks to HTTP delivery providers.
package httpgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/louisbranch/escalator/internal/services/escalation/gateway"
)

const (
	defaultMaxTries        = 3
	defaultInitialInterval = 200 * time.Millisecond
	defaultMaxInterval     = 2 * time.Second
	maxErrorBody           = 512
)

// Config configures one provider endpoint.
type Config struct {
	// URL receives POSTed messages.
	URL string
	// Token is sent as a bearer credential when set.
	Token string
	// MaxTries bounds attempts for retryable failures, first try included.
	MaxTries uint
	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration
	// HTTPClient overrides the default client.
	HTTPClient *http.Client
}

// Client sends gateway messages to one provider.
type Client struct {
	endpoint        string
	token           string
	maxTries        uint
	initialInterval time.Duration
	httpClient      *http.Client
}

// New validates cfg and builds a client.
func New(cfg Config) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.URL)
	if endpoint == "" {
		return nil, errors.New("provider url is required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse provider url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("provider url must be http or https, got %q", parsed.Scheme)
	}
	client := &Client{
		endpoint:        parsed.String(),
		token:           strings.TrimSpace(cfg.Token),
		maxTries:        cfg.MaxTries,
		initialInterval: cfg.InitialInterval,
		httpClient:      cfg.HTTPClient,
	}
	if client.maxTries == 0 {
		client.maxTries = defaultMaxTries
	}
	if client.initialInterval <= 0 {
		client.initialInterval = defaultInitialInterval
	}
	if client.httpClient == nil {
		client.httpClient = &http.Client{}
	}
	return client, nil
}

type sendRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	TaskID         string `json:"task_id"`
	UserID         string `json:"user_id"`
	Title          string `json:"title,omitempty"`
	Stage          string `json:"stage"`
	ScheduledAt    string `json:"scheduled_at"`
}

type sendResponse struct {
	ExternalID string `json:"external_id"`
}

// Send posts msg, retrying retryable failures with exponential backoff until
// ctx expires or the try budget runs out.
func (c *Client) Send(ctx context.Context, msg gateway.Message) (gateway.Receipt, error) {
	body, err := json.Marshal(sendRequest{
		IdempotencyKey: msg.AttemptID,
		TaskID:         msg.TaskID,
		UserID:         msg.UserID,
		Title:          msg.Title,
		Stage:          string(msg.Stage),
		ScheduledAt:    msg.ScheduledAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return gateway.Receipt{}, fmt.Errorf("encode provider request: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initialInterval
	policy.MaxInterval = defaultMaxInterval

	return backoff.Retry(ctx, func() (gateway.Receipt, error) {
		return c.post(ctx, msg.AttemptID, body)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(c.maxTries),
	)
}

func (c *Client) post(ctx context.Context, idempotencyKey string, body []byte) (gateway.Receipt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return gateway.Receipt{}, backoff.Permanent(fmt.Errorf("build provider request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return gateway.Receipt{}, backoff.Permanent(fmt.Errorf("provider request: %w", err))
		}
		return gateway.Receipt{}, fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		providerErr := &gateway.ProviderError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(snippet))}
		if !providerErr.Retryable() {
			return gateway.Receipt{}, backoff.Permanent(providerErr)
		}
		if seconds, ok := retryAfterSeconds(resp.Header.Get("Retry-After")); ok {
			return gateway.Receipt{}, errors.Join(providerErr, backoff.RetryAfter(seconds))
		}
		return gateway.Receipt{}, providerErr
	}

	var decoded sendResponse
	if resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&decoded); err != nil && !errors.Is(err, io.EOF) {
			return gateway.Receipt{}, backoff.Permanent(fmt.Errorf("decode provider response: %w", err))
		}
	}
	return gateway.Receipt{ExternalID: strings.TrimSpace(decoded.ExternalID)}, nil
}

func retryAfterSeconds(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 {
		return 0, false
	}
	return seconds, true
}

var _ gateway.Sender = (*Client)(nil)
