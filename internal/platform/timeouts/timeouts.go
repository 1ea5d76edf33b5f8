// Package timeouts defines shared timeout constants used across the escalator
// process and its tools.
package timeouts

import "time"

// StoreOperation caps a single task store call made by the scheduler,
// recovery sweep or response handler.
const StoreOperation = 5 * time.Second

// GatewayCall is the default budget for one outbound provider request,
// retries included. Exceeding it counts as a dispatch failure.
const GatewayCall = 10 * time.Second

// EventPublish caps a hand-off event write.
const EventPublish = 3 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers wait for in-flight requests during
// graceful shutdown.
const Shutdown = 5 * time.Second
