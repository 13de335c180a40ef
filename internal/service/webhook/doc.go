// Package webhook delivers terminal job events to registered endpoints.
//
// Delivery is at-least-once. Each event bound for an endpoint becomes a
// durable delivery row that is retried on a fixed schedule until it is
// accepted or hits the attempt ceiling, at which point it is written to the
// dead-letter store exactly once and left for an admin replay. Receivers
// deduplicate on the delivery id carried in the payload and headers.
//
// This path is separate from live progress streaming on purpose: progress
// is fire-and-forget, webhooks are not.
package webhook
