package domain

import (
	"encoding/json"
	"time"
)

// WebhookEvent names a terminal job event delivered to endpoints.
type WebhookEvent string

const (
	EventJobCompleted WebhookEvent = "job.completed"
	EventJobFailed    WebhookEvent = "job.failed"
	EventJobCancelled WebhookEvent = "job.cancelled"

	// EventAll subscribes an endpoint to every event.
	EventAll WebhookEvent = "all"
)

// WebhookEndpoint is an externally registered receiver for an owner's job events.
type WebhookEndpoint struct {
	ID             string     `json:"id" db:"id"`
	OwnerID        string     `json:"owner_id" db:"owner_id"`
	URL            string     `json:"url" db:"url"`
	Secret         string     `json:"-" db:"secret"`
	Events         []string   `json:"events" db:"events"`
	Active         bool       `json:"active" db:"active"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	LastSuccessAt  *time.Time `json:"last_success_at,omitempty" db:"last_success_at"`
	LastFailureAt  *time.Time `json:"last_failure_at,omitempty" db:"last_failure_at"`
	LastStatusCode int        `json:"last_status_code,omitempty" db:"last_status_code"`
}

// Subscribes reports whether the endpoint wants the given event. An empty
// filter means every event.
func (e WebhookEndpoint) Subscribes(event WebhookEvent) bool {
	if !e.Active {
		return false
	}
	if len(e.Events) == 0 {
		return true
	}
	for _, ev := range e.Events {
		if WebhookEvent(ev) == EventAll || WebhookEvent(ev) == event {
			return true
		}
	}
	return false
}

// DeliveryState is the state of one webhook delivery.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryDead      DeliveryState = "dead"
)

// WebhookDelivery is one event bound for one endpoint, retried until it is
// delivered or dead-lettered. The ID doubles as the delivery id receivers
// use for deduplication.
type WebhookDelivery struct {
	ID             string          `json:"id" db:"id"`
	EndpointID     string          `json:"endpoint_id" db:"endpoint_id"`
	OwnerID        string          `json:"owner_id" db:"owner_id"`
	JobID          string          `json:"job_id" db:"job_id"`
	URL            string          `json:"url" db:"url"`
	Event          WebhookEvent    `json:"event" db:"event"`
	Payload        json.RawMessage `json:"payload" db:"payload"`
	Attempts       int             `json:"attempts" db:"attempts"`
	NextAttemptAt  time.Time       `json:"next_attempt_at" db:"next_attempt_at"`
	State          DeliveryState   `json:"state" db:"state"`
	LastError      string          `json:"last_error,omitempty" db:"last_error"`
	LastStatusCode int             `json:"last_status_code,omitempty" db:"last_status_code"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty" db:"delivered_at"`
}

// DeadLetter is a delivery that exhausted its retries. There is at most one
// dead letter per delivery id.
type DeadLetter struct {
	DeliveryID     string          `json:"delivery_id" db:"delivery_id"`
	EndpointID     string          `json:"endpoint_id" db:"endpoint_id"`
	OwnerID        string          `json:"owner_id" db:"owner_id"`
	JobID          string          `json:"job_id" db:"job_id"`
	URL            string          `json:"url" db:"url"`
	Event          WebhookEvent    `json:"event" db:"event"`
	Payload        json.RawMessage `json:"payload" db:"payload"`
	Attempts       int             `json:"attempts" db:"attempts"`
	LastError      string          `json:"last_error" db:"last_error"`
	LastStatusCode int             `json:"last_status_code,omitempty" db:"last_status_code"`
	DeadAt         time.Time       `json:"dead_at" db:"dead_at"`
}

// PayloadStats is the per-status tally carried in webhook payloads.
type PayloadStats struct {
	Valid   int `json:"valid"`
	Risky   int `json:"risky"`
	Invalid int `json:"invalid"`
	Unknown int `json:"unknown"`
}

// WebhookPayload is the signed JSON body posted to endpoints.
type WebhookPayload struct {
	Event      WebhookEvent `json:"event"`
	JobID      string       `json:"job_id"`
	Processed  int          `json:"processed"`
	Total      int          `json:"total"`
	Stats      PayloadStats `json:"stats"`
	Error      string       `json:"error,omitempty"`
	DeliveryID string       `json:"delivery_id"`
	Timestamp  time.Time    `json:"timestamp"`
}
