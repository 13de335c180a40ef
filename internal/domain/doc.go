// Package domain defines the value types shared by the verification
// pipeline: jobs, address tasks and their results, credit reservations and
// webhook deliveries.
//
// The package imports nothing from internal/. Types carry JSON tags for the
// API and webhook payloads, and only pure helpers such as JobStats.Add; state
// transitions belong to the services and repositories that own them.
package domain
