// Package ledger implements credit reservation and settlement for bulk jobs.
//
// A job reserves its estimated cost at intake, charges one unit per address
// as results land and is finalized exactly once when it ends, whatever the
// reason. Finalization and the refund of the unused hold are a single unit
// inside the repository; the service never performs them as two steps.
//
// The service layer contains pure business logic and depends on the
// Repository interface defined in repository.go.
package ledger
