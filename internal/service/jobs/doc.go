// Package jobs implements bulk job intake and the read/cancel surface.
//
// Submit normalizes the candidate list, reserves credits, stores the job
// and hands it to a Runner. Running, retrying and finishing jobs is the
// Runner's business; this package never touches the scheduler directly.
package jobs
