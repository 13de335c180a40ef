package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ignite/bulk-verifier/internal/pkg/httputil"
	"github.com/ignite/bulk-verifier/internal/progress"
)

// heartbeatInterval keeps idle streams alive through proxies.
var heartbeatInterval = 15 * time.Second

// JobEvents handles GET /api/jobs/{id}/events as a server-sent event stream.
// The first event reflects the job's current counters. The stream ends after
// the job's terminal event.
func (h *Handlers) JobEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := OwnerFromContext(ctx)
	id := chi.URLParam(r, "id")

	if _, err := h.jobs.Get(ctx, owner, id); err != nil {
		respondError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before reading the snapshot so nothing published in between
	// is lost.
	ch, unsubscribe := h.hub.Subscribe(id)
	defer unsubscribe()

	job, err := h.jobs.Get(ctx, owner, id)
	if err != nil {
		respondError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	now := time.Now().UTC()
	if terminal := progress.Terminal(*job, now); terminal != nil {
		h.writeEvent(w, terminal)
		flusher.Flush()
		return
	}
	h.writeEvent(w, progress.ProgressEvent{
		JobID:     job.ID,
		Processed: job.Stats.Processed,
		Total:     job.Total,
		Stats:     job.Stats,
		At:        now,
	})
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			e, err := progress.Decode(msg)
			if err != nil {
				h.log.Warn("dropping undecodable job event", "job_id", id, "error", err)
				continue
			}
			writeFrame(w, e.Kind(), msg)
			flusher.Flush()
			if e.Kind() != progress.KindProgress {
				return
			}
		}
	}
}

func (h *Handlers) writeEvent(w http.ResponseWriter, e progress.Event) {
	msg, err := progress.Encode(e)
	if err != nil {
		h.log.Error("encoding job event", "job_id", e.Job(), "error", err)
		return
	}
	writeFrame(w, e.Kind(), msg)
}

func writeFrame(w http.ResponseWriter, kind progress.Kind, data []byte) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", kind, data)
}
