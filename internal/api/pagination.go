package api

import (
	"net/http"
	"strconv"
)

// window is an offset/limit slice of a job's task list. Task order is the
// submission order, so offsets stay stable while the job runs.
type window struct {
	Offset int
	Limit  int
}

// resultPage is the body of GET /api/jobs/{id}/results.
type resultPage struct {
	Data       interface{} `json:"data"`
	Pagination pageMeta    `json:"pagination"`
}

type pageMeta struct {
	Offset     int   `json:"offset"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	NextOffset *int  `json:"next_offset,omitempty"`
}

// parseWindow accepts either offset= or the page= shorthand; offset wins.
// limit falls back to def and is clamped to max.
func parseWindow(r *http.Request, def, max int) window {
	q := r.URL.Query()
	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil || limit < 1 {
		limit = def
	}
	if limit > max {
		limit = max
	}

	offset, err := strconv.Atoi(q.Get("offset"))
	if err != nil || offset < 0 {
		offset = 0
		if page, perr := strconv.Atoi(q.Get("page")); perr == nil && page > 1 {
			offset = (page - 1) * limit
		}
	}
	return window{Offset: offset, Limit: limit}
}

func newResultPage(data interface{}, w window, total int64) resultPage {
	meta := pageMeta{Offset: w.Offset, Limit: w.Limit, Total: total}
	if next := w.Offset + w.Limit; int64(next) < total {
		meta.NextOffset = &next
	}
	return resultPage{Data: data, Pagination: meta}
}
