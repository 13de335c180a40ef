// Package httputil provides shared HTTP response/request helpers for the
// verifier API handlers.
//
// Handlers use these helpers instead of raw http.ResponseWriter calls so that
// JSON formatting, error envelopes and logging stay consistent.
package httputil
