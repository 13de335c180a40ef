// Package probe verifies a single email address.
//
// Engine.Verify walks a fixed state machine:
//
//	start → mx_resolved → connected → greeting_ok → sender_ok → recipient_checked → done
//
// and short-circuits to done on any definitive signal. Classification runs in
// priority order: syntax, domain existence (MX or A records), disposable
// domain, role account (flag only), RCPT TO reply code, catch-all detection.
// The engine never retries; a soft failure is reported back so the scheduler
// can decide.
package probe
