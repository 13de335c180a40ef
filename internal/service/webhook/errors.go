package webhook

import "errors"

// Sentinel errors for the webhook service layer.
var (
	ErrNotFound     = errors.New("webhook not found")
	ErrNotDead      = errors.New("delivery is not dead-lettered")
	ErrInvalidURL   = errors.New("webhook url must be absolute http or https")
	ErrUnknownEvent = errors.New("unknown webhook event")
)
