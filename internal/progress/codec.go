package progress

import (
	"encoding/json"
	"fmt"
)

// envelope is the JSON shape on the channel and the SSE stream.
type envelope struct {
	Event Kind            `json:"event"`
	JobID string          `json:"job_id"`
	Data  json.RawMessage `json:"data"`
}

// Encode serialises an event with its kind as the discriminator.
func Encode(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.Kind(), err)
	}
	return json.Marshal(envelope{Event: e.Kind(), JobID: e.Job(), Data: data})
}

// Decode parses an encoded event.
func Decode(b []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}

	var (
		e   Event
		err error
	)
	switch env.Event {
	case KindProgress:
		var v ProgressEvent
		err = json.Unmarshal(env.Data, &v)
		e = v
	case KindCompleted:
		var v CompletedEvent
		err = json.Unmarshal(env.Data, &v)
		e = v
	case KindFailed:
		var v FailedEvent
		err = json.Unmarshal(env.Data, &v)
		e = v
	case KindCancelled:
		var v CancelledEvent
		err = json.Unmarshal(env.Data, &v)
		e = v
	default:
		return nil, fmt.Errorf("unknown event kind %q", env.Event)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s event: %w", env.Event, err)
	}
	return e, nil
}
