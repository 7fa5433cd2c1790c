package cacherouter

import (
	"time"

	"github.com/rs/zerolog"
)

type Status string

const (
	// The response was served from the cache.
	StatusHit Status = "hit"

	// The route handler was invoked.
	StatusMiss Status = "miss"

	// No route matched the request.
	StatusNoRoute Status = "no-route"

	// The route delegates to a microservice, which is not implemented.
	StatusDelegate Status = "delegate"

	// The route is a no-op.
	StatusNoOp Status = "noop"

	// The request could not be read or parsed.
	StatusBadRequest Status = "bad-request"
)

// Dispatch describes how a single connection was handled.
type Dispatch struct {
	Method string
	Path   string
	Status Status
	// Stored is true if the response was written to the cache.
	Stored bool
	// Bytes is the number of response bytes written to the client.
	Bytes    int
	Duration time.Duration
	Err      error
}

func (d Dispatch) IsHit() bool {
	return d.Status == StatusHit
}

// logEvent adds the dispatch fields to a log event.
func (d Dispatch) logEvent(evt *zerolog.Event) *zerolog.Event {
	isHit := 0
	if d.IsHit() {
		isHit = 1
	}
	return evt.
		Str("status", string(d.Status)).
		Bool("stored", d.Stored).
		Int("bytes", d.Bytes).
		Int("hit", isHit).
		Dur("duration", d.Duration)
}
