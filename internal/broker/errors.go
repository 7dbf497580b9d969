package broker

import (
	"errors"
	"fmt"

	"futures-gateway/pkg/types"
)

// ErrAuthRejected marks a 401/403 from the upstream gateway. Never retried;
// the cached session token is invalidated before it surfaces.
var ErrAuthRejected = errors.New("broker: upstream rejected credentials")

// ErrNotSupported marks an endpoint the upstream build doesn't implement
// (404 on a search endpoint). Callers degrade gracefully — "unknown" rather
// than a hard failure.
var ErrNotSupported = errors.New("broker: endpoint not supported by upstream")

// APIError is a non-auth upstream failure that survived the retry budget.
type APIError struct {
	Endpoint string
	Status   int
	Message  string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("broker: %s: status %d: %s", e.Endpoint, e.Status, e.Message)
	}
	return fmt.Sprintf("broker: %s: status %d", e.Endpoint, e.Status)
}

// UnprotectedPositionError is the most severe error class: the market entry
// was acknowledged but the protective stop could not be placed. It always
// propagates to the caller and is never retried automatically.
type UnprotectedPositionError struct {
	Entry *types.OrderAck
	Cause error
}

func (e *UnprotectedPositionError) Error() string {
	return fmt.Sprintf("UNPROTECTED POSITION: entry %s filled but stop order failed: %v",
		e.Entry.OrderID, e.Cause)
}

func (e *UnprotectedPositionError) Unwrap() error { return e.Cause }

// CleanupError aborts a bracket before entry when pre-trade cleanup left
// residual state behind (some closes or cancels failed). Entering on top of
// an unknown residual position is never allowed.
type CleanupError struct {
	Closed int
	Errs   []string
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("broker: pre-trade cleanup incomplete (%d closed, %d failed): %v",
		e.Closed, len(e.Errs), e.Errs)
}
