package main

import "errors"

var (
	// ErrInvalidRequest marks a missing or malformed announce/scrape parameter.
	// Peers receive it as a bencoded "failure reason", not a transport error.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrMalformedEncoding is returned by the bencode decoder.
	ErrMalformedEncoding = errors.New("malformed bencode")

	// ErrStateNotFound means no snapshot has been written yet (first run).
	ErrStateNotFound = errors.New("state not found")

	// ErrCorruptState means a snapshot exists but cannot be decoded.
	ErrCorruptState = errors.New("corrupt state")

	// ErrPersistenceFailure wraps any error that kept a save from completing.
	ErrPersistenceFailure = errors.New("persistence failure")
)

// requestError carries the human readable reason sent back to the peer.
type requestError struct {
	reason string
}

func invalidRequest(reason string) error {
	return &requestError{reason: reason}
}

func (e *requestError) Error() string { return ErrInvalidRequest.Error() + ": " + e.reason }

func (e *requestError) Unwrap() error { return ErrInvalidRequest }

// failureReason extracts the peer-facing reason from err.
func failureReason(err error) string {
	var re *requestError
	if errors.As(err, &re) {
		return re.reason
	}
	return err.Error()
}
