package metadata

import "errors"

// Sentinel errors for the metadata layer. HTTP handlers in
// internal/coordinatorsrv map these to status codes with errors.Is.
var (
	ErrNoSuchKey     = errors.New("metadata: no such key")
	ErrNoSuchStripe  = errors.New("metadata: no such stripe")
	ErrNoSuchCluster = errors.New("metadata: no such cluster")
)
