package mesh

import "errors"

// ErrCriticalConnect wraps connect failures that end the current connection
// attempt immediately instead of being retried within it; the reconnect
// loop may still try again later (spec §4.4: "timeout, connection refused,
// out-of-memory").
var ErrCriticalConnect = errors.New("mesh: critical connect error")

// ErrTransientConnect wraps connect failures that are retried with
// exponential backoff (spec §4.4: "serial/BLE library exceptions").
var ErrTransientConnect = errors.New("mesh: transient connect error")

// ErrNotConnected is returned by send operations when no transport is
// currently attached.
var ErrNotConnected = errors.New("mesh: no transport attached")

// ErrShuttingDown is returned by operations invoked after Close.
var ErrShuttingDown = errors.New("mesh: shutting down")

// ErrDecrypt and ErrUnknownPayloadType mirror
// rabarar-meshtool-go/public/radio/errors.go.
var (
	ErrDecrypt            = errors.New("mesh: unable to decrypt payload")
	ErrUnknownPayloadType = errors.New("mesh: unknown payload variant")
)
