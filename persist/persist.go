// Package persist supplies the file-backed logger, the metadata-checked bolt
// wrapper, and deterministic JSON files used by the merchant backend.
package persist

import (
	"errors"
)

var (
	// ErrBadHeader is returned when opening a database with the wrong
	// header.
	ErrBadHeader = errors.New("wrong header")
	// ErrBadVersion is returned when opening a database with the wrong
	// version.
	ErrBadVersion = errors.New("incompatible version")
)

// Metadata identifies the kind and schema version of a persisted artifact.
type Metadata struct {
	Header  string
	Version string
}
