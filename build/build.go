// Package build provides flags and helpers whose behavior differs between
// development and release builds of the merchant backend.
package build

const (
	// Version is the current version of merchantd.
	Version = "0.4.0"

	// DEBUG enables sanity-check panics. It should be false on release
	// builds.
	DEBUG = true

	// Release classifies the build; one of "standard", "dev", "testing".
	Release = "dev"
)
