// Package build exposes version information baked in at link time.
package build

import "fmt"

var (
	// version is the built version.
	// Set with ldflags via -ldflags="-X github.com/twine-protocol/twine-spool-service/pkg/build.version=v{{.Version}}".
	version string

	// Version is the current version of the service, including revision.
	Version string

	// UserAgent identifies this build; GET /version reports it. It is not
	// added to requests forwarded by the legacy proxy.
	UserAgent string
)

const defaultVersion = "v0.0.0-dev"

func init() {
	if version == "" {
		version = defaultVersion
	}
	Version = version
	UserAgent = fmt.Sprintf("twine-spool-service/%s", Version)
}
