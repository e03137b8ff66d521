// Package buildtime holds the version of binaries, set at link time:
//
//	go build -ldflags "-X github.com/opst/chiltepin/pkg/buildtime.version=v1.2.3 -X github.com/opst/chiltepin/pkg/buildtime.revision=$(git rev-parse HEAD)"
package buildtime

var (
	version  = "dev"
	revision = "unknown"
)

func Version() string {
	return version
}

func Revision() string {
	return revision
}

func VersionString() string {
	return version + " (commit: " + revision + ")"
}
