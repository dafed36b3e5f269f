// Package version provides build and version information for voxcore.
package version

import (
	"fmt"
	"runtime"
)

// Version is the current version of voxcore.
// Set via ldflags at build time, or defaults to dev.
// GoReleaser sets: -X github.com/voxai/voxcore/pkg/version.Version={{.Version}}
// Makefile sets: -X github.com/voxai/voxcore/pkg/version.Version=$(VERSION) from VERSION file
var Version = "dev"

// Build information set via ldflags at build time.
// GoReleaser sets these via ldflags.
var (
	// Commit is the git commit hash.
	// GoReleaser sets: -X github.com/voxai/voxcore/pkg/version.Commit={{.ShortCommit}}
	Commit = "unknown"

	// Date is the build date in RFC3339 format.
	// GoReleaser sets: -X github.com/voxai/voxcore/pkg/version.Date={{.Date}}
	Date = "unknown"

	// GoVersion is the Go version used to build the binary (set at runtime).
	GoVersion = runtime.Version()
)

// BuildInfo is structured version information for JSON output.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// String returns a formatted version string with all build info.
func String() string {
	return fmt.Sprintf("voxcore %s (commit: %s, built: %s, go: %s)",
		Version, Commit, Date, GoVersion)
}

// Short returns just the version string.
func Short() string {
	return Version
}

// GetInfo returns structured version information.
func GetInfo() BuildInfo {
	return BuildInfo{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: GoVersion,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// DataFormatVersion identifies the on-disk layout of the vector store
// (internal/vectorstore's 24-byte header magic) that this build writes and
// reads. It is reported alongside the build version by `-cmd index_info`,
// which runs only after the vector store has opened, so a vector file with a
// different magic is reported by the open error instead.
const DataFormatVersion = "VOXVEC01"

// CompatibleWithDataFormat reports whether magic, the 8-byte header read
// from a vector store file, matches the format this build produces.
func CompatibleWithDataFormat(magic string) bool {
	return magic == DataFormatVersion
}
