// Package version exposes the build version embedded from the VERSION file.
package version

import (
	_ "embed"
	"fmt"
	"runtime"
	"strings"
)

//go:embed VERSION
var versionContent string

// Get returns the version with whitespace trimmed.
func Get() string {
	return strings.TrimSpace(versionContent)
}

// Full returns the version with the Go toolchain and platform.
func Full() string {
	return fmt.Sprintf("%s (%s %s/%s)", Get(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
