// Package bpversion holds the build-time version string and the small
// -version flag convention this repository's teacher uses throughout its
// cmd/ binaries. The update-channel HTTP check present in the upstream
// pkg/version (undocumented.linkerd.io lookups) has no corresponding
// component in this repository and is dropped; see DESIGN.md.
package bpversion

import (
	"flag"
	"fmt"
	"os"

	logging "github.com/sirupsen/logrus"
)

// Version is overridden at build time via -ldflags, the same convention
// used by every cmd/ binary in the teacher repository.
var Version = "unknown"

// VersionFlag registers the -version flag and returns a pointer to its
// value; call flag.Parse() afterward and pass the result to
// MaybePrintVersionAndExit.
func VersionFlag() *bool {
	return flag.Bool("version", false, "print version and exit")
}

// MaybePrintVersionAndExit prints Version and exits 0 if printVersion is
// true; otherwise it logs the running version at Info level.
func MaybePrintVersionAndExit(printVersion bool) {
	if printVersion {
		fmt.Println(Version)
		os.Exit(0)
	}
	logging.Infof("running version %s", Version)
}
