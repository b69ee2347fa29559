// Package bpflags holds the flag-parsing conventions shared by this
// repository's binaries: a -log-level flag parsed into logrus, and the
// -version flag handled by pkg/bpversion. Adapted from pkg/flags/flags.go
// with the klog wiring dropped - there is no Kubernetes client library in
// this module's dependency stack for klog to share output with.
package bpflags

import (
	"flag"

	logging "github.com/sirupsen/logrus"

	"github.com/linkerd/bodypipeline/pkg/bpversion"
)

// ConfigureAndParse adds flags common to every binary in this repository
// and calls flag.Parse(), so it must run after all other flags are
// registered.
func ConfigureAndParse() {
	logLevel := flag.String("log-level", logging.InfoLevel.String(),
		"log level, must be one of: panic, fatal, error, warn, info, debug")
	printVersion := bpversion.VersionFlag()

	flag.Parse()

	setLogLevel(*logLevel)
	bpversion.MaybePrintVersionAndExit(*printVersion)
}

func setLogLevel(logLevel string) {
	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		logging.Fatalf("invalid log-level: %s", logLevel)
	}
	logging.SetLevel(level)
}
