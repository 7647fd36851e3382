package main

import (
	"os"

	"github.com/go-delve/asyncstack/cmd/dlv-async/cmds"
	"github.com/go-delve/asyncstack/pkg/version"
	"github.com/sirupsen/logrus"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.DlvAsyncVersion.Build = Build
	}
	if err := cmds.New().Execute(); err != nil {
		logrus.WithError(err).Error("dlv-async failed")
		os.Exit(1)
	}
}
