// SPDX-License-Identifier: MIT
//
// Package build carries the metadata injected at link time: the binary
// name, build timestamp, Git commit and semantic version. The values are
// set with linker flags, for example:
//
//	go build -ldflags "-X spectrogram/pkg/build.buildName=spectrogram \
//	  -X spectrogram/pkg/build.buildVersion=0.3.0 ..."
//
// Development builds run with the defaults below.
package build

import (
	"errors"
	"fmt"
)

type ldFlags struct {
	Name        string
	Description string
	Time        string
	Commit      string
	Version     string
}

// String returns a one-line version banner.
func (f *ldFlags) String() string {
	return fmt.Sprintf("%s %s (commit %s, built %s)", f.Name, f.Version, f.Commit, f.Time)
}

// Package-level variables for build information, populated by -ldflags.
var (
	buildName    string
	buildTime    string
	buildCommit  string
	buildVersion string
	buildFlags   = defaultFlags()
)

func defaultFlags() *ldFlags {
	return &ldFlags{
		Name:        "spectrogram",
		Description: "Live audio spectrogram engine",
		Time:        "unknown",
		Commit:      "unknown",
		Version:     "dev",
	}
}

// ErrMissingFlags is returned by Initialize when the binary was built
// without one or more of the required linker flags. The defaults stay in
// place for every missing value.
var ErrMissingFlags = errors.New("build flags missing")

// Initialize copies the ldflags variables into the build information.
// Every flag that is set is applied; if any is missing the returned error
// wraps ErrMissingFlags and names the first missing one.
func Initialize() error {
	var missing string
	apply := func(name, value string, dst *string) {
		if value == "" {
			if missing == "" {
				missing = name
			}
			return
		}
		*dst = value
	}

	apply("BuildName", buildName, &buildFlags.Name)
	apply("BuildTime", buildTime, &buildFlags.Time)
	apply("BuildCommit", buildCommit, &buildFlags.Commit)
	apply("BuildVersion", buildVersion, &buildFlags.Version)

	if missing != "" {
		return fmt.Errorf("%w: %s is required", ErrMissingFlags, missing)
	}
	return nil
}

// GetBuildFlags returns the current build information.
func GetBuildFlags() *ldFlags {
	return buildFlags
}
