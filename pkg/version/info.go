// Package version reports the build metadata of the jobexec binary.
package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

const (
	// Unknown stands in for metadata that no build step recorded.
	Unknown = "unknown"
	// DevelopmentVersion is reported by local builds without a module version.
	DevelopmentVersion = "dev"
)

// Set with -ldflags, for example
// -X github.com/nimburion/jobexec/pkg/version.AppVersion=v1.2.3.
var (
	AppVersion = ""
	GitCommit  = ""
	BuildTime  = ""
)

var readBuildInfo = debug.ReadBuildInfo

// Info is the metadata served on /version and printed by the version command.
type Info struct {
	Service   string `json:"service"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version,omitempty"`
}

// Current resolves the metadata for serviceName. Linker-injected values take
// precedence over the module version and VCS stamp embedded by the toolchain.
func Current(serviceName string) Info {
	var stamped Info
	if bi, ok := readBuildInfo(); ok && bi != nil {
		stamped = fromBuildInfo(bi)
	}
	return Info{
		Service:   firstOf(serviceName, Unknown),
		Version:   firstOf(AppVersion, stamped.Version, DevelopmentVersion),
		Commit:    firstOf(GitCommit, stamped.Commit, Unknown),
		BuildTime: firstOf(BuildTime, stamped.BuildTime, Unknown),
		GoVersion: stamped.GoVersion,
	}
}

func fromBuildInfo(bi *debug.BuildInfo) Info {
	info := Info{GoVersion: bi.GoVersion}
	if bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			info.Commit = s.Value
		case "vcs.time":
			info.BuildTime = s.Value
		}
	}
	return info
}

// String renders the metadata on one line for logs.
func (i Info) String() string {
	return fmt.Sprintf("%s@%s (commit=%s, build_time=%s)", i.Service, i.Version, i.Commit, i.BuildTime)
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
