// Package version reports the build identity of the leasewire binaries.
package version

import (
	"fmt"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/leasewire"

// buildVersion is set via -ldflags "-X pkt.systems/leasewire/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes one build.
type Info struct {
	Module    string
	Version   string
	Revision  string
	Time      time.Time
	Modified  bool
	GoVersion string
}

// String renders "module version (go)".
func (i Info) String() string {
	if i.GoVersion == "" {
		return i.Module + " " + i.Version
	}
	return fmt.Sprintf("%s %s (%s)", i.Module, i.Version, i.GoVersion)
}

// Read collects the build identity of the running binary.
func Read() Info {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		info = nil
	}
	return fromBuildInfo(info, buildVersion)
}

// Current returns the best available version string.
func Current() string { return Read().Version }

func fromBuildInfo(bi *debug.BuildInfo, override string) Info {
	out := Info{Module: defaultModule, Version: "v0.0.0-unknown"}
	if bi != nil {
		if p := strings.TrimSpace(bi.Main.Path); p != "" {
			out.Module = p
		}
		out.GoVersion = bi.GoVersion
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				out.Revision = s.Value
			case "vcs.time":
				out.Time, _ = time.Parse(time.RFC3339, s.Value)
			case "vcs.modified":
				out.Modified = s.Value == "true"
			}
		}
	}
	switch {
	case strings.TrimSpace(override) != "":
		out.Version = strings.TrimSpace(override)
	case bi != nil && bi.Main.Version != "" && bi.Main.Version != "(devel)":
		out.Version = bi.Main.Version
	case out.Revision != "" && !out.Time.IsZero():
		out.Version = pseudoVersion(out.Time, out.Revision, out.Modified)
	}
	return out
}

// pseudoVersion mirrors the Go module pseudo-version layout.
func pseudoVersion(at time.Time, revision string, dirty bool) string {
	if len(revision) > 12 {
		revision = revision[:12]
	}
	v := "v0.0.0-" + at.UTC().Format("20060102150405") + "-" + revision
	if dirty {
		v += "+dirty"
	}
	return v
}
