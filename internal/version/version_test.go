package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestFromBuildInfoPseudoVersion(t *testing.T) {
	bi := &debug.BuildInfo{
		GoVersion: "go1.25.0",
		Main:      debug.Module{Path: "pkt.systems/leasewire", Version: "(devel)"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-03-01T10:20:30Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}
	info := fromBuildInfo(bi, "")
	if info.Version != "v0.0.0-20260301102030-0123456789ab+dirty" {
		t.Fatalf("version: %q", info.Version)
	}
	if !strings.Contains(info.String(), "go1.25.0") {
		t.Fatalf("string: %q", info.String())
	}
}

func TestFromBuildInfoPrecedence(t *testing.T) {
	bi := &debug.BuildInfo{Main: debug.Module{Path: "example.com/fork", Version: "v1.2.3"}}
	if got := fromBuildInfo(bi, "").Version; got != "v1.2.3" {
		t.Fatalf("module version: %q", got)
	}
	if got := fromBuildInfo(bi, " v9.9.9 ").Version; got != "v9.9.9" {
		t.Fatalf("override: %q", got)
	}
	if got := fromBuildInfo(bi, "").Module; got != "example.com/fork" {
		t.Fatalf("module: %q", got)
	}
	info := fromBuildInfo(nil, "")
	if info.Module != defaultModule || info.Version != "v0.0.0-unknown" {
		t.Fatalf("fallback: %+v", info)
	}
}
