package version

import (
	"runtime/debug"
	"strings"
	"testing"
	"time"
)

func TestLinkedVersionWins(t *testing.T) {
	info := &debug.BuildInfo{Main: debug.Module{Path: "example.com/fork", Version: "v9.9.9"}}
	got := fromBuildInfo(info, "v1.2.3+dirty")
	if got.Version != "v1.2.3" {
		t.Fatalf("expected linked version without dirty suffix, got %q", got.Version)
	}
	if got.Module != "example.com/fork" {
		t.Fatalf("expected module from build info, got %q", got.Module)
	}
}

func TestUserAgent(t *testing.T) {
	old := buildVersion
	buildVersion = "v0.4.0"
	t.Cleanup(func() { buildVersion = old })

	if got := UserAgent(); got != "nbsync/v0.4.0" {
		t.Fatalf("unexpected user agent %q", got)
	}
}

func TestPseudoVersionFromVCS(t *testing.T) {
	ts := time.Date(2025, time.January, 2, 3, 4, 5, 0, time.UTC)
	info := &debug.BuildInfo{
		Main: debug.Module{Version: "(devel)"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "1234567890abcdef"},
			{Key: "vcs.time", Value: ts.Format(time.RFC3339)},
		},
	}
	got := fromBuildInfo(info, "")
	if got.Version != "v0.0.0-20250102030405-1234567890ab" {
		t.Fatalf("unexpected pseudo version %q", got.Version)
	}
	if got.Revision != "1234567890ab" {
		t.Fatalf("unexpected revision %q", got.Revision)
	}
	if strings.Contains(got.String(), "(") {
		t.Fatalf("revision repeated in %q", got.String())
	}
}

func TestNoBuildInfo(t *testing.T) {
	got := fromBuildInfo(nil, "")
	if got.Module != defaultModule || got.Version != "v0.0.0-unknown" {
		t.Fatalf("unexpected fallback %+v", got)
	}
}
