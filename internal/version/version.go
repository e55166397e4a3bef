package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/nbsync"

// buildVersion is set via -ldflags "-X pkt.systems/nbsync/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running binary.
type Info struct {
	Module    string
	Version   string
	Revision  string
	GoVersion string
}

// String renders the info on one line for `nbsync version`.
func (i Info) String() string {
	out := i.Module + " " + i.Version
	if i.Revision != "" && !strings.Contains(i.Version, i.Revision) {
		out += " (" + i.Revision + ")"
	}
	return out + " " + i.GoVersion
}

// Read collects version details from the linker flag and build info.
func Read() Info {
	info, _ := debug.ReadBuildInfo()
	return fromBuildInfo(info, buildVersion)
}

// Current returns the best available version string.
func Current() string {
	return Read().Version
}

// UserAgent is sent to the notebook service and the kernel gateway.
func UserAgent() string {
	return "nbsync/" + Current()
}

func fromBuildInfo(info *debug.BuildInfo, linked string) Info {
	out := Info{Module: defaultModule, GoVersion: runtime.Version()}
	vcs := readVCS(info)
	out.Revision = vcs.shortRevision()
	if info != nil {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			out.Module = path
		}
	}
	switch {
	case strings.TrimSpace(linked) != "":
		out.Version = strings.TrimSpace(linked)
	case info != nil && info.Main.Version != "" && info.Main.Version != "(devel)":
		out.Version = info.Main.Version
	case vcs.pseudo() != "":
		out.Version = vcs.pseudo()
	default:
		out.Version = "v0.0.0-unknown"
	}
	out.Version = strings.TrimSuffix(out.Version, "+dirty")
	return out
}

type vcsInfo struct {
	revision string
	time     time.Time
}

func readVCS(info *debug.BuildInfo) vcsInfo {
	var out vcsInfo
	if info == nil {
		return out
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			out.revision = setting.Value
		case "vcs.time":
			if parsed, err := time.Parse(time.RFC3339, setting.Value); err == nil {
				out.time = parsed.UTC()
			}
		}
	}
	return out
}

func (v vcsInfo) shortRevision() string {
	if len(v.revision) > 12 {
		return v.revision[:12]
	}
	return v.revision
}

// pseudo builds a Go pseudo-version from the vcs stamp.
func (v vcsInfo) pseudo() string {
	if v.revision == "" || v.time.IsZero() {
		return ""
	}
	return "v0.0.0-" + v.time.Format("20060102150405") + "-" + v.shortRevision()
}
