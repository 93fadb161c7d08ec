package version

import (
	"strings"
	"testing"
)

func TestCurrent_Defaults(t *testing.T) {
	oldVersion := AppVersion
	oldCommit := GitCommit
	oldBuildTime := BuildTime
	t.Cleanup(func() {
		AppVersion = oldVersion
		GitCommit = oldCommit
		BuildTime = oldBuildTime
	})

	AppVersion = ""
	GitCommit = ""
	BuildTime = "  "

	info := Current("")

	if info.Service != Unknown {
		t.Fatalf("expected service %q, got %q", Unknown, info.Service)
	}
	if info.Version != DevelopmentVersion {
		t.Fatalf("expected version %q, got %q", DevelopmentVersion, info.Version)
	}
	if info.Commit == "" {
		t.Fatal("expected a commit placeholder or VCS revision")
	}
	if info.BuildTime != Unknown {
		t.Fatalf("expected build_time %q, got %q", Unknown, info.BuildTime)
	}
	if !strings.HasPrefix(info.GoVersion, "go") {
		t.Fatalf("expected toolchain version, got %q", info.GoVersion)
	}
}

func TestCurrent_LdflagsWin(t *testing.T) {
	oldVersion, oldCommit := AppVersion, GitCommit
	t.Cleanup(func() { AppVersion, GitCommit = oldVersion, oldCommit })

	AppVersion = "v1.4.0"
	GitCommit = "abc123"

	info := Current("docroute")
	if got := info.String(); got != "docroute@v1.4.0 (commit=abc123, build_time="+info.BuildTime+")" {
		t.Fatalf("unexpected string %q", got)
	}
}
