package version

import (
	"strings"
	"testing"
)

func TestVersionString(t *testing.T) {
	v := Version{Major: "1", Minor: "2", Patch: "3", Metadata: "rc1", Build: "abcdef"}
	if got := v.String(); got != "Version: 1.2.3-rc1\nBuild: abcdef" {
		t.Fatalf("got %q", got)
	}
	if !strings.HasPrefix(DlvAsyncVersion.String(), "Version: ") {
		t.Fatalf("malformed version %q", DlvAsyncVersion.String())
	}
}
