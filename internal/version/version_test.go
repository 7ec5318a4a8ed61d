package version

import (
	"strings"
	"testing"
)

func TestShortCommit(t *testing.T) {
	t.Parallel()

	if got := shortCommit("abc"); got != "abc" {
		t.Fatalf("short: %q", got)
	}
	if got := shortCommit("0123456789abcdef0123"); got != "0123456789ab" {
		t.Fatalf("long: %q", got)
	}
}

func TestResolveNeverEmpty(t *testing.T) {
	t.Parallel()

	info := Resolve()
	if info.Version == "" || info.GoVersion == "" {
		t.Fatalf("unresolved info: %+v", info)
	}
	if s := String(); !strings.HasPrefix(s, info.Version) {
		t.Fatalf("String() = %q, want prefix %q", s, info.Version)
	}
}
