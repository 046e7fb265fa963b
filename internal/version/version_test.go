package version

import "testing"

// Not parallel: the tests mutate the ldflags variables.

func TestResolvePrefersLdflags(t *testing.T) {
	defer func(v, c, b string) { Version, Commit, BuildTime = v, c, b }(Version, Commit, BuildTime)
	Version, Commit, BuildTime = "v0.3.0", "0123456789abcdef", "2026-10-17T00:00:00Z"

	info := Resolve()
	if info.Version != "v0.3.0" || info.Commit != "0123456789abcdef" || info.BuildTime != "2026-10-17T00:00:00Z" {
		t.Fatalf("Resolve() = %+v", info)
	}
	if info.Go == "" {
		t.Fatal("Resolve() missing go version")
	}
	if got := String(); got != "v0.3.0 (0123456789ab)" {
		t.Fatalf("String() = %q", got)
	}
}

func TestResolveFallback(t *testing.T) {
	defer func(v, c, b string) { Version, Commit, BuildTime = v, c, b }(Version, Commit, BuildTime)
	Version, Commit, BuildTime = "", "", ""

	if info := Resolve(); info.Version == "" {
		t.Fatal("Resolve() returned an empty version")
	}
}
