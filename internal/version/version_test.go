package version

import "testing"

func TestGetPrefersStampedVersion(t *testing.T) {
	old := Version
	t.Cleanup(func() { Version = old })

	Version = "v9.9.9"
	if got := Get(); got != "v9.9.9" {
		t.Fatalf("Get=%q", got)
	}
	if info := GetInfo(); info.Version != "v9.9.9" || info.Go == "" {
		t.Fatalf("info=%+v", info)
	}

	Version = ""
	if Get() == "" {
		t.Fatalf("empty fallback version")
	}
}
