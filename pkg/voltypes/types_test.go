package voltypes

import "testing"

func TestClusterLocationSCOName(t *testing.T) {
	loc := ClusterLocation{SCONumber: 42, CloneID: 3, Offset: 7}
	if got, want := loc.SCOName(), "42_3"; got != want {
		t.Fatalf("SCOName() = %q, want %q", got, want)
	}
	if loc.IsNull() {
		t.Fatalf("non-zero location reported as null")
	}
	if !(ClusterLocation{}).IsNull() {
		t.Fatalf("zero location not reported as null")
	}
}

func TestVolumeConfigSizing(t *testing.T) {
	cfg := DefaultVolumeConfig("vol1", "ns1")
	if got, want := cfg.ClusterSize(), uint32(DefaultLBASize*DefaultClusterMultiplier); got != want {
		t.Fatalf("ClusterSize() = %d, want %d", got, want)
	}
	if got, want := cfg.CAOf(LBA(24)), ClusterAddress(3); got != want {
		t.Fatalf("CAOf(24) = %d, want %d", got, want)
	}
}

func TestParseClusterCacheBehaviour(t *testing.T) {
	for _, s := range []string{"CacheOnWrite", "CacheOnRead", "NoCache"} {
		b, err := ParseClusterCacheBehaviour(s)
		if err != nil {
			t.Fatalf("ParseClusterCacheBehaviour(%q): %v", s, err)
		}
		if string(b) != s {
			t.Fatalf("round trip mismatch: %q != %q", b, s)
		}
	}
	if _, err := ParseClusterCacheBehaviour("bogus"); err == nil {
		t.Fatalf("expected error for unknown behaviour")
	}
}

func TestNSIDMap(t *testing.T) {
	var m NSIDMap
	if err := m.Set(0, "ns-self"); err != nil {
		t.Fatal(err)
	}
	if err := m.Set(2, "ns-grandparent"); err != nil {
		t.Fatal(err)
	}
	if got := m.Get(1); got != "" {
		t.Fatalf("Get(1) = %q, want empty", got)
	}
	if got, want := m.Get(2), "ns-grandparent"; got != want {
		t.Fatalf("Get(2) = %q, want %q", got, want)
	}
	if got, want := m.Len(), 3; got != want {
		t.Fatalf("Len() = %d, want %d", got, want)
	}
	if err := m.Set(255, "ok"); err != nil {
		t.Fatalf("Set(255) should be in range: %v", err)
	}
}
