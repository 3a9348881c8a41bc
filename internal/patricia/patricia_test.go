package patricia

import (
	"net/netip"
	"testing"
)

func pfx(s string) netip.Prefix {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		panic(err)
	}
	return p
}

func addr(s string) netip.Addr {
	a, err := netip.ParseAddr(s)
	if err != nil {
		panic(err)
	}
	return a
}

func TestSearchBestLongestPrefixWins(t *testing.T) {
	tree := Build([]Entry{
		{Prefix: pfx("10.0.0.0/8"), Value: "a"},
		{Prefix: pfx("10.1.0.0/16"), Value: "b"},
		{Prefix: pfx("10.1.2.0/24"), Value: "c"},
	}, 32)

	val, plen, ok := tree.SearchBest(addr("10.1.2.5"), true)
	if !ok || val != "c" || plen != 24 {
		t.Fatalf("got val=%v plen=%d ok=%v, want c/24", val, plen, ok)
	}

	val, plen, ok = tree.SearchBest(addr("10.1.9.5"), true)
	if !ok || val != "b" || plen != 16 {
		t.Fatalf("got val=%v plen=%d ok=%v, want b/16", val, plen, ok)
	}

	val, plen, ok = tree.SearchBest(addr("10.9.9.9"), true)
	if !ok || val != "a" || plen != 8 {
		t.Fatalf("got val=%v plen=%d ok=%v, want a/8", val, plen, ok)
	}
}

func TestSearchBestMiss(t *testing.T) {
	tree := Build([]Entry{
		{Prefix: pfx("192.168.0.0/16"), Value: "x"},
	}, 32)

	if _, _, ok := tree.SearchBest(addr("172.16.0.1"), true); ok {
		t.Fatal("expected miss for disjoint prefix")
	}
}

func TestSearchBestExclusive(t *testing.T) {
	tree := Build([]Entry{
		{Prefix: pfx("10.0.0.5/32"), Value: "host"},
		{Prefix: pfx("10.0.0.0/24"), Value: "net"},
	}, 32)

	val, plen, ok := tree.SearchBest(addr("10.0.0.5"), true)
	if !ok || val != "host" || plen != 32 {
		t.Fatalf("inclusive lookup: got %v/%d ok=%v", val, plen, ok)
	}

	val, plen, ok = tree.SearchBest(addr("10.0.0.5"), false)
	if !ok || val != "net" || plen != 24 {
		t.Fatalf("exclusive lookup: got %v/%d ok=%v, want net/24", val, plen, ok)
	}
}

// TestIPv6Positive and TestIPv6Negative mirror spec §8 scenarios 3 and 4.
func TestIPv6Negative(t *testing.T) {
	tree := Build([]Entry{
		{Prefix: pfx("2a03:f480::/32"), Value: "net"},
	}, 128)

	if _, _, ok := tree.SearchBest(addr("2a03:2880:2130:cf05:face:b00c::1"), true); ok {
		t.Fatal("expected miss: address outside the /32")
	}
}

func TestIPv6Positive(t *testing.T) {
	tree := Build([]Entry{
		{Prefix: pfx("2a03:f480::/32"), Value: "net"},
	}, 128)

	val, plen, ok := tree.SearchBest(addr("2a03:f480:2130:cf05:face:b00c::1"), true)
	if !ok || val != "net" || plen != 32 {
		t.Fatalf("got %v/%d ok=%v, want net/32", val, plen, ok)
	}
}

func TestSearchBestContainmentProperty(t *testing.T) {
	// For any inserted prefix P and address A in P, SearchBest(A) must
	// return either P or a longer prefix that also contains A.
	tree := Build([]Entry{
		{Prefix: pfx("172.16.0.0/12"), Value: 12},
		{Prefix: pfx("172.16.0.0/16"), Value: 16},
		{Prefix: pfx("172.16.5.0/24"), Value: 24},
	}, 32)

	cases := []string{"172.16.5.1", "172.16.9.1", "172.31.255.255"}
	for _, c := range cases {
		a := addr(c)
		_, plen, ok := tree.SearchBest(a, true)
		if !ok {
			t.Fatalf("%s: expected a match inside 172.16.0.0/12", c)
		}
		if plen < 12 {
			t.Fatalf("%s: matched prefix length %d shorter than inserted minimum 12", c, plen)
		}
	}
}

func TestWalkExportsAllEntries(t *testing.T) {
	entries := []Entry{
		{Prefix: pfx("10.0.0.0/8"), Value: 1},
		{Prefix: pfx("192.168.0.0/16"), Value: 2},
		{Prefix: pfx("172.16.0.0/12"), Value: 3},
	}
	tree := Build(entries, 32)

	seen := map[string]bool{}
	tree.Walk(func(p netip.Prefix, v any) {
		seen[p.String()] = true
	})

	for _, e := range entries {
		if !seen[e.Prefix.String()] {
			t.Errorf("Walk did not visit %s", e.Prefix)
		}
	}
	if tree.Len() != 3 {
		t.Errorf("Len() = %d, want 3", tree.Len())
	}
}

func TestDualRoutesByFamily(t *testing.T) {
	d := BuildDual([]Entry{
		{Prefix: pfx("10.0.0.0/8"), Value: "v4"},
		{Prefix: pfx("2001:db8::/32"), Value: "v6"},
	})

	if val, _, ok := d.SearchBest(addr("10.1.2.3"), true); !ok || val != "v4" {
		t.Fatalf("v4 lookup failed: val=%v ok=%v", val, ok)
	}
	if val, _, ok := d.SearchBest(addr("2001:db8::1"), true); !ok || val != "v6" {
		t.Fatalf("v6 lookup failed: val=%v ok=%v", val, ok)
	}
}
