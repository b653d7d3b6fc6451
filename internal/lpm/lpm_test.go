package lpm

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
)

func TestSetLookupIPv4(t *testing.T) {
	s := NewSet()
	if err := s.Insert("192.0.2.0/24"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Insert("198.51.100.5/32"); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	cases := []struct {
		addr  string
		match bool
	}{
		{"192.0.2.1", true},
		{"192.0.2.255", true},
		{"192.0.3.1", false},
		{"198.51.100.5", true},
		{"198.51.100.6", false},
	}
	for _, c := range cases {
		got := s.Lookup(netip.MustParseAddr(c.addr))
		if got != c.match {
			t.Errorf("Lookup(%s) = %v, want %v", c.addr, got, c.match)
		}
	}
}

func TestSetLookupIPv6(t *testing.T) {
	s := NewSet()
	if err := s.Insert("2001:db8::/32"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if got := s.Lookup(netip.MustParseAddr("2001:db8::1")); !got {
		t.Error("2001:db8::1 should match 2001:db8::/32")
	}
	if got := s.Lookup(netip.MustParseAddr("2001:db9::1")); got {
		t.Error("2001:db9::1 should not match 2001:db8::/32")
	}
}

func TestSetLookupDoesNotCrossFamilies(t *testing.T) {
	s := NewSet()
	if err := s.Insert("0.0.0.0/0"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if got := s.Lookup(netip.MustParseAddr("2001:db8::1")); got {
		t.Error("an IPv4 default route should not match an IPv6 address")
	}
	if got := s.Lookup(netip.MustParseAddr("203.0.113.1")); !got {
		t.Error("0.0.0.0/0 should match every IPv4 address")
	}
}

func TestSetInsertFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prefixes.txt")
	content := "# comment\n192.0.2.0/24\n\n2001:db8::/32\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s := NewSet()
	if err := s.InsertFile(path); err != nil {
		t.Fatalf("InsertFile: %v", err)
	}
	if !s.Lookup(netip.MustParseAddr("192.0.2.1")) {
		t.Error("expected 192.0.2.1 to match after InsertFile")
	}
	if !s.Lookup(netip.MustParseAddr("2001:db8::1")) {
		t.Error("expected 2001:db8::1 to match after InsertFile")
	}
}

func TestSetInsertRejectsInvalidPrefix(t *testing.T) {
	s := NewSet()
	if err := s.Insert("not-a-prefix"); err == nil {
		t.Fatal("Insert with a malformed prefix should fail")
	}
}

func TestSetInsertFileMissing(t *testing.T) {
	s := NewSet()
	if err := s.InsertFile(filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Fatal("InsertFile with a missing path should fail")
	}
}
