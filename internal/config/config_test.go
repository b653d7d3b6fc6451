package config

import (
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	c := DefaultConfig()
	c.Interface = "eth0"
	return c
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestDefaultDstPortFloorIsTracerouteSentinel(t *testing.T) {
	if got := DefaultConfig().DstPortFloor; got != 33434 {
		t.Fatalf("DstPortFloor = %d, want 33434", got)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing interface", func(c *Config) { c.Interface = "" }},
		{"unknown protocol", func(c *Config) { c.Protocol = "tcp" }},
		{"zero rate", func(c *Config) { c.ProbingRate = 0 }},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }},
		{"unknown rate method", func(c *Config) { c.RateLimitingMethod = "busy" }},
		{"ttl bounds inverted", func(c *Config) { c.FilterMinTTL = 10; c.FilterMaxTTL = 5 }},
		{"zero min ttl", func(c *Config) { c.FilterMinTTL = 0 }},
		{"zero n_packets", func(c *Config) { c.NPackets = 0 }},
		{"missing input", func(c *Config) { c.InputFile = "" }},
		{"missing output", func(c *Config) { c.OutputFileCSV = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := validConfig()
			tc.mutate(c)
			if err := c.Validate(); err == nil {
				t.Fatal("Validate accepted an invalid config")
			}
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	want := validConfig()
	want.ProbingRate = 50000
	want.Protocol = "udp"
	want.MetaRound = "7"
	want.MaxProbes = 1234

	if err := want.SaveTo(path); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}
	got, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if got.Interface != want.Interface || got.ProbingRate != want.ProbingRate ||
		got.Protocol != want.Protocol || got.MetaRound != want.MetaRound ||
		got.MaxProbes != want.MaxProbes || got.BatchSize != want.BatchSize {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestLoadFromMissingFileFails(t *testing.T) {
	if _, err := LoadFrom(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("LoadFrom on a missing file should fail")
	}
}
