package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DrC0ns0le/net-speedtest/internal/measure/target"
)

const sample = `
servers:
  download:
    - name: fra
      host: speed-fra.example.net
    - host: 192.0.2.10
      port: 9000
      protocols: [tcp, udp]
  upload:
    - host: speed-ams.example.net
protocols: [tcp, UDP, tcp]
sizes: [1MB, "500kb", 2048]
probe:
  attempts: 3
  timeout: 1.5
load:
  duration: 5s
transfer:
  udp_rate: 50Mbps
  retry:
    tries: 4
    delay: 1
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if got := len(cfg.Servers.Pool(target.Download)); got != 2 {
		t.Fatalf("download pool has %d servers", got)
	}
	if got := cfg.Servers.Pool(target.Upload)[0].Host; got != "speed-ams.example.net" {
		t.Fatalf("upload host = %q", got)
	}
	if !cfg.Servers.Download[1].Supports(target.UDP) || cfg.Servers.Download[1].Supports(target.ICMP) {
		t.Fatalf("protocol affinity not decoded: %v", cfg.Servers.Download[1].Protocols)
	}

	protocols, err := cfg.ParsedProtocols()
	if err != nil {
		t.Fatalf("ParsedProtocols() error = %v", err)
	}
	if len(protocols) != 2 || protocols[0] != target.TCP || protocols[1] != target.UDP {
		t.Fatalf("protocols = %v", protocols)
	}

	sizes := cfg.SizeBytes()
	want := []int64{1_000_000, 500_000, 2048}
	for i := range want {
		if sizes[i] != want[i] {
			t.Fatalf("sizes = %v, want %v", sizes, want)
		}
	}

	if cfg.Probe.Attempts != 3 || cfg.Probe.Timeout.Duration() != 1500*time.Millisecond {
		t.Fatalf("probe = %+v", cfg.Probe)
	}
	if cfg.Probe.Pause.Duration() != defaultProbePause {
		t.Fatalf("probe pause default not applied")
	}
	if cfg.Load.Duration.Duration() != 5*time.Second || cfg.Load.Interval.Duration() != time.Second {
		t.Fatalf("load = %+v", cfg.Load)
	}
	if cfg.Transfer.UDPRateBps != 50e6 {
		t.Fatalf("udp rate = %v", cfg.Transfer.UDPRateBps)
	}
	if cfg.Transfer.Retry.Tries != 4 || cfg.Transfer.Retry.Delay.Duration() != time.Second || cfg.Transfer.Retry.Backoff != 2 {
		t.Fatalf("retry = %+v", cfg.Transfer.Retry)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if len(cfg.Protocols) != 3 {
		t.Fatalf("protocols = %v", cfg.Protocols)
	}
	if len(cfg.Sizes) != 3 || cfg.Sizes[0].Bytes() != 1_000_000 {
		t.Fatalf("sizes = %v", cfg.Sizes)
	}
	if cfg.Probe.Attempts != 5 {
		t.Fatalf("attempts = %d", cfg.Probe.Attempts)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown protocol", "protocols: [quic]"},
		{"empty host", "servers:\n  download:\n    - host: ' '"},
		{"bad size", "sizes: [10XB]"},
		{"bad rate", "transfer:\n  udp_rate: fast"},
		{"backoff below one", "transfer:\n  retry:\n    backoff: 0.5"},
		{"tiny packet", "transfer:\n  packet_size: 4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); err == nil {
				t.Fatalf("Parse() succeeded, want error")
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "speedtest.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("Load() of missing file succeeded")
	}
}

func TestParseUnits(t *testing.T) {
	bytesCases := map[string]int64{
		"1500":  1500,
		"1.5KB": 1500,
		"10 MB": 10_000_000,
		"1MiB":  1 << 20,
		"2g":    2_000_000_000,
	}
	for in, want := range bytesCases {
		got, err := ParseBytes(in)
		if err != nil || got != want {
			t.Fatalf("ParseBytes(%q) = %d, %v; want %d", in, got, err, want)
		}
	}

	rateCases := map[string]float64{
		"100Mbps": 100e6,
		"1g":      1e9,
		"10MB/s":  80e6,
	}
	for in, want := range rateCases {
		got, err := ParseBandwidth(in)
		if err != nil || got != want {
			t.Fatalf("ParseBandwidth(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
}
