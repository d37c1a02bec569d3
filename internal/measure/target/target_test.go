package target

import "testing"

func TestParseProtocol(t *testing.T) {
	for _, in := range []string{"tcp", " UDP ", "Icmp"} {
		if _, err := ParseProtocol(in); err != nil {
			t.Fatalf("ParseProtocol(%q) returned error: %v", in, err)
		}
	}
	if _, err := ParseProtocol("http3"); err == nil {
		t.Fatalf("expected error for unknown protocol")
	}
}

func TestServerAddress(t *testing.T) {
	if got := (Server{Host: "example.net"}).Address(); got != "example.net:5121" {
		t.Fatalf("Address() = %q", got)
	}
	if got := (Server{Host: "::1", Port: 9000}).Address(); got != "[::1]:9000" {
		t.Fatalf("Address() = %q", got)
	}
}

func TestServerSupports(t *testing.T) {
	all := Server{Host: "a"}
	if !all.Supports(ICMP) {
		t.Fatalf("empty affinity should support every protocol")
	}
	tcpOnly := Server{Host: "b", Protocols: []Protocol{TCP}}
	if tcpOnly.Supports(UDP) {
		t.Fatalf("tcp-only server should not support udp")
	}
	if !tcpOnly.Supports(TCP) {
		t.Fatalf("tcp-only server should support tcp")
	}
}
