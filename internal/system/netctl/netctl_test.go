package netctl

import (
	"net"
	"testing"
)

func TestPickAddress(t *testing.T) {
	tests := []struct {
		name string
		ips  []string
		want string
	}{
		{"first global", []string{"10.0.0.5", "192.168.1.2"}, "10.0.0.5"},
		{"skips loopback", []string{"127.0.0.1", "10.0.0.5"}, "10.0.0.5"},
		{"skips link local", []string{"fe80::1", "2001:db8::1"}, "2001:db8::1"},
		{"none", []string{"127.0.0.1", "169.254.1.1"}, ""},
	}
	for _, tt := range tests {
		ips := make([]net.IP, 0, len(tt.ips))
		for _, s := range tt.ips {
			ips = append(ips, net.ParseIP(s))
		}
		got := pickAddress(ips)
		if tt.want == "" {
			if got != nil {
				t.Fatalf("%s: pickAddress() = %v, want nil", tt.name, got)
			}
			continue
		}
		if !got.Equal(net.ParseIP(tt.want)) {
			t.Fatalf("%s: pickAddress() = %v, want %s", tt.name, got, tt.want)
		}
	}
}

func TestSourceIPUnknownInterface(t *testing.T) {
	if _, err := SourceIP("does-not-exist0"); err == nil {
		t.Fatalf("SourceIP() of unknown interface should fail")
	}
}
