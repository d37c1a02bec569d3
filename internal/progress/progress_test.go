package progress

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/DrC0ns0le/net-speedtest/internal/measure/target"
	"github.com/DrC0ns0le/net-speedtest/pkg/logging"
)

func TestLogSinkThrottles(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(logging.New(logging.Config{Level: "debug", Output: &buf}), time.Hour)

	for i := 0; i < 5; i++ {
		sink.Update(Update{Task: "download-tcp-1MB", Protocol: target.TCP, Bytes: int64(i), Total: 5})
	}
	sink.Update(Update{Task: "download-tcp-1MB", Protocol: target.TCP, Bytes: 5, Total: 5, Done: true})

	lines := strings.Count(buf.String(), "\n")
	if lines != 2 {
		t.Fatalf("got %d log lines, want 2:\n%s", lines, buf.String())
	}
	if !strings.Contains(buf.String(), "protocol=tcp") {
		t.Fatalf("missing protocol tag:\n%s", buf.String())
	}
}

func TestMultiFansOut(t *testing.T) {
	var a, b int
	m := Multi{
		Func(func(Update) { a++ }),
		Func(func(Update) { b++ }),
		Discard,
	}
	m.Update(Update{Task: "x"})
	if a != 1 || b != 1 {
		t.Fatalf("a=%d b=%d, want 1 each", a, b)
	}
}

func TestMessageIncludesLoadedLatency(t *testing.T) {
	lat := 42.5
	got := message(Update{Task: "upload-udp-10MB", SpeedBps: 25e6, LatencyMs: &lat})
	if !strings.Contains(got, "25.00 Mbps") || !strings.Contains(got, "42.50 ms") {
		t.Fatalf("message() = %q", got)
	}
}
