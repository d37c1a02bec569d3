package bandwidth

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/DrC0ns0le/net-speedtest/internal/measure/latency"
	"github.com/DrC0ns0le/net-speedtest/internal/measure/retry"
	"github.com/DrC0ns0le/net-speedtest/internal/measure/target"
	"github.com/DrC0ns0le/net-speedtest/internal/progress"
	"github.com/DrC0ns0le/net-speedtest/pkg/logging"
	"github.com/pkg/errors"
)

func startServer(t *testing.T) target.Server {
	t.Helper()
	srv := NewServer("127.0.0.1:0", logging.Discard())
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(srv.Stop)

	host, portStr, _ := net.SplitHostPort(srv.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return target.Server{Host: host, Port: port}
}

func testRunner() *Runner {
	transports := Transports(Options{PacketSize: 1200, RateBps: 1e9})
	policy := retry.Policy{Tries: 2, Delay: 10 * time.Millisecond, Backoff: 2}
	return NewRunner(transports, policy, logging.Discard())
}

type recordingSink struct {
	mu      sync.Mutex
	updates []progress.Update
}

func (s *recordingSink) Update(u progress.Update) {
	s.mu.Lock()
	s.updates = append(s.updates, u)
	s.mu.Unlock()
}

func (s *recordingSink) last() progress.Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates[len(s.updates)-1]
}

func TestSpeed(t *testing.T) {
	tests := []struct {
		bytes   int64
		elapsed time.Duration
		want    float64
	}{
		{bytes: 1_000_000, elapsed: time.Second, want: 8e6},
		{bytes: 125_000, elapsed: 500 * time.Millisecond, want: 2e6},
		{bytes: 0, elapsed: time.Second, want: 0},
		{bytes: 1000, elapsed: 0, want: 0},
		{bytes: 1000, elapsed: -time.Second, want: 0},
	}
	for _, tt := range tests {
		if got := Speed(tt.bytes, tt.elapsed); got != tt.want {
			t.Fatalf("Speed(%d, %s) = %v, want %v", tt.bytes, tt.elapsed, got, tt.want)
		}
	}

	failed := Measurement{Bytes: 1000, Elapsed: time.Second, Err: ErrTransferExhausted}
	if failed.Speed() != 0 {
		t.Fatalf("failed measurement speed = %v, want 0", failed.Speed())
	}
}

func TestTransfersAgainstServer(t *testing.T) {
	server := startServer(t)
	runner := testRunner()

	tests := []struct {
		protocol  target.Protocol
		direction target.Direction
		size      int64
	}{
		{target.TCP, target.Download, 1 << 20},
		{target.TCP, target.Upload, 1 << 20},
		{target.UDP, target.Download, 60_000},
		{target.UDP, target.Upload, 60_000},
	}

	for _, tt := range tests {
		t.Run(string(tt.direction)+"-"+string(tt.protocol), func(t *testing.T) {
			sink := &recordingSink{}
			m := runner.Run(context.Background(), Job{
				Task:      "test",
				Server:    server,
				Protocol:  tt.protocol,
				Direction: tt.direction,
				Size:      tt.size,
			}, sink)

			if m.Err != nil {
				t.Fatalf("Run() error = %v", m.Err)
			}
			if m.Bytes <= 0 || m.Bytes > tt.size {
				t.Fatalf("moved %d bytes of %d", m.Bytes, tt.size)
			}
			if m.Speed() < 0 {
				t.Fatalf("negative speed %v", m.Speed())
			}
			if !sink.last().Done {
				t.Fatalf("final progress update not marked done")
			}
		})
	}
}

func TestZeroBytePayload(t *testing.T) {
	runner := testRunner()
	for _, p := range target.Protocols {
		m := runner.Run(context.Background(), Job{
			Task:      "empty",
			Server:    target.Server{Host: "127.0.0.1", Port: 1},
			Protocol:  p,
			Direction: target.Download,
			Size:      0,
		}, nil)
		if m.Err != nil {
			t.Fatalf("%s: Run() error = %v", p, m.Err)
		}
		if m.Speed() != 0 {
			t.Fatalf("%s: speed = %v, want 0", p, m.Speed())
		}
	}
}

type failingTransport struct {
	mu    sync.Mutex
	calls int
}

func (f *failingTransport) Transfer(ctx context.Context, server target.Server, direction target.Direction, size int64, count Counter) (Transfer, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	count(size / 2)
	return Transfer{}, errors.Wrap(latency.ErrUnreachable, "connection reset")
}

func TestRunExhaustsRetries(t *testing.T) {
	transport := &failingTransport{}
	runner := NewRunner(
		map[target.Protocol]Transport{target.TCP: transport},
		retry.Policy{Tries: 3, Delay: time.Millisecond, Backoff: 2},
		logging.Discard(),
	)
	sink := &recordingSink{}

	m := runner.Run(context.Background(), Job{
		Task:      "doomed",
		Server:    target.Server{Host: "a"},
		Protocol:  target.TCP,
		Direction: target.Upload,
		Size:      1000,
	}, sink)

	if !errors.Is(m.Err, ErrTransferExhausted) {
		t.Fatalf("Err = %v, want ErrTransferExhausted", m.Err)
	}
	if transport.calls != 3 || m.Attempts != 3 {
		t.Fatalf("calls = %d, attempts = %d, want 3", transport.calls, m.Attempts)
	}
	if m.Speed() != 0 {
		t.Fatalf("speed = %v, want 0", m.Speed())
	}
	last := sink.last()
	if !last.Done || last.Err == nil {
		t.Fatalf("final update = %+v, want done with error", last)
	}
}

func TestRunUnknownProtocol(t *testing.T) {
	runner := NewRunner(map[target.Protocol]Transport{}, retry.DefaultPolicy(), logging.Discard())
	m := runner.Run(context.Background(), Job{Protocol: target.ICMP, Size: 10}, nil)
	if !errors.Is(m.Err, ErrTransferExhausted) {
		t.Fatalf("Err = %v, want ErrTransferExhausted", m.Err)
	}
}

func TestTCPUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	ln.Close()
	port, _ := strconv.Atoi(portStr)

	tr := Transports(Options{DialTimeout: 200 * time.Millisecond})[target.TCP]
	_, err = tr.Transfer(context.Background(), target.Server{Host: host, Port: port}, target.Download, 100, func(int64) {})
	if !errors.Is(err, latency.ErrUnreachable) {
		t.Fatalf("Transfer() error = %v, want ErrUnreachable", err)
	}
}

func TestFinalRoundTrip(t *testing.T) {
	packets, bytes, elapsed, err := parseFinal(formatFinal(50, 60000, 1500*time.Microsecond))
	if err != nil {
		t.Fatalf("parseFinal() error = %v", err)
	}
	if packets != 50 || bytes != 60000 || elapsed != 1500*time.Microsecond {
		t.Fatalf("parseFinal() = %d, %d, %s", packets, bytes, elapsed)
	}
	if _, _, _, err := parseFinal("STATS|1"); err == nil {
		t.Fatalf("expected error for non-final message")
	}
}

func TestMeasurementLoss(t *testing.T) {
	m := Measurement{Datagrams: 200, Lost: 5}
	if m.Loss() != 2.5 {
		t.Fatalf("Loss() = %v, want 2.5", m.Loss())
	}
	if (Measurement{}).Loss() != 0 {
		t.Fatalf("Loss() without datagrams should be 0")
	}
}
