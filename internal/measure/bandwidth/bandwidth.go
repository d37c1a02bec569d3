package bandwidth

import (
	"context"
	"encoding/binary"
	"math"
	"net"
	"time"

	"github.com/DrC0ns0le/net-speedtest/internal/measure/target"
	"github.com/pkg/errors"
)

const (
	DefaultPacketSize  = 1200
	DefaultUDPRate     = 100e6
	DefaultDialTimeout = 2 * time.Second
	// DefaultIdleTimeout bounds the silence tolerated mid-transfer
	DefaultIdleTimeout = 3 * time.Second

	// Largest transfer the server will accept
	MaxTransferSize = 10 << 30

	tcpBufferSize = 128 << 10
	udpHeaderSize = 5
	minPacketSize = 24
)

// ErrTransferExhausted is recorded on a measurement whose every attempt failed.
var ErrTransferExhausted = errors.New("transfer exhausted")

// Measurement is the outcome of one transfer including its retries.
type Measurement struct {
	// Task name shown in progress output
	Task string
	// Protocol used
	Protocol target.Protocol
	// Direction relative to the client
	Direction target.Direction
	// Requested size in bytes
	Size int64
	// Bytes actually moved by the successful attempt
	Bytes int64
	// Time spent moving Bytes, excluding connection setup
	Elapsed time.Duration
	// Attempts made, including the successful one
	Attempts int
	// TCP segments retransmitted (linux only)
	Retransmits uint64
	// Datagrams sent and lost, UDP and ICMP only
	Datagrams uint64
	Lost      uint64
	// Non-nil when every attempt failed; wraps ErrTransferExhausted
	Err error
}

// Speed returns the throughput in bits per second. It is zero for failed
// transfers and when no time elapsed.
func (m Measurement) Speed() float64 {
	if m.Err != nil {
		return 0
	}
	return Speed(m.Bytes, m.Elapsed)
}

func (m Measurement) Mbps() float64 {
	return m.Speed() / 1e6
}

// Loss returns the datagram loss percentage.
func (m Measurement) Loss() float64 {
	if m.Datagrams == 0 {
		return 0
	}
	return math.Min(100, float64(m.Lost)/float64(m.Datagrams)*100)
}

// Speed computes bytes*8/seconds, or 0 when elapsed is not positive.
func Speed(bytes int64, elapsed time.Duration) float64 {
	if elapsed <= 0 || bytes <= 0 {
		return 0
	}
	return float64(bytes) * 8 / elapsed.Seconds()
}

// Transfer is what a transport reports for one attempt.
type Transfer struct {
	Bytes       int64
	Elapsed     time.Duration
	Retransmits uint64
	Datagrams   uint64
	Lost        uint64
}

// Counter is called by transports as bytes move.
type Counter func(n int64)

// Transport moves one payload against a server.
type Transport interface {
	Transfer(ctx context.Context, server target.Server, direction target.Direction, size int64, count Counter) (Transfer, error)
}

// Options tune the built-in transports.
type Options struct {
	// Source address for dials, nil for the default route
	SourceIP net.IP
	// Datagram size for UDP and ICMP transfers
	PacketSize int
	// UDP and ICMP pacing rate in bits/sec
	RateBps float64
	// Use raw ICMP sockets
	Privileged bool
	// Connect timeout
	DialTimeout time.Duration
	// Silence tolerated before a transfer is abandoned
	IdleTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.PacketSize <= 0 {
		o.PacketSize = DefaultPacketSize
	}
	if o.PacketSize < minPacketSize {
		o.PacketSize = minPacketSize
	}
	if o.RateBps <= 0 {
		o.RateBps = DefaultUDPRate
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	return o
}

// Transports returns the TCP, UDP and ICMP transports.
func Transports(opts Options) map[target.Protocol]Transport {
	opts = opts.withDefaults()
	return map[target.Protocol]Transport{
		target.TCP:  &tcpTransport{opts: opts},
		target.UDP:  &udpTransport{opts: opts},
		target.ICMP: &icmpTransport{opts: opts},
	}
}

// packets returns how many datagrams of packetSize carry size bytes.
func packets(size int64, packetSize int) uint64 {
	if size <= 0 {
		return 0
	}
	return uint64((size + int64(packetSize) - 1) / int64(packetSize))
}

// TCP request header: op byte followed by the big-endian size.
const (
	opDownload byte = 'D'
	opUpload   byte = 'U'
	tcpHeaderSize   = 9
)

func encodeTCPHeader(op byte, size int64) []byte {
	buf := make([]byte, tcpHeaderSize)
	buf[0] = op
	binary.BigEndian.PutUint64(buf[1:], uint64(size))
	return buf
}

// cancelOnDone unblocks conn I/O when ctx ends. The returned func stops the watcher.
func cancelOnDone(ctx context.Context, conn net.Conn) func() {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetDeadline(time.Now())
		case <-stop:
		}
	}()
	return func() { close(stop) }
}
