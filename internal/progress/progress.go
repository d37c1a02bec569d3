// Package progress carries live transfer updates to a display.
package progress

import (
	"sync"
	"time"

	"github.com/DrC0ns0le/net-speedtest/internal/measure/target"
	"github.com/DrC0ns0le/net-speedtest/pkg/logging"
)

// Update describes one transfer at a point in time.
type Update struct {
	// Task name, unique per transfer
	Task string
	// Protocol of the transfer
	Protocol target.Protocol
	// Direction of the transfer
	Direction target.Direction
	// Bytes moved so far
	Bytes int64
	// Bytes requested
	Total int64
	// Smoothed instantaneous speed in bits/sec
	SpeedBps float64
	// Latest latency under load in ms, nil when not sampled yet
	LatencyMs *float64
	// Set on the final update of a transfer
	Done bool
	// Set on the final update of a failed transfer
	Err error
}

type Sink interface {
	Update(u Update)
}

// Func adapts a function to a Sink.
type Func func(u Update)

func (f Func) Update(u Update) { f(u) }

// Discard drops every update.
var Discard Sink = Func(func(Update) {})

// LogSink writes one debug line per update, at most once per interval per task.
type LogSink struct {
	logger   logging.Logger
	interval time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

func NewLogSink(logger logging.Logger, interval time.Duration) *LogSink {
	return &LogSink{
		logger:   logger,
		interval: interval,
		last:     make(map[string]time.Time),
	}
}

func (s *LogSink) Update(u Update) {
	now := time.Now()
	s.mu.Lock()
	if !u.Done && now.Sub(s.last[u.Task]) < s.interval {
		s.mu.Unlock()
		return
	}
	s.last[u.Task] = now
	if u.Done {
		delete(s.last, u.Task)
	}
	s.mu.Unlock()

	logger := s.logger.With("protocol", string(u.Protocol), "task", u.Task)
	switch {
	case u.Err != nil:
		logger.Warnf("transfer failed after %d/%d bytes: %v", u.Bytes, u.Total, u.Err)
	case u.Done:
		logger.Debugf("transfer done, %d bytes at %.2f Mbps", u.Bytes, u.SpeedBps/1e6)
	case u.LatencyMs != nil:
		logger.Debugf("%d/%d bytes, %.2f Mbps, loaded latency %.2f ms", u.Bytes, u.Total, u.SpeedBps/1e6, *u.LatencyMs)
	default:
		logger.Debugf("%d/%d bytes, %.2f Mbps", u.Bytes, u.Total, u.SpeedBps/1e6)
	}
}

// Multi fans updates out to several sinks.
type Multi []Sink

func (m Multi) Update(u Update) {
	for _, s := range m {
		s.Update(u)
	}
}
