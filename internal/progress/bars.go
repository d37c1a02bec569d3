package progress

import (
	"fmt"
	"io"
	"sync"
	"time"

	pretty "github.com/jedib0t/go-pretty/v6/progress"
)

// Bars renders one live progress bar per transfer.
type Bars struct {
	writer pretty.Writer

	mu       sync.Mutex
	trackers map[string]*pretty.Tracker
}

func NewBars(out io.Writer) *Bars {
	pw := pretty.NewWriter()
	pw.SetOutputWriter(out)
	pw.SetAutoStop(false)
	pw.SetMessageLength(48)
	pw.SetTrackerLength(30)
	pw.SetTrackerPosition(pretty.PositionRight)
	pw.SetUpdateFrequency(100 * time.Millisecond)
	pw.SetStyle(pretty.StyleDefault)
	pw.Style().Visibility.ETA = true
	pw.Style().Visibility.Speed = false
	pw.Style().Visibility.Value = true

	return &Bars{
		writer:   pw,
		trackers: make(map[string]*pretty.Tracker),
	}
}

// Start begins rendering in the background.
func (b *Bars) Start() {
	go b.writer.Render()
}

// Stop waits for the final frame and stops rendering.
func (b *Bars) Stop() {
	time.Sleep(150 * time.Millisecond)
	b.writer.Stop()
}

func (b *Bars) Update(u Update) {
	b.mu.Lock()
	tracker, ok := b.trackers[u.Task]
	if !ok {
		tracker = &pretty.Tracker{
			Message: message(u),
			Total:   u.Total,
			Units:   pretty.UnitsBytes,
		}
		b.trackers[u.Task] = tracker
		b.writer.AppendTracker(tracker)
	}
	b.mu.Unlock()

	tracker.SetValue(u.Bytes)
	tracker.UpdateMessage(message(u))

	switch {
	case u.Err != nil:
		tracker.MarkAsErrored()
	case u.Done:
		tracker.MarkAsDone()
	}
}

func message(u Update) string {
	msg := fmt.Sprintf("%-28s %9.2f Mbps", u.Task, u.SpeedBps/1e6)
	if u.LatencyMs != nil {
		msg += fmt.Sprintf("  %7.2f ms", *u.LatencyMs)
	}
	return msg
}
