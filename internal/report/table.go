package report

import (
	"fmt"
	"io"

	"github.com/DrC0ns0le/net-speedtest/internal/measure"
	"github.com/DrC0ns0le/net-speedtest/internal/measure/target"
	"github.com/DrC0ns0le/net-speedtest/internal/results"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

const absent = "-"

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	return t
}

func speed(set results.Set, metric string, p target.Protocol) string {
	v, ok := set.Get(results.Key(metric, p))
	if !ok {
		return absent
	}
	return FormatBitsPerSecond(v * 1e6)
}

func millis(set results.Set, metric string, p target.Protocol) string {
	v, ok := set.Get(results.Key(metric, p))
	if !ok {
		return absent
	}
	return FormatMillis(v)
}

func percent(set results.Set, metric string, p target.Protocol) string {
	v, ok := set.Get(results.Key(metric, p))
	if !ok {
		return absent
	}
	return fmt.Sprintf("%.1f%%", v)
}

// Results renders one row per protocol.
func Results(w io.Writer, set results.Set, protocols []target.Protocol) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Protocol", "Download", "Upload", "Latency", "Jitter", "Loss", "Loaded latency"})
	for _, p := range protocols {
		t.AppendRow(table.Row{
			string(p),
			speed(set, results.Download, p),
			speed(set, results.Upload, p),
			millis(set, results.Latency, p),
			millis(set, results.Jitter, p),
			percent(set, results.PacketLoss, p),
			millis(set, results.LoadedLatency, p),
		})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
		{Number: 7, Align: text.AlignRight},
	})
	t.Render()
}

// Passes renders the server chosen for every role and how the pass ended.
func Passes(w io.Writer, passes []measure.RoleReport) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Role", "Protocol", "Server", "Probe latency", "Transfers", "State"})
	for _, p := range passes {
		server, latency := absent, absent
		if p.Selection != nil {
			server = p.Selection.Server.String()
			latency = FormatMillis(p.Selection.LatencyMs)
		}
		failed := 0
		for _, tr := range p.Transfers {
			if tr.Measurement.Err != nil {
				failed++
			}
		}
		transfers := fmt.Sprintf("%d", len(p.Transfers))
		if failed > 0 {
			transfers = fmt.Sprintf("%d (%d failed)", len(p.Transfers), failed)
		}
		state := string(p.State)
		if p.State == measure.RoleSkipped {
			state = text.FgRed.Sprint(state)
		}
		t.AppendRow(table.Row{string(p.Role), string(p.Protocol), server, latency, transfers, state})
	}
	t.Render()
}

// History renders past runs, one per row, with mean speeds per protocol.
func History(w io.Writer, records []results.Record) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Run", "Time", "Protocol", "Download", "Upload", "Latency", "Loss"})
	for _, r := range records {
		for _, p := range r.Protocols {
			t.AppendRow(table.Row{
				r.ID,
				r.Timestamp.Local().Format("2006-01-02 15:04:05"),
				string(p),
				speed(r.Results, results.Download, p),
				speed(r.Results, results.Upload, p),
				millis(r.Results, results.Latency, p),
				percent(r.Results, results.PacketLoss, p),
			})
		}
		t.AppendSeparator()
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, AutoMerge: true},
		{Number: 2, AutoMerge: true},
	})
	t.Render()
}
