package ui

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ljdmx/SilentLink/internal/session"
)

// CallSummaryView renders the end-of-call report as a bordered table.
func CallSummaryView(sum session.Summary) string {
	role := sum.Role
	if role == "" {
		role = "-"
	}

	t := table.NewWriter()
	t.SetTitle("%s Session Summary", IconShield)
	t.SetStyle(table.StyleRounded)
	t.Style().Title.Align = text.AlignCenter

	t.AppendRow(table.Row{"Room", sum.Room})
	t.AppendRow(table.Row{"Role", role})
	t.AppendRow(table.Row{"Duration", formatDuration(sum.Duration)})
	t.AppendSeparator()

	t.AppendRow(table.Row{"Messages sent", sum.Tunnel.ChatSent})
	t.AppendRow(table.Row{"Messages received", sum.Tunnel.ChatReceived})
	t.AppendSeparator()

	t.AppendRow(table.Row{"Files sent",
		fmt.Sprintf("%d (%s)", sum.Tunnel.FilesSent, formatBytes(int64(sum.Tunnel.BytesSent)))})
	t.AppendRow(table.Row{"Files received",
		fmt.Sprintf("%d (%s)", sum.Tunnel.FilesReceived, formatBytes(int64(sum.Tunnel.BytesReceived)))})

	if sum.Pipeline.Frames > 0 {
		t.AppendSeparator()
		t.AppendRow(table.Row{"Frames captured", sum.Pipeline.Frames})
		t.AppendRow(table.Row{"Frames filtered", sum.Pipeline.Substituted})
	}

	if len(sum.Tracks) > 0 {
		t.AppendSeparator()
		for _, tr := range sum.Tracks {
			t.AppendRow(table.Row{
				"Remote " + tr.Kind,
				fmt.Sprintf("%d packets, %s", tr.Packets, formatBytes(int64(tr.Bytes))),
			})
		}
	}

	return t.Render()
}

// RenderCallSummary prints the report with surrounding whitespace.
func RenderCallSummary(sum session.Summary) {
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(CallSummaryView(sum))
	b.WriteString("\n")
	fmt.Println(b.String())
}
