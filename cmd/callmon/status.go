package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/vango-go/callmon/pkg/monitor"
)

func renderStatus(st monitor.Status) string {
	auth := "ok"
	if st.AuthError != nil {
		auth = st.AuthError.Error()
	}
	callID := st.CallID
	if callID == "" {
		callID = "-"
	}

	rows := [][]string{
		{"User", st.UserID},
		{"Call", st.Call.String()},
		{"Call ID", callID},
		{"Ignored signals", fmt.Sprint(st.IgnoredSignals)},
		{"Channel", st.Channel.String()},
		{"Retries", fmt.Sprint(st.RetryCount)},
		{"Auth", auth},
		{"Sampling", yesNo(st.Sampling)},
		{"Participants", fmt.Sprint(st.Participants)},
		{"Frames sent", humanize.Comma(int64(st.Session.Sent))},
		{"Frames dropped", humanize.Comma(int64(st.Session.Dropped))},
		{"Queued", fmt.Sprint(st.Session.Queued)},
		{"Captures", fmt.Sprintf("%d ok, %d failed, %d skipped", st.Sampler.Captured, st.Sampler.Failed, st.Sampler.Skipped)},
		{"Inbound", fmt.Sprintf("%d applied, %d duplicate, %d pending, %d dropped", st.Store.Applied, st.Store.Duplicates, st.Store.Pending, st.InboundDropped)},
	}
	return renderTable([]string{"Field", "Value"}, rows)
}

func renderTable(headers []string, rows [][]string) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	tw.AppendHeader(header)
	for _, row := range rows {
		r := make(table.Row, len(headers))
		for i := range headers {
			if i < len(row) {
				r[i] = row[i]
			}
		}
		tw.AppendRow(r)
	}
	tw.SetColumnConfigs([]table.ColumnConfig{{Number: 1, Align: text.AlignLeft, AlignHeader: text.AlignLeft}})
	return tw.Render()
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
