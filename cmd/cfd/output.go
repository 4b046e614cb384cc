package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/alfredjeanlab/changefeed/internal/model"
	"github.com/alfredjeanlab/changefeed/internal/ui"
)

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// printEvent writes one change event as a single line:
//
//	#12  update  users/1  {"name":"ada"}
func printEvent(w io.Writer, ev *model.ChangeEvent) {
	img := string(ev.NewImage)
	if ev.NewImage == nil {
		img = ui.RenderMuted("null")
	}
	fmt.Fprintf(w, "%s  %s  %s  %s\n",
		ui.RenderSequence(ev.SequenceNumber),
		ui.RenderEventType(string(ev.EventType)),
		ev.RecordKey,
		img)
}

func printRecord(w io.Writer, rec *model.Record) {
	fmt.Fprintf(w, "Key:      %s\n", rec.Key)
	fmt.Fprintf(w, "Version:  %d\n", rec.Version)
	fmt.Fprintf(w, "Value:    %s\n", rec.Value)
	if !rec.CreatedAt.IsZero() {
		fmt.Fprintf(w, "Created:  %s\n", rec.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	if !rec.UpdatedAt.IsZero() {
		fmt.Fprintf(w, "Updated:  %s\n", rec.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
}

func printRecordTable(w io.Writer, recs []*model.Record) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tVERSION\tUPDATED\tVALUE")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", r.Key, r.Version, r.UpdatedAt.Format("2006-01-02 15:04:05"), truncate(string(r.Value), 60))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d records\n", len(recs))
	return nil
}

func printConnectionTable(w io.Writer, conns []model.Connection) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTRANSPORT\tREMOTE\tESTABLISHED\tIDLE")
	for _, c := range conns {
		idle := time.Duration(c.IdleSecs * float64(time.Second)).Round(time.Second)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			c.ConnectionID, c.Transport, c.RemoteAddr,
			c.EstablishedAt.Format("2006-01-02 15:04:05"), idle)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d connections\n", len(conns))
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
