package audit

import (
	"context"
	"encoding/csv"
	"io"
	"iter"
	"strconv"
	"time"
)

var exportHeader = []string{"id", "timestamp", "actor_id", "action", "resource", "source_ip", "outcome", "detail", "hash"}

// WriteCSV streams entries as CSV and returns how many rows were written.
func WriteCSV(ctx context.Context, w io.Writer, entries iter.Seq2[Entry, error]) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return 0, err
	}
	n := 0
	for e, err := range entries {
		if err != nil {
			return n, err
		}
		if err := ctx.Err(); err != nil {
			return n, err
		}
		record := []string{
			strconv.FormatInt(e.ID, 10),
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.ActorID,
			e.Action,
			e.Resource,
			e.SourceIP,
			string(e.Outcome),
			e.Detail,
			e.Hash,
		}
		if err := cw.Write(record); err != nil {
			return n, err
		}
		n++
	}
	cw.Flush()
	return n, cw.Error()
}
