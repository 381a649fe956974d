// Package report writes the batch output files.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/h1v3-io/triage/internal/logbuf"
	"github.com/h1v3-io/triage/pkg/protocol"
)

// Output file names inside the output directory.
const (
	TicketsFile = "generated_tickets.csv"
	MetricsFile = "metrics.csv"
	LogFile     = "processing_log.csv"
)

var ticketHeader = []string{"ticket_id", "title", "category", "priority", "details", "source_id", "source_type"}

// Metric is one row of metrics.csv.
type Metric struct {
	Name  string
	Value int
}

// Metrics tallies a batch's records. fallback is the number of records that
// came from the fallback path.
func Metrics(recs []protocol.TicketRecord, fallback int) []Metric {
	byCat := map[protocol.Category]int{}
	byPrio := map[protocol.Priority]int{}
	for _, r := range recs {
		byCat[r.Category]++
		byPrio[r.Priority]++
	}

	out := []Metric{
		{"total_tickets", len(recs)},
		{"fallback_tickets", fallback},
	}
	for _, c := range protocol.Categories {
		out = append(out, Metric{"category:" + string(c), byCat[c]})
	}
	for _, p := range protocol.Priorities {
		out = append(out, Metric{"priority:" + string(p), byPrio[p]})
	}
	return out
}

// WriteTickets writes one row per record, in order.
func WriteTickets(w io.Writer, recs []protocol.TicketRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ticketHeader); err != nil {
		return fmt.Errorf("report: tickets: %w", err)
	}
	for _, r := range recs {
		row := []string{r.TicketID, r.Title, string(r.Category), string(r.Priority), r.Details, r.SourceID, string(r.SourceType)}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("report: tickets: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("report: tickets: %w", err)
	}
	return nil
}

// WriteMetrics writes metric,value rows.
func WriteMetrics(w io.Writer, metrics []Metric) error {
	cw := csv.NewWriter(w)
	cw.Write([]string{"metric", "value"})
	for _, m := range metrics {
		cw.Write([]string{m.Name, strconv.Itoa(m.Value)})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("report: metrics: %w", err)
	}
	return nil
}

// WriteLog writes timestamp,action rows for the captured log entries.
func WriteLog(w io.Writer, entries []logbuf.Entry) error {
	cw := csv.NewWriter(w)
	cw.Write([]string{"timestamp", "action"})
	for _, e := range entries {
		cw.Write([]string{e.Time.Format(time.RFC3339), e.Action()})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("report: log: %w", err)
	}
	return nil
}

// Batch is everything written for one run.
type Batch struct {
	Records  []protocol.TicketRecord
	Fallback int
	Log      []logbuf.Entry
}

// WriteDir writes the three output files into dir, creating it if needed.
// It returns the paths written.
func WriteDir(dir string, b Batch) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("report: mkdir: %w", err)
	}
	files := []struct {
		name  string
		write func(io.Writer) error
	}{
		{TicketsFile, func(w io.Writer) error { return WriteTickets(w, b.Records) }},
		{MetricsFile, func(w io.Writer) error { return WriteMetrics(w, Metrics(b.Records, b.Fallback)) }},
		{LogFile, func(w io.Writer) error { return WriteLog(w, b.Log) }},
	}

	var paths []string
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if err := writeFile(path, f.write); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// writeFile writes through a temp file so readers never see a partial CSV.
func writeFile(path string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("report: create %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("report: close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("report: rename %s: %w", path, err)
	}
	return nil
}
