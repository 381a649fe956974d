package report

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h1v3-io/triage/internal/logbuf"
	"github.com/h1v3-io/triage/pkg/protocol"
)

var recs = []protocol.TicketRecord{
	{TicketID: "TKT-R1", Title: "Login crash", Category: protocol.CategoryBug, Priority: protocol.PriorityHigh,
		Details: `{"steps":["open app","tap login"]}`, SourceID: "R1", SourceType: protocol.SourceReview},
	{TicketID: "TKT-E1", Title: "Error Processing E1", Category: protocol.CategoryError, Priority: protocol.PriorityLow,
		Details: `{"error":"Agents did not produce valid JSON"}`, SourceID: "E1", SourceType: protocol.SourceEmail},
}

func readCSV(t *testing.T, s string) [][]string {
	t.Helper()
	rows, err := csv.NewReader(strings.NewReader(s)).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestWriteTickets(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTickets(&buf, recs))

	rows := readCSV(t, buf.String())
	require.Len(t, rows, 3)
	assert.Equal(t, ticketHeader, rows[0])
	assert.Equal(t, []string{"TKT-R1", "Login crash", "Bug", "High", `{"steps":["open app","tap login"]}`, "R1", "Review"}, rows[1])
	assert.Equal(t, "Error", rows[2][2])
}

func TestMetrics(t *testing.T) {
	m := Metrics(recs, 1)
	got := map[string]int{}
	for _, row := range m {
		got[row.Name] = row.Value
	}
	assert.Equal(t, "total_tickets", m[0].Name)
	assert.Equal(t, 2, got["total_tickets"])
	assert.Equal(t, 1, got["fallback_tickets"])
	assert.Equal(t, 1, got["category:Bug"])
	assert.Equal(t, 0, got["category:Praise"])
	assert.Equal(t, 1, got["priority:Low"])
	assert.Len(t, m, 2+len(protocol.Categories)+len(protocol.Priorities))
}

func TestWriteLog(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	require.NoError(t, WriteLog(&buf, []logbuf.Entry{
		{Time: ts, Message: "item triaged", Item: "R1"},
		{Time: ts, Message: "batch complete"},
	}))

	rows := readCSV(t, buf.String())
	assert.Equal(t, [][]string{
		{"timestamp", "action"},
		{"2026-03-01T12:00:00Z", "[R1] item triaged"},
		{"2026-03-01T12:00:00Z", "batch complete"},
	}, rows)
}

func TestWriteDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "outputs")

	paths, err := WriteDir(dir, Batch{Records: recs, Fallback: 1})
	require.NoError(t, err)
	require.Len(t, paths, 3)

	for _, name := range []string{TicketsFile, MetricsFile, LogFile} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
	leftovers, _ := filepath.Glob(filepath.Join(dir, ".*"))
	assert.Empty(t, leftovers, "temp files removed")

	data, err := os.ReadFile(filepath.Join(dir, MetricsFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), "total_tickets,2\n")
}

func TestWriteDir_EmptyBatch(t *testing.T) {
	dir := t.TempDir()
	_, err := WriteDir(dir, Batch{})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, TicketsFile))
	require.NoError(t, err)
	assert.Equal(t, strings.Join(ticketHeader, ",")+"\n", string(data))
}
