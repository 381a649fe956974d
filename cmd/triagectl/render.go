package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/h1v3-io/triage/internal/ticket"
	"github.com/h1v3-io/triage/internal/triage"
	"github.com/h1v3-io/triage/pkg/protocol"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#444444"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	boxStyle    = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
)

var priorityColors = map[protocol.Priority]lipgloss.Color{
	protocol.PriorityCritical: lipgloss.Color("#FF6B6B"),
	protocol.PriorityHigh:     lipgloss.Color("#FFB86B"),
	protocol.PriorityMedium:   lipgloss.Color("#E0E06B"),
	protocol.PriorityLow:      lipgloss.Color("#AAAAAA"),
}

const maxTitle = 48

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// renderTickets draws tickets as a table.
func renderTickets(tickets []ticket.StoredTicket) string {
	if len(tickets) == 0 {
		return dimStyle.Render("no tickets")
	}
	rows := make([][]string, len(tickets))
	prios := make([]protocol.Priority, len(tickets))
	for i, t := range tickets {
		rows[i] = []string{
			t.Key,
			t.TicketID,
			string(t.Priority),
			string(t.Category),
			truncate(t.Title, maxTitle),
			string(t.SourceType),
			string(t.ReviewStatus),
		}
		prios[i] = t.Priority
	}

	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		Headers("KEY", "TICKET", "PRIORITY", "CATEGORY", "TITLE", "SOURCE", "REVIEW").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			if col == 2 && row >= 0 && row < len(prios) {
				if c, ok := priorityColors[prios[row]]; ok {
					return cellStyle.Foreground(c)
				}
			}
			return cellStyle
		})
	return tbl.String()
}

// renderCounts draws a name/count table sorted by name.
func renderCounts(title string, counts map[string]int) string {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([][]string, len(names))
	for i, name := range names {
		rows[i] = []string{name, fmt.Sprintf("%d", counts[name])}
	}
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		Headers(strings.ToUpper(title), "COUNT").
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			return cellStyle
		}).
		String()
}

// renderSummary draws the result of one batch run.
func renderSummary(sum *triage.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", headerStyle.Render("run"), sum.RunID)
	fmt.Fprintf(&b, "%s %d   %s %d   %s %s\n",
		headerStyle.Render("items"), sum.Items,
		headerStyle.Render("fallback"), sum.Fallback,
		headerStyle.Render("duration"), sum.Duration.Round(time.Millisecond),
	)
	for _, w := range sum.Warnings {
		b.WriteString(warnStyle.Render("warning: "+w) + "\n")
	}
	for _, f := range sum.Files {
		b.WriteString(dimStyle.Render("wrote "+f) + "\n")
	}
	head := boxStyle.Render(strings.TrimRight(b.String(), "\n"))
	if sum.Items == 0 {
		return head
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		head,
		lipgloss.JoinHorizontal(lipgloss.Top,
			renderCounts("category", sum.ByCategory),
			" ",
			renderCounts("priority", sum.ByPriority),
		),
	)
}
