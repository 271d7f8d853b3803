// Package report renders run progress and statistics for operators.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/Harvey-AU/index-bee/internal/store"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/rs/zerolog"
)

const barWidth = 30

// Reporter writes human-readable run output through a logger
type Reporter struct {
	logger zerolog.Logger
}

// New creates a Reporter that writes through logger
func New(logger zerolog.Logger) *Reporter {
	return &Reporter{logger: logger}
}

// Header prints a section title between rules
func (r *Reporter) Header(title string) {
	rule := strings.Repeat("=", 60)
	r.lines(rule, "  "+title, rule)
}

// Step prints a numbered step line such as "[2/6] Syncing tracking file"
func (r *Reporter) Step(n, total int, msg string) {
	r.logger.Info().Msg(fmt.Sprintf("[%d/%d] %s", n, total, msg))
}

// Progress prints a progress bar for done out of total
func (r *Reporter) Progress(done, total int) {
	r.logger.Info().
		Int("done", done).
		Int("total", total).
		Msg(ProgressBar(done, total, barWidth))
}

// Stats prints a status count table
func (r *Reporter) Stats(title string, stats store.Stats) {
	r.lines(RenderStats(title, stats))
}

// RunSummary is the outcome of one run
type RunSummary struct {
	Attempted int
	Succeeded int
	Failed    int
	Elapsed   time.Duration
	Final     store.Stats
}

// Summary prints the run outcome and the final tracking statistics
func (r *Reporter) Summary(s RunSummary) {
	r.Header("Run summary")

	t := newTable()
	t.AppendHeader(table.Row{"Submitted", "Succeeded", "Failed", "Success rate", "Elapsed"})
	t.AppendRow(table.Row{
		s.Attempted,
		s.Succeeded,
		s.Failed,
		successRate(s.Succeeded, s.Attempted),
		s.Elapsed.Round(time.Millisecond).String(),
	})
	r.lines(t.Render())

	r.Stats("Tracking file", s.Final)
}

// RenderStats renders stats as a table
func RenderStats(title string, stats store.Stats) string {
	t := newTable()
	if title != "" {
		t.SetTitle(title)
	}
	t.AppendHeader(table.Row{"Status", "Count"})
	t.AppendRows([]table.Row{
		{"Total", stats.Total},
		{store.StatusPending.String(), stats.Pending},
		{store.StatusSuccess.String(), stats.Success},
		{store.StatusFailed.String(), stats.Failed},
	})
	return t.Render()
}

// ProgressBar renders "[████░░░░] 40% (4/10)" with width cells
func ProgressBar(done, total, width int) string {
	if width <= 0 {
		width = barWidth
	}
	if total <= 0 {
		return fmt.Sprintf("[%s] 0%% (0/0)", strings.Repeat("░", width))
	}
	if done < 0 {
		done = 0
	}
	if done > total {
		done = total
	}

	filled := width * done / total
	percent := 100 * done / total
	return fmt.Sprintf("[%s%s] %d%% (%d/%d)",
		strings.Repeat("█", filled),
		strings.Repeat("░", width-filled),
		percent, done, total)
}

func successRate(succeeded, attempted int) string {
	if attempted == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", 100*float64(succeeded)/float64(attempted))
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
	})
	return t
}

// lines logs each line of the given blocks separately so console and file output stay line-oriented
func (r *Reporter) lines(blocks ...string) {
	for _, block := range blocks {
		for _, line := range strings.Split(block, "\n") {
			r.logger.Info().Msg(line)
		}
	}
}
