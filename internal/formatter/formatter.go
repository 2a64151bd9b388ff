// package formatter renders run summaries, per-item outcomes and catalog status as text, JSON, CSV and tables.
package formatter

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/desertthunder/tracksync/internal/models"
	"github.com/desertthunder/tracksync/internal/shared"
	"github.com/desertthunder/tracksync/internal/tasks"
)

// Format selects the summary rendering.
type Format string

const (
	FormatText  Format = "text"
	FormatJSON  Format = "json"
	FormatTable Format = "table"
)

// ParseFormat validates a --format value.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatText, FormatJSON, FormatTable:
		return f, nil
	case "":
		return FormatText, nil
	default:
		return "", fmt.Errorf("%w: unknown format %q", shared.ErrInvalidFlag, s)
	}
}

// WriteSummary renders an end-of-run summary to w.
func WriteSummary(w io.Writer, s *tasks.Summary, format Format) error {
	var (
		data []byte
		err  error
	)
	switch format {
	case FormatJSON:
		data, err = json.MarshalIndent(s, "", "  ")
		data = append(data, '\n')
	case FormatTable:
		data = []byte(SummaryTable(s) + "\n")
	default:
		data, err = SummaryText(s)
	}
	if err != nil {
		return fmt.Errorf("failed to render summary: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// SummaryText is the plain text report printed after a run.
func SummaryText(s *tasks.Summary) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteString(fmt.Sprintf("Run: %s (filter %s)\n", s.Holder, s.Filter))
	buf.WriteString(fmt.Sprintf("Elapsed: %s\n\n", FormatElapsed(s.Elapsed())))

	buf.WriteString(fmt.Sprintf("Found:             %d\n", s.Found))
	buf.WriteString(fmt.Sprintf("Processed:         %d\n", s.Processed()))
	buf.WriteString(fmt.Sprintf("  Completed:       %d\n", s.Completed))
	buf.WriteString(fmt.Sprintf("  Failed:          %d\n", s.Failed))
	buf.WriteString(fmt.Sprintf("  Duplicates:      %d\n", s.SkippedDuplicate))
	buf.WriteString(fmt.Sprintf("Skipped (locked):  %d\n", s.SkippedLocked))
	buf.WriteString(fmt.Sprintf("Already final:     %d\n", s.AlreadyFinal))
	if s.Reopened > 0 {
		buf.WriteString(fmt.Sprintf("Reopened:          %d\n", s.Reopened))
	}
	if s.Retries > 0 {
		buf.WriteString(fmt.Sprintf("Retries:           %d\n", s.Retries))
	}
	if s.CoordinationFailures > 0 {
		buf.WriteString(fmt.Sprintf("Catalog write failures: %d\n", s.CoordinationFailures))
	}
	if s.Swept.Cleared > 0 {
		buf.WriteString(fmt.Sprintf("Stale locks cleared: %d (%d reset)\n", s.Swept.Cleared, s.Swept.Reset))
	}

	var failed []models.ProcessingResult
	for _, r := range s.Results {
		if r.FinalState == models.StateFailed {
			failed = append(failed, r)
		}
	}
	if len(failed) > 0 {
		buf.WriteString("\nFailures:\n")
		for i, r := range failed {
			buf.WriteString(fmt.Sprintf("%d. %s %s: %s\n", i+1, r.ItemID, failureLabel(r), r.ErrorMessage))
		}
	}

	return buf.Bytes(), nil
}

func failureLabel(r models.ProcessingResult) string {
	label := string(r.ErrorCategory)
	if r.ErrorReason != "" {
		label = fmt.Sprintf("%s(%s)", label, r.ErrorReason)
	}
	if r.DeadLetter {
		label += " [dead-letter]"
	}
	return label
}

// SummaryTable renders the summary counters as a table.
func SummaryTable(s *tasks.Summary) string {
	rows := [][]string{
		{"Found", strconv.Itoa(s.Found)},
		{"Dispatched", strconv.Itoa(s.Dispatched)},
		{"Completed", strconv.Itoa(s.Completed)},
		{"Failed", strconv.Itoa(s.Failed)},
		{"Skipped (duplicate)", strconv.Itoa(s.SkippedDuplicate)},
		{"Skipped (locked)", strconv.Itoa(s.SkippedLocked)},
		{"Already final", strconv.Itoa(s.AlreadyFinal)},
		{"Retries", strconv.Itoa(s.Retries)},
		{"Elapsed", FormatElapsed(s.Elapsed())},
	}
	return RenderTable([]string{"Metric", "Count"}, rows, []Alignment{AlignLeft, AlignRight})
}

// StatusTable renders a catalog census.
func StatusTable(r *tasks.StatusReport) string {
	var rows [][]string
	for _, state := range models.States {
		rows = append(rows, []string{string(state), strconv.Itoa(r.ByState[state])})
	}
	rows = append(rows,
		[]string{"total", strconv.Itoa(r.Total)},
		[]string{"live locks", strconv.Itoa(r.LiveLocks)},
		[]string{"stale locks", strconv.Itoa(r.StaleLocks)},
		[]string{"dead letters", strconv.Itoa(r.DeadLetters)},
	)
	out := RenderTable([]string{"State", "Items"}, rows, []Alignment{AlignLeft, AlignRight})

	if len(r.Failures) > 0 {
		var failures [][]string
		for _, key := range slices.Sorted(maps.Keys(r.Failures)) {
			failures = append(failures, []string{key, strconv.Itoa(r.Failures[key])})
		}
		out += "\n" + RenderTable([]string{"Failure", "Items"}, failures, []Alignment{AlignLeft, AlignRight})
	}
	return out
}

// Alignment of a table column.
type Alignment int

const (
	AlignLeft Alignment = iota
	AlignRight
)

// RenderTable draws rows under headers with rounded borders. Short rows are padded.
func RenderTable(headers []string, rows [][]string, aligns []Alignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := range columns {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := range columns {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := range columns {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == AlignRight {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)

	return tw.Render()
}

// ResultsToCSV converts per-item outcomes to CSV with columns:
// ID, State, Category, Reason, Message, Attempts, DeadLetter, Redirect, Artifacts, Duration
func ResultsToCSV(results []models.ProcessingResult) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	headers := []string{"ID", "State", "Category", "Reason", "Message", "Attempts", "DeadLetter", "Redirect", "Artifacts", "Duration"}
	if err := writer.Write(headers); err != nil {
		return nil, fmt.Errorf("failed to write CSV headers: %w", err)
	}

	for _, r := range results {
		locations := make([]string, len(r.Artifacts))
		for i, a := range r.Artifacts {
			locations[i] = string(a.Kind) + ":" + a.Location
		}
		record := []string{
			r.ItemID,
			string(r.FinalState),
			string(r.ErrorCategory),
			r.ErrorReason,
			r.ErrorMessage,
			strconv.Itoa(r.Attempts),
			strconv.FormatBool(r.DeadLetter),
			r.RedirectTarget,
			strings.Join(locations, ";"),
			r.Duration.Round(time.Millisecond).String(),
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buf.Bytes(), nil
}

// WriteReport writes the per-item outcome CSV to path.
func WriteReport(s *tasks.Summary, path string) error {
	data, err := ResultsToCSV(s.Results)
	if err != nil {
		return fmt.Errorf("failed to generate report: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// FormatElapsed rounds a duration for display.
func FormatElapsed(d time.Duration) string {
	switch {
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	case d < time.Minute:
		return d.Round(100 * time.Millisecond).String()
	default:
		return d.Round(time.Second).String()
	}
}
