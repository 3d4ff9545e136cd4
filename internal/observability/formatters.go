// Package observability provides logging setup and formatted CLI output.
package observability

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"github.com/jonathan/autoapply/internal/model"
)

// boxWidth is the default width for formatted output boxes
const boxWidth = 60

// Printer renders engine records for the CLI, as tables on a terminal
// and as JSON otherwise.
type Printer struct {
	out  io.Writer
	json bool
}

// Output formats
const (
	FormatAuto  = ""
	FormatTable = "table"
	FormatJSON  = "json"
)

// NewPrinter creates a Printer that writes to out. With FormatAuto, tables
// are used on a terminal and JSON otherwise.
func NewPrinter(out io.Writer, format string) (*Printer, error) {
	switch format {
	case FormatAuto:
		return &Printer{out: out, json: !IsTerminal(out)}, nil
	case FormatTable:
		return &Printer{out: out}, nil
	case FormatJSON:
		return &Printer{out: out, json: true}, nil
	default:
		return nil, fmt.Errorf("unknown output format: %q", format)
	}
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// JSON reports whether the printer emits JSON.
func (p *Printer) JSON() bool {
	return p.json
}

func (p *Printer) printJSON(v any) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *Printer) printTable(headers []string, rows [][]string, rightAligned ...int) error {
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

	configs := make([]table.ColumnConfig, 0, len(rightAligned))
	for _, col := range rightAligned {
		configs = append(configs, table.ColumnConfig{Number: col, Align: text.AlignRight, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)

	_, err := fmt.Fprintln(p.out, tw.Render())
	return err
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	for _, line := range strings.Split(content, "\n") {
		if len(line) > boxWidth-4 {
			line = line[:boxWidth-7] + "..."
		}
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, line)
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// PrintRuns lists runs.
func (p *Printer) PrintRuns(runs []model.Run) error {
	if p.json {
		if runs == nil {
			runs = []model.Run{}
		}
		return p.printJSON(runs)
	}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		created := r.CreatedAt
		rows = append(rows, []string{
			r.ID.String(), r.Name, r.Status,
			formatTime(&created), formatTime(r.StartedAt), formatTime(r.CompletedAt),
		})
	}
	return p.printTable([]string{"ID", "Name", "Status", "Created", "Started", "Completed"}, rows)
}

// PrintRunSummary shows one run with its task counts.
func (p *Printer) PrintRunSummary(s *model.RunSummary) error {
	if s == nil {
		return nil
	}
	if p.json {
		return p.printJSON(s)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("ID:      %s\n", s.ID))
	sb.WriteString(fmt.Sprintf("Status:  %s\n", s.Status))
	sb.WriteString(fmt.Sprintf("Started: %s\n", formatTime(s.StartedAt)))
	sb.WriteString(fmt.Sprintf("Tasks:   %d\n", s.TotalTasks))
	for _, st := range model.AllStates {
		if n := s.Counts[st]; n > 0 {
			sb.WriteString(fmt.Sprintf("  %-17s %d\n", st, n))
		}
	}
	p.printBox("Run: "+s.Name, strings.TrimRight(sb.String(), "\n"))
	return nil
}

// PrintTasks lists tasks in queue order.
func (p *Printer) PrintTasks(tasks []model.Task) error {
	if p.json {
		if tasks == nil {
			tasks = []model.Task{}
		}
		return p.printJSON(tasks)
	}
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		changed := t.LastStateChangeAt
		rows = append(rows, []string{
			t.ID.String(),
			strconv.FormatInt(t.JobID, 10),
			string(t.State),
			strconv.Itoa(t.Priority),
			strconv.Itoa(t.AttemptCount),
			formatTime(&changed),
			deref(t.LastErrorCode),
		})
	}
	return p.printTable([]string{"ID", "Job", "State", "Priority", "Attempts", "Changed", "Last error"}, rows, 2, 4, 5)
}

// PrintApproval shows one approval request.
func (p *Printer) PrintApproval(a *model.ApprovalRequest) error {
	if a == nil {
		return nil
	}
	if p.json {
		return p.printJSON(a)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Task:    %s\n", a.TaskID))
	sb.WriteString(fmt.Sprintf("Status:  %s\n", a.Status))
	sb.WriteString(fmt.Sprintf("Channel: %s\n", a.Channel))
	sb.WriteString(fmt.Sprintf("Expires: %s\n", formatTime(&a.ExpiresAt)))
	if a.Notes != nil {
		sb.WriteString(fmt.Sprintf("Notes:   %s\n", *a.Notes))
	}
	var fields []model.FormField
	if err := json.Unmarshal(a.FormData, &fields); err == nil && len(fields) > 0 {
		sb.WriteString("\nForm:\n")
		for _, f := range fields {
			sb.WriteString(fmt.Sprintf("  • %s: %s\n", f.Label, deref(f.Value)))
		}
	}
	if a.Token != "" {
		sb.WriteString(fmt.Sprintf("\nToken:   %s\n", a.Token))
	}
	p.printBox("Approval: "+a.ID.String(), strings.TrimRight(sb.String(), "\n"))
	return nil
}

// PrintCount prints a one-line result such as a sweep count.
func (p *Printer) PrintCount(label string, n int) error {
	if p.json {
		return p.printJSON(map[string]int{label: n})
	}
	_, err := fmt.Fprintf(p.out, "%s: %d\n", label, n)
	return err
}

// PrintToken prints an issued bearer token on its own line.
func (p *Printer) PrintToken(token string) error {
	if p.json {
		return p.printJSON(map[string]string{"token": token})
	}
	_, err := fmt.Fprintln(p.out, token)
	return err
}

// PrintMessage prints a status line, or {"message": ...} in JSON mode.
func (p *Printer) PrintMessage(msg string) error {
	if p.json {
		return p.printJSON(map[string]string{"message": msg})
	}
	_, err := fmt.Fprintln(p.out, msg)
	return err
}
