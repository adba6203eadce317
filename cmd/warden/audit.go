package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/fenwick-labs/warden/internal/persistence"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))
	denyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	allowStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("40"))
	escStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// renderTable prints aligned columns, styled when stdout is a TTY and plain
// tab-separated otherwise so output stays script-friendly.
func renderTable(headers []string, rows [][]string) {
	tty := isatty.IsTerminal(os.Stdout.Fd())
	if !tty {
		fmt.Println(strings.Join(headers, "\t"))
		for _, row := range rows {
			fmt.Println(strings.Join(row, "\t"))
		}
		return
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	var b strings.Builder
	for i, h := range headers {
		b.WriteString(headerStyle.Render(pad(h, widths[i])))
		b.WriteString("  ")
	}
	fmt.Println(strings.TrimRight(b.String(), " "))
	for _, row := range rows {
		var line strings.Builder
		for i, cell := range row {
			line.WriteString(styleCell(headers[i], pad(cell, widths[i])))
			line.WriteString("  ")
		}
		fmt.Println(strings.TrimRight(line.String(), " "))
	}
}

func pad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

func styleCell(header, cell string) string {
	if header != "DECISION" && header != "STATUS" {
		return cell
	}
	switch strings.TrimSpace(cell) {
	case "DENY", "REJECTED", "FAIL":
		return denyStyle.Render(cell)
	case "ALLOW", "APPROVED", "PASS":
		return allowStyle.Render(cell)
	case "ESCALATE", "WARN":
		return escStyle.Render(cell)
	default:
		return dimStyle.Render(cell)
	}
}

func runAuditCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	opts := addGlobalFlags(fs)
	limit := fs.Int("limit", 50, "maximum entries to show")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	a, err := newApp(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer a.Close()

	entries, err := a.store.ListAuditEntries(ctx, *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if len(entries) == 0 {
		fmt.Println("audit log is empty")
		return 0
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.Timestamp.Format("2006-01-02 15:04:05"),
			e.Decision,
			e.ActionType,
			clip(e.Reason, 64),
			e.Actor,
		})
	}
	renderTable([]string{"TIMESTAMP", "DECISION", "ACTION", "REASON", "ACTOR"}, rows)
	return 0
}

func runConstraintsCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("constraints", flag.ExitOnError)
	opts := addGlobalFlags(fs)
	limit := fs.Int("limit", 50, "maximum entries to show")
	add := fs.Bool("add", false, "add a constraint from the trailing argument")
	kind := fs.String("kind", persistence.KindDecision, "constraint kind: D (decision) or L (lesson)")
	topic := fs.String("topic", "", "constraint topic")
	importance := fs.String("importance", "M", "importance: H, M, or L")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	a, err := newApp(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer a.Close()

	if *add {
		if fs.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "usage: warden constraints --add [--kind D|L] [--topic t] [--importance H|M|L] '<text>'")
			return 2
		}
		id, err := a.store.InsertConstraint(ctx, *kind, *topic, fs.Arg(0), *importance)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Printf("constraint %d recorded\n", id)
		return 0
	}

	constraints, err := a.store.ListConstraints(ctx, *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if len(constraints) == 0 {
		fmt.Println("no standing constraints")
		return 0
	}

	rows := make([][]string, 0, len(constraints))
	for _, c := range constraints {
		rows = append(rows, []string{
			strconv.FormatInt(c.ID, 10),
			c.Kind,
			c.Importance,
			c.Topic,
			clip(c.Text, 72),
		})
	}
	renderTable([]string{"ID", "KIND", "IMP", "TOPIC", "TEXT"}, rows)
	return 0
}
