package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"changenotify/internal/domain"
)

var (
	colorOK      = lipgloss.Color("#2CD7C7")
	colorWarning = lipgloss.Color("#F4D03F")
	colorError   = lipgloss.Color("#E74C3C")
	colorMuted   = lipgloss.Color("#6C7A80")

	styleHeader = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	styleCell   = lipgloss.NewStyle().Padding(0, 1)
	styleTitle  = lipgloss.NewStyle().Bold(true)
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderTable draws rows under headers. Colors only show on terminals.
func renderTable(w io.Writer, headers []string, rows [][]string) error {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(colorMuted)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return styleHeader
			}
			return styleCell
		})
	_, err := fmt.Fprintln(w, t.String())
	return err
}

func title(w io.Writer, s string) {
	fmt.Fprintln(w, styleTitle.Render(s))
}

func statusText(s domain.Status) string {
	st := lipgloss.NewStyle()
	switch s {
	case domain.StatusDelivered:
		st = st.Foreground(colorOK)
	case domain.StatusRetrying, domain.StatusPending, domain.StatusSending:
		st = st.Foreground(colorWarning)
	case domain.StatusFailed, domain.StatusBounced, domain.StatusExpired:
		st = st.Foreground(colorError)
	default:
		st = st.Foreground(colorMuted)
	}
	return st.Render(string(s))
}

func cell(v any) string {
	switch x := v.(type) {
	case nil:
		return "-"
	case string:
		if x == "" {
			return "-"
		}
		return truncate(x, 60)
	case time.Time:
		if x.IsZero() {
			return "-"
		}
		return x.Format(time.RFC3339)
	case *time.Time:
		if x == nil {
			return "-"
		}
		return x.Format(time.RFC3339)
	case *float64:
		if x == nil {
			return "-"
		}
		return fmt.Sprintf("%.2fs", *x)
	default:
		return fmt.Sprint(x)
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}

func recordRows(recs []domain.Record) [][]string {
	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, []string{
			r.ID,
			cell(r.UserID),
			string(r.Channel),
			statusText(r.Status),
			fmt.Sprintf("%d/%d", r.RetryCount, r.MaxRetries),
			cell(r.Recipient),
			cell(r.CreatedAt),
			cell(r.ErrorMessage),
		})
	}
	return rows
}

var recordHeaders = []string{"ID", "USER", "CHANNEL", "STATUS", "RETRIES", "RECIPIENT", "CREATED", "ERROR"}
