package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			Border(lipgloss.NormalBorder(), false, false, true, false).
			BorderForeground(lipgloss.Color("240"))

	keyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	valueStyle = lipgloss.NewStyle().Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
)

// report renders a titled list of key/value rows.
type report struct {
	title string
	rows  [][2]string
}

func (r *report) add(key string, value any) {
	r.rows = append(r.rows, [2]string{key, fmt.Sprint(value)})
}

func (r *report) render(w io.Writer) {
	width := 0
	for _, row := range r.rows {
		width = max(width, len(row[0]))
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(r.title))
	b.WriteByte('\n')
	for _, row := range r.rows {
		b.WriteString(keyStyle.Render(fmt.Sprintf("%-*s", width, row[0])))
		b.WriteString("  ")
		b.WriteString(valueStyle.Render(row[1]))
		b.WriteByte('\n')
	}
	fmt.Fprint(w, b.String())
}

func status(ok bool) string {
	if ok {
		return okStyle.Render("PASS")
	}
	return failStyle.Render("FAIL")
}
