// Package output renders reconciler results for the terminal.
package output

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"school-registry/internal/model"
)

const timeLayout = "2006-01-02 15:04:05 MST"

// Renderer writes styled output to w.
type Renderer struct {
	w       io.Writer
	header  lipgloss.Style
	muted   lipgloss.Style
	success lipgloss.Style
	failure lipgloss.Style
}

// NewRenderer creates a Renderer. With noColor every style renders as plain text.
func NewRenderer(w io.Writer, noColor bool) *Renderer {
	lr := lipgloss.NewRenderer(w)
	if noColor {
		lr.SetColorProfile(termenv.Ascii)
	}
	return &Renderer{
		w:       w,
		header:  lr.NewStyle().Bold(true).Underline(true),
		muted:   lr.NewStyle().Foreground(lipgloss.Color("240")),
		success: lr.NewStyle().Foreground(lipgloss.Color("42")),
		failure: lr.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	}
}

// Records prints recs as an aligned table.
func (r *Renderer) Records(recs []model.Record) error {
	if len(recs) == 0 {
		_, err := fmt.Fprintln(r.w, r.muted.Render("No students registered."))
		return err
	}

	rows := [][]string{{"ID", "NAME", "REGISTERED AT"}}
	for _, rec := range recs {
		rows = append(rows, []string{
			strconv.FormatUint(rec.ID, 10),
			rec.Name,
			rec.RegisteredAt.Format(timeLayout),
		})
	}
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	var b strings.Builder
	for n, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			padded := cell + strings.Repeat(" ", widths[i]-lipgloss.Width(cell))
			if n == 0 {
				padded = r.header.Render(padded)
			}
			cells[i] = padded
		}
		b.WriteString(strings.TrimRight(strings.Join(cells, "  "), " "))
		b.WriteByte('\n')
	}
	_, err := io.WriteString(r.w, b.String())
	return err
}

// Record prints a single student.
func (r *Renderer) Record(rec model.Record) error {
	_, err := fmt.Fprintf(r.w, "%s %d\n%s %s\n%s %s\n",
		r.header.Render("ID:"), rec.ID,
		r.header.Render("Name:"), rec.Name,
		r.header.Render("Registered at:"), rec.RegisteredAt.Format(timeLayout))
	return err
}

func (r *Renderer) Success(msg string) error {
	_, err := fmt.Fprintln(r.w, r.success.Render(msg))
	return err
}

func (r *Renderer) Error(err error) error {
	_, werr := fmt.Fprintln(r.w, r.failure.Render("Error: "+err.Error()))
	return werr
}
