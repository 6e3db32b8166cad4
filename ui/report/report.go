// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package report prints tables for the command-line: the model summary and the training history.
//
// Colors are used only if the writer is a terminal that supports them.
package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/imgclassifier/pkg/network"
	"github.com/muesli/termenv"
)

// NoColor disables colors and text attributes even if the output is a terminal.
var NoColor = false

const tableBorderColor = "#705090"

type styles struct {
	title, header, normal, rightAligned lipgloss.Style
	border                              lipgloss.Style
}

func newStyles(w io.Writer) *styles {
	var opts []termenv.OutputOption
	if NoColor {
		opts = append(opts, termenv.WithProfile(termenv.Ascii))
	}
	r := lipgloss.NewRenderer(w, opts...)
	return &styles{
		title:        r.NewStyle().Bold(true).PaddingLeft(1),
		header:       r.NewStyle().Bold(true).Padding(0, 1).Align(lipgloss.Center),
		normal:       r.NewStyle().Padding(0, 1),
		rightAligned: r.NewStyle().Padding(0, 1).Align(lipgloss.Right),
		border:       r.NewStyle().Foreground(lipgloss.Color(tableBorderColor)),
	}
}

// newTable creates a table whose columns listed in rightAligned are aligned to the right.
func (s *styles) newTable(rightAligned ...int) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(s.border).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row < 0 {
				return s.header
			}
			for _, c := range rightAligned {
				if c == col {
					return s.rightAligned
				}
			}
			return s.normal
		})
}

// FormatShape formats the shape of a layer output as Keras does, with the batch axis as "None".
func FormatShape(shape shapes.Shape) string {
	if !shape.Ok() {
		return "?"
	}
	parts := make([]string, 0, shape.Rank())
	for axis, dim := range shape.Dimensions {
		if axis == 0 {
			parts = append(parts, "None")
		} else {
			parts = append(parts, fmt.Sprintf("%d", dim))
		}
	}
	if len(parts) == 1 {
		return "(" + parts[0] + ",)"
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Summary prints the model summary: one row per layer with its output shape and number of parameters,
// followed by the totals.
func Summary(w io.Writer, summary *network.ModelSummary) {
	s := newStyles(w)
	table := s.newTable(2).Headers("Layer (type)", "Output Shape", "Param #")
	table.Row("input", FormatShape(summary.InputShape), "0")
	for _, l := range summary.Layers {
		table.Row(fmt.Sprintf("%s (%s)", l.Scope, l.Type), FormatShape(l.OutputShape), humanize.Comma(int64(l.Params)))
	}
	_, _ = fmt.Fprintln(w, s.title.Render("Model summary"))
	_, _ = fmt.Fprintln(w, table.Render())
	_, _ = fmt.Fprintf(w, "Total params: %s\n", humanize.Comma(int64(summary.TotalParams)))
	_, _ = fmt.Fprintf(w, "Trainable params: %s\n", humanize.Comma(int64(summary.TrainableParams)))
	_, _ = fmt.Fprintf(w, "Non-trainable params: %s\n",
		humanize.Comma(int64(summary.TotalParams-summary.TrainableParams)))
}

// Table prints a titled table. All columns but the first are aligned to the right.
func Table(w io.Writer, title string, header []string, rows [][]string) {
	s := newStyles(w)
	rightAligned := make([]int, 0, len(header))
	for col := 1; col < len(header); col++ {
		rightAligned = append(rightAligned, col)
	}
	table := s.newTable(rightAligned...).Headers(header...).Rows(rows...)
	if title != "" {
		_, _ = fmt.Fprintln(w, s.title.Render(title))
	}
	_, _ = fmt.Fprintln(w, table.Render())
}
