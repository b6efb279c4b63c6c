// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/evt/pkg/epilogue/recipes"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	redRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
			Bold(true).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

// TableWithReds is a table where some rows, e.g. failures, are highlighted in red.
type TableWithReds struct {
	Table *lgtable.Table
	Count int
	Reds  map[int]bool
}

// Row appends a row, highlighted if isRed.
func (t *TableWithReds) Row(isRed bool, row ...string) {
	if isRed {
		t.Reds[t.Count] = true
	}
	t.Table.Row(row...)
	t.Count++
}

func newPlainTableWithReds(alignments ...lipgloss.Position) *TableWithReds {
	t := &TableWithReds{
		Reds: make(map[int]bool),
	}
	t.Table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row < 0 {
				s = headerRowStyle
				return
			}
			if t.Reds[row] {
				s = redRowStyle
			} else {
				switch {
				case row%2 == 0:
					s = oddRowStyle
				default:
					s = evenRowStyle
				}
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			s = s.Align(alignment)
			return
		})
	return t
}

// catalogueTable lists the recipes of the catalogue.
func catalogueTable(catalogue *recipes.Catalogue) *lgtable.Table {
	t := newPlainTableWithReds(lipgloss.Right, lipgloss.Left)
	t.Table.Headers("#", "Recipe", "Formula", "Output", "Scaling", "Amax")
	for ii, desc := range catalogue.Descriptors() {
		t.Row(false, fmt.Sprintf("%d", ii+1), desc.Name, desc.Formula, desc.Output.String(), desc.Scaling, desc.Amax)
	}
	return t.Table
}

// resultsTable lists the benchmark results, failures in red.
func resultsTable(results []result) *lgtable.Table {
	t := newPlainTableWithReds(lipgloss.Left, lipgloss.Right)
	t.Table.Headers("Recipe", "Runs", "Mean", "Min", "StdDev", "GFlop/s", "Epilogue I/O", "Amax")
	for _, r := range results {
		if r.Err != nil {
			t.Row(true, r.Name, "failed", "", "", "", "", "", "")
			continue
		}
		amax := "-"
		if r.HasAmax {
			amax = fmt.Sprintf("%g", r.Amax)
		}
		t.Row(false, r.Name,
			humanize.Comma(int64(r.Runs)),
			formatDuration(r.Mean),
			formatDuration(r.Min),
			formatDuration(r.StdDev),
			humanize.FormatFloat("#,###.##", r.GFlops),
			humanize.Bytes(uint64(r.EpilogueBytes)),
			amax)
	}
	return t.Table
}
