// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// plotResults saves a bar chart of the throughput of the successful benchmarks to fileName. The format
// is given by the extension of fileName, e.g. ".png" or ".svg".
func plotResults(title string, results []result, fileName string) error {
	var (
		names  []string
		values plotter.Values
	)
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		names = append(names, r.Name)
		values = append(values, r.GFlops)
	}
	if len(values) == 0 {
		return errors.New("no successful benchmark to plot")
	}

	p := plot.New()
	p.Title.Text = title
	p.Y.Label.Text = "GFlop/s"
	p.Y.Min = 0

	bars, err := plotter.NewBarChart(values, vg.Points(20))
	if err != nil {
		return errors.Wrap(err, "failed to create bar chart")
	}
	bars.LineStyle.Width = vg.Length(0)
	bars.Color = plotutil.Color(0)
	p.Add(bars)
	p.NominalX(names...)
	p.X.Tick.Label.Rotation = 0.8
	p.X.Tick.Label.XAlign = -1

	width := vg.Length(2*len(values)+4) * vg.Centimeter
	if err := p.Save(width, 12*vg.Centimeter, fileName); err != nil {
		return errors.Wrapf(err, "failed to save plot to %q", fileName)
	}
	return nil
}

// plotTitle for the given problem and output type.
func plotTitle(problem fmt.Stringer, output string) string {
	return fmt.Sprintf("Fused epilogues throughput, problem %s, D=%s", problem, output)
}
