// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ProgressbarStyle to use. Defaults to the ASCII version.
var ProgressbarStyle = progressbar.ThemeASCII

// progressBar displays the progression over the benchmarks.
type progressBar struct {
	bar     *progressbar.ProgressBar
	termenv *termenv.Output
}

// newProgressBar over numBenchmarks. If quiet, the returned progressBar is a no-op.
func newProgressBar(numBenchmarks int, quiet bool) *progressBar {
	pBar := &progressBar{}
	if quiet {
		return pBar
	}
	var w io.Writer = os.Stdout
	pBar.termenv = termenv.NewOutput(os.Stdout)
	pBar.termenv.HideCursor()
	pBar.bar = progressbar.NewOptions(numBenchmarks,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(w),
		progressbar.OptionClearOnFinish(),
	)
	return pBar
}

// start describes the benchmark about to run.
func (pBar *progressBar) start(name string) {
	if pBar.bar == nil {
		return
	}
	pBar.bar.Describe(fmt.Sprintf("      [bold]%-40s[reset]", name))
}

// done counts one more benchmark finished.
func (pBar *progressBar) done() {
	if pBar.bar == nil {
		return
	}
	_ = pBar.bar.Add(1)
}

// finish clears the progress bar and restores the cursor.
func (pBar *progressBar) finish() {
	if pBar.bar == nil {
		return
	}
	_ = pBar.bar.Finish()
	pBar.termenv.ShowCursor()
	fmt.Println()
}

var durationRegexp = regexp.MustCompile(`(\d+\.?\d*)([µa-z]+)`)

// formatDuration pretty prints duration without a long list of decimal points.
func formatDuration(d time.Duration) string {
	s := d.String()
	matches := durationRegexp.FindStringSubmatch(s)
	if len(matches) != 3 {
		return s
	}
	num, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return s
	}
	return fmt.Sprintf("%.2f%s", num, matches[2])
}
