package main

import (
	"github.com/schollz/progressbar/v3"

	"github.com/freadblangks/gocasc/resolver"
)

// newProgressBar renders resolver construction progress (archive
// index loading, encoding/root table parsing) as a terminal bar,
// relabeling it at each step.
func newProgressBar(initialDescription string) resolver.ProgressFunc {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription(initialDescription),
		progressbar.OptionSetWidth(30),
		progressbar.OptionClearOnFinish(),
	)
	return func(step string, pct float64) {
		bar.Describe(step)
		_ = bar.Set(int(pct * 100))
	}
}
