package main

import (
	"flag"
	"fmt"

	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"
)

// newKlogFlagSet wires klog's own flag.FlagSet into urfave/cli, so
// -v/-logtostderr/-log_dir behave exactly as they would for any other
// klog-based binary.
func newKlogFlagSet() []cli.Flag {
	fs := flag.NewFlagSet("klog", flag.PanicOnError)
	klog.InitFlags(fs)

	fs.Set("v", "0")
	fs.Set("logtostderr", "true")

	return []cli.Flag{
		&cli.IntFlag{
			Name:    "v",
			Usage:   "number for the log level verbosity",
			EnvVars: []string{"GOCASC_V"},
			Action: func(cctx *cli.Context, v int) error {
				fs.Set("v", fmt.Sprint(v))
				return nil
			},
		},
		&cli.StringFlag{
			Name:    "log_dir",
			Usage:   "if non-empty, write log files in this directory (no effect when -logtostderr=true)",
			EnvVars: []string{"GOCASC_LOG_DIR"},
			Action: func(cctx *cli.Context, v string) error {
				if v != "" {
					fs.Set("log_dir", v)
				}
				return nil
			},
		},
		&cli.BoolFlag{
			Name:    "logtostderr",
			Usage:   "log to standard error instead of files",
			EnvVars: []string{"GOCASC_LOGTOSTDERR"},
			Value:   true,
			Action: func(cctx *cli.Context, v bool) error {
				fs.Set("logtostderr", fmt.Sprint(v))
				return nil
			},
		},
	}
}

// flagVerbose and flagVeryVerbose give the common "-verbose"/
// "-very-verbose" shorthand a klog level, for users who don't want to
// remember klog's own -v numbering.
var (
	flagIsVerbose     bool
	flagIsVeryVerbose bool

	flagVerbose = &cli.BoolFlag{
		Name:        "verbose",
		Usage:       "enable info-level logging",
		Destination: &flagIsVerbose,
	}
	flagVeryVerbose = &cli.BoolFlag{
		Name:        "very-verbose",
		Usage:       "enable debug-level logging",
		Destination: &flagIsVeryVerbose,
	}
)

func applyVerbosity() {
	var fs flag.FlagSet
	klog.InitFlags(&fs)
	switch {
	case flagIsVeryVerbose:
		fs.Set("v", "4")
	case flagIsVerbose:
		fs.Set("v", "2")
	}
}
