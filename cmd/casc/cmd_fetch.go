package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"
)

func newCmd_Fetch() *cli.Command {
	var outDir string
	flags := append(commonFlags(), &cli.StringFlag{
		Name:        "out",
		Aliases:     []string{"o"},
		Usage:       "directory to write fetched files into",
		Value:       ".",
		Destination: &outDir,
	})
	return &cli.Command{
		Name:        "fetch",
		Description: "fetch one or more files by name or ckey and write them under -out",
		ArgsUsage:   "<name-or-ckey> [more...]",
		Flags:       flags,
		Action: func(c *cli.Context) error {
			if c.Args().Len() == 0 {
				return fmt.Errorf("usage: casc fetch [-out dir] <name-or-ckey> [more...]")
			}

			r, err := openResolver(c.Context, newProgressBar("opening"))
			if err != nil {
				return err
			}
			if closer, ok := r.(interface{ Close() error }); ok {
				defer closer.Close()
			}

			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return fmt.Errorf("creating output directory: %w", err)
			}

			for _, arg := range c.Args().Slice() {
				ckey, err := resolveTarget(r, arg)
				if err != nil {
					return err
				}

				data, err := r.GetFile(c.Context, ckey, -1)
				if err != nil {
					return fmt.Errorf("fetching %s: %w", arg, err)
				}

				name := arg
				if fi, ok := r.GetFileInfo(ckey); ok && fi.HasName {
					name = filepath.Base(fi.Name)
				}
				dest := filepath.Join(outDir, name)
				if err := os.WriteFile(dest, data, 0o644); err != nil {
					return fmt.Errorf("writing %s: %w", dest, err)
				}
				klog.Infof("wrote %s (%s)", dest, humanize.IBytes(uint64(len(data))))
			}
			return nil
		},
	}
}
