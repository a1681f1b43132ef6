package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
)

func newCmd_Info() *cli.Command {
	return &cli.Command{
		Name:        "info",
		Description: "print what's known about one file (size, chunk count, archive backing)",
		ArgsUsage:   "<name-or-ckey>",
		Flags:       commonFlags(),
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 1 {
				return fmt.Errorf("usage: casc info <name-or-ckey>")
			}

			r, err := openResolver(c.Context, newProgressBar("opening"))
			if err != nil {
				return err
			}
			if closer, ok := r.(interface{ Close() error }); ok {
				defer closer.Close()
			}

			ckey, err := resolveTarget(r, c.Args().First())
			if err != nil {
				return err
			}

			fi, ok := r.GetFileInfo(ckey)
			if !ok {
				return fmt.Errorf("ckey %s not present in the encoding table", ckey)
			}

			fmt.Printf("ckey:          %s\n", ckey)
			fmt.Printf("ekey:          %s\n", fi.EKey)
			if fi.HasName {
				fmt.Printf("name:          %s\n", fi.Name)
			}
			fmt.Printf("archive-backed: %v\n", fi.HasArchive)
			fmt.Printf("compressed:    %s\n", humanize.IBytes(fi.CompressedSize))
			fmt.Printf("fetchable:     %v (local-only), %v (with CDN)\n",
				r.IsFileFetchable(ckey, false), r.IsFileFetchable(ckey, true))

			size, err := r.GetFileSize(c.Context, ckey)
			if err != nil {
				fmt.Printf("size:          <unavailable: %v>\n", err)
				return nil
			}
			count, err := r.GetChunkCount(c.Context, ckey)
			if err != nil {
				count = -1
			}
			fmt.Printf("size:          %s\n", humanize.IBytes(uint64(size)))
			fmt.Printf("chunks:        %d\n", count)
			return nil
		},
	}
}
