package main

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

func newCmd_Ls() *cli.Command {
	var showUnnamed bool
	flags := append(commonFlags(), &cli.BoolFlag{
		Name:        "unnamed",
		Usage:       "also list CKeys with no resolved name",
		Destination: &showUnnamed,
	})
	return &cli.Command{
		Name:        "ls",
		Description: "list the files reachable through the root/encoding tables",
		Flags:       flags,
		Action: func(c *cli.Context) error {
			r, err := openResolver(c.Context, newProgressBar("opening"))
			if err != nil {
				return err
			}
			if closer, ok := r.(interface{ Close() error }); ok {
				defer closer.Close()
			}

			for _, e := range r.ListFiles() {
				fmt.Printf("%s\t%s\n", e.CKey, e.Name)
			}
			if showUnnamed {
				for _, ckey := range r.ListUnnamedFiles() {
					fmt.Printf("%s\t<unnamed>\n", ckey)
				}
			}
			return nil
		},
	}
}
