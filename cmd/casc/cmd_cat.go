package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func newCmd_Cat() *cli.Command {
	return &cli.Command{
		Name:        "cat",
		Description: "decode one file and write its bytes to stdout",
		ArgsUsage:   "<name-or-ckey>",
		Flags:       commonFlags(),
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 1 {
				return fmt.Errorf("usage: casc cat <name-or-ckey>")
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

			data, err := r.GetFile(c.Context, ckey, -1)
			if err != nil {
				return fmt.Errorf("fetching %s: %w", ckey, err)
			}
			_, err = os.Stdout.Write(data)
			return err
		},
	}
}
