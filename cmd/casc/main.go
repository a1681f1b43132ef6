package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"
)

var gitCommitSHA = ""

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, syscall.SIGTERM, syscall.SIGINT)

		select {
		case <-interrupt:
			fmt.Println()
			klog.Info("received interrupt signal")
			cancel()
		case <-ctx.Done():
		}

		signal.Stop(interrupt)
	}()

	app := &cli.App{
		Name:        "casc",
		Version:     gitCommitSHA,
		Description: "inspect and fetch files from a Blizzard CASC content archive, local or CDN-backed",
		Before: func(c *cli.Context) error {
			applyVerbosity()
			return nil
		},
		Flags: append([]cli.Flag{flagVerbose, flagVeryVerbose}, newKlogFlagSet()...),
		Commands: []*cli.Command{
			newCmd_Ls(),
			newCmd_Cat(),
			newCmd_Info(),
			newCmd_Fetch(),
		},
	}

	sort.Sort(cli.FlagsByName(app.Flags))
	sort.Sort(cli.CommandsByName(app.Commands))

	if err := app.RunContext(ctx, os.Args); err != nil {
		klog.Fatal(err)
	}
}
