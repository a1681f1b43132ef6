package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/freadblangks/gocasc/binutil"
	"github.com/freadblangks/gocasc/cdncache"
	"github.com/freadblangks/gocasc/resolver"
	"github.com/freadblangks/gocasc/rootfile"
)

// commonFlags are accepted by every subcommand that needs to open a
// resolver: either -install for a local game directory, or -product
// (optionally with -region/-cache-dir/-patch-host) for a CDN install.
var (
	flagInstall     string
	flagProduct     string
	flagRegion      string
	flagCacheDir    string
	flagPatchHost   string
	flagListFile    string
	flagPackagesDat string
)

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "install",
			Usage:       "path to a local game installation (containing .build.info)",
			Destination: &flagInstall,
		},
		&cli.StringFlag{
			Name:        "product",
			Usage:       "CDN product code (e.g. wow, wow_classic, w3)",
			Destination: &flagProduct,
		},
		&cli.StringFlag{
			Name:        "region",
			Usage:       "CDN region to use (empty picks the first available)",
			Destination: &flagRegion,
		},
		&cli.StringFlag{
			Name:        "cache-dir",
			Usage:       "on-disk CDN cache directory",
			Value:       "cache",
			Destination: &flagCacheDir,
		},
		&cli.StringFlag{
			Name:        "patch-host",
			Usage:       "patch service host:port used for CDN/version discovery",
			Destination: &flagPatchHost,
		},
		&cli.StringFlag{
			Name:        "listfile",
			Usage:       "path to a plaintext listfile, for hsb/wow root dialects",
			Destination: &flagListFile,
		},
		&cli.StringFlag{
			Name:        "packages-dat",
			Usage:       "path to a decoded Packages.dat, for the d3 root dialect",
			Destination: &flagPackagesDat,
		},
	}
}

// openResolver builds either a LocalResolver or a CDNResolver from the
// common flags, reporting construction progress through a progress
// bar when progress is non-nil.
func openResolver(ctx context.Context, progress resolver.ProgressFunc) (resolver.Resolver, error) {
	if flagInstall == "" && flagProduct == "" {
		return nil, fmt.Errorf("either -install or -product must be given")
	}
	if flagInstall != "" && flagProduct != "" {
		return nil, fmt.Errorf("-install and -product are mutually exclusive")
	}

	var listFile map[uint32]string
	if flagListFile != "" {
		f, err := os.Open(flagListFile)
		if err != nil {
			return nil, fmt.Errorf("opening listfile: %w", err)
		}
		defer f.Close()
		listFile, err = rootfile.LoadListFile(f)
		if err != nil {
			return nil, fmt.Errorf("parsing listfile: %w", err)
		}
	}

	var packagesDat []byte
	if flagPackagesDat != "" {
		var err error
		packagesDat, err = os.ReadFile(flagPackagesDat)
		if err != nil {
			return nil, fmt.Errorf("reading Packages.dat: %w", err)
		}
	}

	if flagInstall != "" {
		return resolver.NewLocalResolver(ctx, flagInstall, resolver.LocalOptions{
			ListFile:    listFile,
			PackagesDat: packagesDat,
			Progress:    progress,
		})
	}

	fetcher := cdncache.NewFetcher(flagPatchHost, flagCacheDir)
	return resolver.NewCDNResolver(ctx, fetcher, flagProduct, resolver.CDNOptions{
		Region:      flagRegion,
		ListFile:    listFile,
		PackagesDat: packagesDat,
		Progress:    progress,
	})
}

// resolveTarget accepts either a literal 32-hex CKey or a file name
// already known to the resolver's name table.
func resolveTarget(r resolver.Resolver, arg string) (binutil.CKey, error) {
	if ckey, err := binutil.ParseCKey(arg); err == nil {
		return ckey, nil
	}
	for _, e := range r.ListFiles() {
		if e.Name == arg {
			return e.CKey, nil
		}
	}
	return binutil.CKey{}, fmt.Errorf("%q is not a valid ckey and no named file matches it", arg)
}
