// Command redirects patches the Go runtime redirect table of a kernel image.
//
// Functions in the kernel sources annotated with
//
//	//go:redirect-from runtime.symbol
//
// replace the named runtime symbol at boot. The count subcommand reports the
// number of redirects so the linker script can reserve the table, and
// populate-table writes the resolved addresses into the image.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

// kernelDir is the source tree scanned for redirect annotations.
const kernelDir = "kernel"

// scan collects the redirects declared in the kernel sources below the
// current directory.
func scan() ([]*redirect, error) {
	modPath, err := modulePath(".")
	if err != nil {
		return nil, fmt.Errorf("this tool must be run from the module root: %w", err)
	}

	goFiles, err := collectGoFiles(kernelDir)
	if err != nil {
		return nil, err
	}

	return findRedirects(modPath, goFiles)
}

type countCmd struct{}

func (*countCmd) Name() string             { return "count" }
func (*countCmd) Synopsis() string         { return "print the number of redirects" }
func (*countCmd) Usage() string            { return "count\n" }
func (*countCmd) SetFlags(_ *flag.FlagSet) {}

func (*countCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	redirects, err := scan()
	if err != nil {
		logrus.WithError(err).Error("scan failed")
		return subcommands.ExitFailure
	}

	fmt.Printf("%d", len(redirects))
	return subcommands.ExitSuccess
}

type populateCmd struct{}

func (*populateCmd) Name() string             { return "populate-table" }
func (*populateCmd) Synopsis() string         { return "write the redirect table into a kernel image" }
func (*populateCmd) Usage() string            { return "populate-table <kernel image>\n" }
func (*populateCmd) SetFlags(_ *flag.FlagSet) {}

func (*populateCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	imgFile := f.Arg(0)

	redirects, err := scan()
	if err != nil {
		logrus.WithError(err).Error("scan failed")
		return subcommands.ExitFailure
	}

	if err = elfResolveRedirectSymbols(redirects, imgFile); err != nil {
		logrus.WithError(err).Error("symbol resolution failed")
		return subcommands.ExitFailure
	}

	if err = elfWriteRedirectTable(redirects, imgFile); err != nil {
		logrus.WithError(err).Error("table update failed")
		return subcommands.ExitFailure
	}

	for _, r := range redirects {
		logrus.WithFields(logrus.Fields{
			"src": r.src,
			"dst": r.dst,
		}).Debugf("redirect 0x%x -> 0x%x", r.srcVMA, r.dstVMA)
	}
	return subcommands.ExitSuccess
}

func main() {
	debug := flag.Bool("debug", false, "enable debug logging")

	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(&countCmd{}, "")
	subcommands.Register(&populateCmd{}, "")
	subcommands.ImportantFlag("debug")

	flag.Parse()
	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	os.Exit(int(subcommands.Execute(context.Background())))
}
