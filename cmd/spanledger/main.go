package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spanledger/spanledger/internal/version"
)

const defaultConfigPath = "spanledger.yaml"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printUsage(errOut)
		return 2
	}

	switch args[0] {
	case "report":
		return runReport(args[1:], out, errOut)
	case "stats":
		return runStats(args[1:], out, errOut)
	case "version", "-version", "--version":
		fmt.Fprintln(out, version.String())
		return 0
	case "help", "-h", "-help", "--help":
		printUsage(out)
		return 0
	default:
		fmt.Fprintf(errOut, "unknown command %q\n\n", args[0])
		printUsage(errOut)
		return 2
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage: spanledger <command> [flags]")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  report   Show recent traces and their spans")
	fmt.Fprintln(out, "  stats    Show aggregate usage over a trailing window")
	fmt.Fprintln(out, "  version  Print the build version")
	fmt.Fprintln(out, "  help     Print this help")
}
