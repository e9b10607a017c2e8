// Command strat runs a command against a specific Bedrock Linux stratum.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bedrocklinux/bedrock-go/internal/strat"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	opts, err := strat.ParseArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "strat: %v\n", err)
		return 1
	}
	if opts.Help {
		fmt.Print(strat.HelpText)
		return 0
	}

	restricted := opts.Restrict || (!opts.Unrestrict && len(opts.CommandArgs) > 0 && strat.IsCmdRestrictedByDefault(opts.CommandArgs[0]))
	if restricted {
		if err := strat.RestrictEnv(); err != nil {
			fmt.Fprintln(os.Stderr, "strat: unable to set restricted environment")
			return 1
		}
	}

	mode := strat.ModeChroot
	if opts.Namespace {
		mode = strat.ModeNamespace
	}
	if err := strat.Switch(opts.Stratum, mode); err != nil {
		fmt.Fprintf(os.Stderr, "strat: %v\n", err)
		return 1
	}

	return execCommand(opts)
}

func execCommand(opts *strat.Options) int {
	if len(opts.CommandArgs) > 0 {
		file := opts.CommandArgs[0]
		argv := append([]string(nil), opts.CommandArgs...)
		if opts.Arg0 != "" {
			argv[0] = opts.Arg0
		}
		err := strat.ExecSkip(file, argv, strat.CrossDir)
		fmt.Fprintf(os.Stderr, "strat: could not run\n    %s\nfrom stratum\n    %s\ndue to: %v\n", file, opts.Stratum, err)
		return 1
	}

	// No command specified: fall back to $SHELL, stripped to its
	// basename (the same executable may live at different paths in
	// different strata, and a $SHELL pointing into /bedrock/cross would
	// defeat the purpose of switching at all), then /bin/sh.
	if shell := os.Getenv("SHELL"); shell != "" {
		name := filepath.Base(shell)
		if err := strat.ExecSkip(name, []string{name}, strat.CrossDir); err == nil {
			return 0
		}
	}
	err := strat.ExecSkip("/bin/sh", []string{"/bin/sh"}, strat.CrossDir)
	fmt.Fprintf(os.Stderr, "strat: could not run /bin/sh from stratum\n    %s\ndue to: %v\n", opts.Stratum, err)
	return 1
}
