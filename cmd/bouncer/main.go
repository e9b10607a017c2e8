// Command bouncer redirects execution to the stratum/path tagged on its
// own executable's xattrs, via strat.
package main

import (
	"fmt"
	"os"

	"github.com/bedrocklinux/bedrock-go/internal/bouncer"
)

func main() {
	os.Exit(run())
}

func run() int {
	target, err := bouncer.ReadTarget()
	if err != nil {
		fmt.Fprintf(os.Stderr, "bouncer: %v\n", err)
		return 1
	}

	argv0 := os.Args[0]
	rest := os.Args[1:]
	argv := bouncer.Argv(argv0, target, rest)

	err = bouncer.Exec(argv)
	fmt.Fprintf(os.Stderr, "bouncer: could not execute\n    /bedrock/bin/strat\ndue to: %v\n", err)
	return 1
}
