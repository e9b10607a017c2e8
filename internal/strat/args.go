package strat

import (
	berrors "github.com/bedrocklinux/bedrock-go/pkg/errors"
)

// Options holds strat's parsed CLI flags, mirroring strat.c's
// parse_args: a short run of recognized leading flags, then a required
// stratum positional, then the remaining arguments passed through
// verbatim as the command to execute.
type Options struct {
	Help        bool
	Restrict    bool
	Unrestrict  bool
	Namespace   bool
	Arg0        string
	Stratum     string
	CommandArgs []string
}

// ParseArgs parses strat's argument list (not including argv[0]).
func ParseArgs(args []string) (*Options, error) {
	opts := &Options{}

	i := 0
	for i < len(args) {
		switch args[i] {
		case "-h", "--help":
			opts.Help = true
			return opts, nil
		case "-r", "--restrict":
			opts.Restrict = true
			i++
		case "-u", "--unrestrict":
			opts.Unrestrict = true
			i++
		case "-n", "--namespace":
			opts.Namespace = true
			i++
		case "-a", "--arg0":
			if i+1 >= len(args) {
				return nil, berrors.NewError(berrors.ErrCodeInvalidConfig, "--arg0 requires a value")
			}
			opts.Arg0 = args[i+1]
			i += 2
		default:
			goto afterFlags
		}
	}
afterFlags:
	if i >= len(args) {
		return nil, berrors.NewError(berrors.ErrCodeInvalidConfig, "no stratum specified")
	}
	opts.Stratum = args[i]
	opts.CommandArgs = args[i+1:]
	return opts, nil
}
