package strat

import (
	"os"
	"strings"
)

// restrictedEnvVars are the PATH-like variables stripped of any
// /bedrock/cross-prefixed entry when running a command restricted to its
// own stratum. TERMINFO_DIRS is deliberately left alone — restricting it
// is more likely to confuse users than to meaningfully improve isolation.
var restrictedEnvVars = []string{"PATH", "MANPATH", "INFOPATH", "XDG_DATA_DIRS"}

// RestrictEnv strips /bedrock/cross entries from the PATH-like
// environment variables and sets SHELL/BEDROCK_RESTRICT, matching
// strat.c's restrict_env.
func RestrictEnv() error {
	for _, name := range restrictedEnvVars {
		if err := restrictEnvVar(name); err != nil {
			return err
		}
	}
	if err := os.Setenv("SHELL", "/bin/sh"); err != nil {
		return err
	}
	return os.Setenv("BEDROCK_RESTRICT", "1")
}

func restrictEnvVar(name string) error {
	val, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}

	parts := strings.Split(val, ":")
	kept := parts[:0]
	for _, p := range parts {
		if strings.HasPrefix(p, CrossDir) {
			continue
		}
		kept = append(kept, p)
	}
	return os.Setenv(name, strings.Join(kept, ":"))
}
