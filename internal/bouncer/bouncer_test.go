package bouncer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestArgvPreservesArgv0AndOrder(t *testing.T) {
	target := Target{Stratum: "gentoo", Path: "/usr/bin/busybox"}
	argv := Argv("ls", target, []string{"-la", "/tmp"})

	assert.Equal(t, []string{
		"/bedrock/bin/strat", "--arg0", "ls", "gentoo", "/usr/bin/busybox", "-la", "/tmp",
	}, argv)
}

func TestArgvNoExtraArgs(t *testing.T) {
	target := Target{Stratum: "arch", Path: "/bin/sh"}
	argv := Argv("sh", target, nil)

	assert.Equal(t, []string{"/bedrock/bin/strat", "--arg0", "sh", "arch", "/bin/sh"}, argv)
}
