package strat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasCapSysChrootRuns(t *testing.T) {
	// The actual capability state is environment-dependent (root vs.
	// non-root test runner, container capability set); what's verified
	// here is that the capget syscall plumbing works and returns cleanly.
	_, err := HasCapSysChroot()
	require.NoError(t, err)
}
