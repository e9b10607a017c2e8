package bcfg

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeModel struct {
	mu    sync.Mutex
	lines []string
}

func (f *fakeModel) Apply(cmd string) error {
	if cmd == "bad" {
		return fmt.Errorf("bad command")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, cmd)
	return nil
}

func (f *fakeModel) Serialize() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := ""
	for _, l := range f.lines {
		out += l + "\n"
	}
	return []byte(out)
}

func TestCoreRequiresRoot(t *testing.T) {
	m := &fakeModel{}
	c := NewCore(m, m)

	err := c.Apply(1000, "add something")
	assert.Error(t, err)

	err = c.Apply(0, "add something")
	require.NoError(t, err)
	assert.Equal(t, "add something\n", string(c.Serialize()))
}

func TestCoreApplyFailureDoesNotCountMutation(t *testing.T) {
	m := &fakeModel{}
	c := NewCore(m, m)

	err := c.Apply(0, "bad")
	assert.Error(t, err)
	assert.EqualValues(t, 0, c.Mutations())

	require.NoError(t, c.Apply(0, "ok"))
	assert.EqualValues(t, 1, c.Mutations())
}

func TestCoreSizeMatchesSerialize(t *testing.T) {
	m := &fakeModel{}
	c := NewCore(m, m)
	require.NoError(t, c.Apply(0, "clear"))
	require.NoError(t, c.Apply(0, "add /a /b"))

	assert.Equal(t, len(c.Serialize()), c.Size())
}

func TestCoreConcurrentApply(t *testing.T) {
	m := &fakeModel{}
	c := NewCore(m, m)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = c.Apply(0, fmt.Sprintf("add %d", i))
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 50, c.Mutations())
}
