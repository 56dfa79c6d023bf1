package persist

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/juju/errors"
	"github.com/sensorsafrica/airnode/log2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct{ n byte }

func (c *counter) MarshalBinary() ([]byte, error) { return []byte{c.n}, nil }
func (c *counter) UnmarshalBinary(b []byte) error {
	if len(b) != 1 {
		return errors.NotValidf("counter length=%d", len(b))
	}
	c.n = b[0]
	return nil
}

func TestPersist(t *testing.T) {
	t.Parallel()
	root, err := ioutil.TempDir("", "airnode-persist")
	require.NoError(t, err)
	defer os.RemoveAll(root)
	log := log2.NewTest(t, log2.LDebug)

	var p1 Persist
	c1 := &counter{}
	require.NoError(t, p1.Init("counter", c1, root, true, log))
	require.NoError(t, p1.Load())
	assert.Equal(t, byte(0), c1.n, "nothing stored yet")
	c1.n = 42
	require.NoError(t, p1.Store())

	var p2 Persist
	c2 := &counter{}
	require.NoError(t, p2.Init("counter", c2, root, true, log))
	require.NoError(t, p2.Load())
	assert.Equal(t, byte(42), c2.n)
}

func TestPersistDisabled(t *testing.T) {
	t.Parallel()
	var p Persist
	c := &counter{n: 7}
	require.NoError(t, p.Init("counter", c, "", false, log2.NewTest(t, log2.LDebug)))
	assert.False(t, p.Enabled())
	assert.NoError(t, p.Load())
	assert.NoError(t, p.Store())
	assert.Equal(t, byte(7), c.n)

	err := p.Init("counter", c, "", true, nil)
	assert.True(t, errors.IsNotValid(err))
}
