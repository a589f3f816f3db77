package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic(t *testing.T) {
	id, err := Static(3).DeviceID()
	require.NoError(t, err)
	assert.Equal(t, 3, id)
	assert.NoError(t, Static(3).Bind(3))
	assert.Error(t, Static(3).Bind(1))

	_, err = Static(-1).DeviceID()
	assert.ErrorIs(t, err, ErrNoDevice)
	assert.ErrorIs(t, Static(-1).Bind(0), ErrNoDevice)
}

func TestFromEnv(t *testing.T) {
	t.Setenv(EnvDevice, "")
	t.Setenv(EnvLocalRank, "")

	p := FromEnv()
	_, err := p.DeviceID()
	assert.ErrorIs(t, err, ErrNoDevice)

	t.Setenv(EnvLocalRank, "2")
	id, err := p.DeviceID()
	require.NoError(t, err)
	assert.Equal(t, 2, id)

	// the explicit device wins over the launcher's local rank
	t.Setenv(EnvDevice, "5")
	id, err = p.DeviceID()
	require.NoError(t, err)
	assert.Equal(t, 5, id)
	assert.NoError(t, p.Bind(5))
	assert.Error(t, p.Bind(2))

	t.Setenv(EnvDevice, "gpu0")
	_, err = p.DeviceID()
	assert.Error(t, err)
}
