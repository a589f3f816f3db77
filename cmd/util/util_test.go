package util

import (
	"strings"
	"testing"

	"github.com/ValentinKolb/kvmesh/rpc/common"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapString(t *testing.T) {
	text := strings.Repeat("word ", 40)
	for _, line := range strings.Split(WrapString(text), "\n") {
		assert.LessOrEqual(t, len(line), Wrap)
	}
	assert.Equal(t, "short text", WrapString("  short   text "))
}

func TestTransportFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	SetupTransportFlags(cmd)
	require.NoError(t, cmd.ParseFlags([]string{"--transport-stream-window=1024", "--transport-tcp-nodelay=false"}))
	require.NoError(t, BindCommandFlags(cmd))

	config := GetTransportConfig()
	defaults := common.DefaultTransportConfig()

	assert.Equal(t, uint32(1024*1024), config.StreamWindowSize)
	assert.False(t, config.TCPNoDelay)
	assert.Equal(t, defaults.WriteBufferSize, config.WriteBufferSize)
	assert.Equal(t, defaults.DialTimeoutSecond, config.DialTimeoutSecond)
	assert.Equal(t, defaults.MaxPendingMessages, config.MaxPendingMessages)
}
