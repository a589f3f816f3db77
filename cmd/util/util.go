package util

import (
	"strings"

	"github.com/ValentinKolb/kvmesh/rpc/common"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	// Add any remaining text
	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// InitConfig loads .env files and binds KVMESH_* environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("kvmesh")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// SetupTransportFlags adds the socket and multiplexer flags of the TCP transport to a command
func SetupTransportFlags(cmd *cobra.Command) {
	defaults := common.DefaultTransportConfig()

	key := "transport-dial-timeout"
	cmd.PersistentFlags().Int(key, defaults.DialTimeoutSecond, WrapString("Timeout in seconds for establishing one connection to a peer (0 = no timeout)"))

	key = "transport-write-buffer"
	cmd.PersistentFlags().Int(key, defaults.WriteBufferSize/1024, WrapString("The size of the socket write buffer (in KB)"))

	key = "transport-read-buffer"
	cmd.PersistentFlags().Int(key, defaults.ReadBufferSize/1024, WrapString("The size of the socket read buffer (in KB)"))

	key = "transport-tcp-nodelay"
	cmd.PersistentFlags().Bool(key, defaults.TCPNoDelay, WrapString("Whether to enable TCP_NODELAY on peer connections"))

	key = "transport-tcp-keepalive"
	cmd.PersistentFlags().Int(key, defaults.TCPKeepAliveSec, WrapString("The TCP keepalive interval (in seconds, 0 = multiplexer keepalive)"))

	key = "transport-tcp-linger"
	cmd.PersistentFlags().Int(key, defaults.TCPLingerSec, WrapString("The linger time of peer connections (in seconds, -1 = system default)"))

	key = "transport-stream-window"
	cmd.PersistentFlags().Int(key, int(defaults.StreamWindowSize/1024), WrapString("The receive window of one multiplexed stream (in KB)"))

	key = "transport-pending-messages"
	cmd.PersistentFlags().Int(key, defaults.MaxPendingMessages, WrapString("The number of received messages buffered per worker before the readers block"))
}

// GetTransportConfig reads the transport configuration from viper
func GetTransportConfig() common.TransportConfig {
	return common.TransportConfig{
		SocketConf: common.SocketConf{
			WriteBufferSize: viper.GetInt("transport-write-buffer") * 1024,
			ReadBufferSize:  viper.GetInt("transport-read-buffer") * 1024,
		},
		TCPConf: common.TCPConf{
			TCPNoDelay:      viper.GetBool("transport-tcp-nodelay"),
			TCPKeepAliveSec: viper.GetInt("transport-tcp-keepalive"),
			TCPLingerSec:    viper.GetInt("transport-tcp-linger"),
		},
		DialTimeoutSecond:  viper.GetInt("transport-dial-timeout"),
		StreamWindowSize:   uint32(viper.GetInt("transport-stream-window") * 1024),
		MaxPendingMessages: viper.GetInt("transport-pending-messages"),
	}
}
