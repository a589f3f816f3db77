package common

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Defaults
// --------------------------------------------------------------------------

const (
	// DefaultBasePort is the listener base port, every rank listens on DefaultBasePort + rank
	DefaultBasePort uint16 = 12345
	// DefaultCacheGroupColor is the split color of the cache transfer group
	DefaultCacheGroupColor = 300
	// DefaultTagQueryRetries bounds the endpoint address query during tag setup
	DefaultTagQueryRetries = 10
	// DefaultTagQueryBackoffMillisecond is the fixed delay between address queries
	DefaultTagQueryBackoffMillisecond = 200
	// DefaultBootstrapPollMillisecond is the fallback polling interval while waiting for peers
	DefaultBootstrapPollMillisecond = 200
)

// --------------------------------------------------------------------------
// Transport configuration structs
// --------------------------------------------------------------------------

// SocketConf holds socket buffer settings shared by all stream transports
type SocketConf struct {
	WriteBufferSize int
	ReadBufferSize  int
}

// TCPConf holds TCP specific socket options
type TCPConf struct {
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int
}

// TransportConfig configures the transport context and its workers
type TransportConfig struct {
	SocketConf
	TCPConf

	// DialTimeoutSecond bounds establishing one endpoint (0 = no bound)
	DialTimeoutSecond int
	// StreamWindowSize is the per stream receive window of the multiplexer (bytes)
	StreamWindowSize uint32
	// MaxPendingMessages is the length of the inbound queue of one worker
	MaxPendingMessages int
}

// DialTimeout returns DialTimeoutSecond as a duration
func (c *TransportConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutSecond) * time.Second
}

// DefaultTransportConfig returns the transport configuration used if nothing else is set
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		SocketConf: SocketConf{
			WriteBufferSize: 512 * 1024,
			ReadBufferSize:  512 * 1024,
		},
		TCPConf: TCPConf{
			TCPNoDelay:   true,
			TCPLingerSec: -1,
		},
		DialTimeoutSecond:  10,
		StreamWindowSize:   4 * 1024 * 1024,
		MaxPendingMessages: 1024,
	}
}

// --------------------------------------------------------------------------
// Connection manager configuration struct
// --------------------------------------------------------------------------

// ManagerConfig holds all configuration parameters of one connection manager
type ManagerConfig struct {
	// BasePort is the listener base port (listener = BasePort + world rank)
	BasePort uint16
	// AdvertiseAddress overrides the auto detected IPv4 address
	AdvertiseAddress string
	// Workers is the number of transport workers (minimum one)
	Workers int
	// CacheGroupColor is the split color used to form the cache transfer group
	CacheGroupColor int

	// Tag negotiation
	TagQueryRetries            int
	TagQueryBackoffMillisecond int

	// Bootstrap
	BootstrapPollMillisecond int
	BootstrapTimeoutSecond   int64

	Transport TransportConfig

	// Logging configuration
	LogLevel string
}

// DefaultManagerConfig returns the configuration used if nothing else is set
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		BasePort:                   DefaultBasePort,
		Workers:                    1,
		CacheGroupColor:            DefaultCacheGroupColor,
		TagQueryRetries:            DefaultTagQueryRetries,
		TagQueryBackoffMillisecond: DefaultTagQueryBackoffMillisecond,
		BootstrapPollMillisecond:   DefaultBootstrapPollMillisecond,
		Transport:                  DefaultTransportConfig(),
		LogLevel:                   "info",
	}
}

// TagQueryBackoff returns TagQueryBackoffMillisecond as a duration
func (c *ManagerConfig) TagQueryBackoff() time.Duration {
	return time.Duration(c.TagQueryBackoffMillisecond) * time.Millisecond
}

// BootstrapPoll returns BootstrapPollMillisecond as a duration
func (c *ManagerConfig) BootstrapPoll() time.Duration {
	return time.Duration(c.BootstrapPollMillisecond) * time.Millisecond
}

// BootstrapTimeout returns BootstrapTimeoutSecond as a duration (0 = unbounded)
func (c *ManagerConfig) BootstrapTimeout() time.Duration {
	return time.Duration(c.BootstrapTimeoutSecond) * time.Second
}

// Validate checks the configuration for values the manager cannot work with
func (c *ManagerConfig) Validate() error {
	if c.BasePort == 0 {
		return fmt.Errorf("base port must be set")
	}
	if c.Workers < 1 {
		return fmt.Errorf("at least one worker is required, got %d", c.Workers)
	}
	if c.TagQueryRetries < 1 {
		return fmt.Errorf("tag query retries must be positive, got %d", c.TagQueryRetries)
	}
	if c.TagQueryBackoffMillisecond < 0 || c.BootstrapPollMillisecond <= 0 {
		return fmt.Errorf("invalid bootstrap intervals (backoff=%dms, poll=%dms)",
			c.TagQueryBackoffMillisecond, c.BootstrapPollMillisecond)
	}
	if c.BootstrapTimeoutSecond < 0 {
		return fmt.Errorf("bootstrap timeout must not be negative")
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c *ManagerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Connection Manager")
	addField("Base Port", strconv.Itoa(int(c.BasePort)))
	addField("Advertise Address", orAuto(c.AdvertiseAddress))
	addField("Workers", strconv.Itoa(c.Workers))
	addField("Cache Group Color", strconv.Itoa(c.CacheGroupColor))

	addSection("Bootstrap")
	addField("Tag Query Retries", strconv.Itoa(c.TagQueryRetries))
	addField("Tag Query Backoff", fmt.Sprintf("%d ms", c.TagQueryBackoffMillisecond))
	addField("Poll Interval", fmt.Sprintf("%d ms", c.BootstrapPollMillisecond))
	if c.BootstrapTimeoutSecond > 0 {
		addField("Timeout", fmt.Sprintf("%d sec", c.BootstrapTimeoutSecond))
	} else {
		addField("Timeout", "none")
	}

	addSection("Transport")
	addField("Dial Timeout", fmt.Sprintf("%d sec", c.Transport.DialTimeoutSecond))
	addField("Stream Window", fmt.Sprintf("%d KB", c.Transport.StreamWindowSize/1024))
	addField("Pending Messages", strconv.Itoa(c.Transport.MaxPendingMessages))
	addField("Write Buffer", fmt.Sprintf("%d KB", c.Transport.WriteBufferSize/1024))
	addField("Read Buffer", fmt.Sprintf("%d KB", c.Transport.ReadBufferSize/1024))
	addField("TCP NoDelay", strconv.FormatBool(c.Transport.TCPNoDelay))
	addField("TCP KeepAlive", fmt.Sprintf("%d sec", c.Transport.TCPKeepAliveSec))

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}

// --------------------------------------------------------------------------
// Coordinator configuration struct
// --------------------------------------------------------------------------

// CoordinatorConfig configures the TCP collective coordinator and its clients
type CoordinatorConfig struct {
	// Endpoint is the address the coordinator listens on / clients dial
	Endpoint string
	// Size is the number of ranks in the world group
	Size int
	// TimeoutSecond bounds connecting to the coordinator (0 = no bound)
	TimeoutSecond int
}

// String returns a formatted string representation of the coordinator configuration
func (c *CoordinatorConfig) String() string {
	var sb strings.Builder

	sb.WriteString("\nCOORDINATOR\n")
	sb.WriteString(fmt.Sprintf("  %-22s: %s\n", "Endpoint", c.Endpoint))
	sb.WriteString(fmt.Sprintf("  %-22s: %d\n", "World Size", c.Size))
	sb.WriteString(fmt.Sprintf("  %-22s: %d sec\n", "Timeout", c.TimeoutSecond))

	return sb.String()
}

func orAuto(s string) string {
	if s == "" {
		return "auto"
	}
	return s
}
