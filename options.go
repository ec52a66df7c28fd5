package bitswap

import (
	"time"

	"github.com/ipfs/go-bitswap-core/internal/message"
)

// Config bundles every recognized configuration key from §6, mapped
// from the teacher's single `nice bool` constructor argument onto the
// options-over-struct convention the rest of the ecosystem (go-libp2p,
// boxo) has converged on.
type Config struct {
	IdleTimeout time.Duration

	ClientMaxParallelBlockRequests int
	ClientBroadcastDelay           time.Duration
	ClientProviderSearchLimit     int

	ServerTargetMessageSize       int
	ServerMaxOutstandingBytesPeer int
	ServerTaskWorkerCount         int

	ProtocolMaxMessageSize  int
	ProtocolSupportedVersions []message.Version
}

// DefaultConfig mirrors the teacher's hardcoded constants
// (maxProvidersPerRequest=3, providerRequestTimeout=10s,
// TaskWorkerCount=8) generalized to the full key set §6 names.
func DefaultConfig() Config {
	return Config{
		IdleTimeout: 5 * time.Minute,

		ClientMaxParallelBlockRequests: 6,
		ClientBroadcastDelay:           time.Second,
		ClientProviderSearchLimit:      3,

		ServerTargetMessageSize:       1 << 18,
		ServerMaxOutstandingBytesPeer: 1 << 22,
		ServerTaskWorkerCount:         8,

		ProtocolMaxMessageSize:    4 << 20,
		ProtocolSupportedVersions: []message.Version{message.V1_0_0, message.V1_1_0, message.V1_2_0},
	}
}

// Option mutates a Config at construction time.
type Option func(*Config)

func WithIdleTimeout(d time.Duration) Option {
	return func(c *Config) { c.IdleTimeout = d }
}

func WithMaxParallelBlockRequests(n int) Option {
	return func(c *Config) { c.ClientMaxParallelBlockRequests = n }
}

func WithBroadcastDelay(d time.Duration) Option {
	return func(c *Config) { c.ClientBroadcastDelay = d }
}

func WithProviderSearchLimit(n int) Option {
	return func(c *Config) { c.ClientProviderSearchLimit = n }
}

func WithTargetMessageSize(n int) Option {
	return func(c *Config) { c.ServerTargetMessageSize = n }
}

func WithMaxOutstandingBytesPerPeer(n int) Option {
	return func(c *Config) { c.ServerMaxOutstandingBytesPeer = n }
}

func WithTaskWorkerCount(n int) Option {
	return func(c *Config) { c.ServerTaskWorkerCount = n }
}

func WithMaxMessageSize(n int) Option {
	return func(c *Config) { c.ProtocolMaxMessageSize = n }
}

func WithSupportedVersions(versions ...message.Version) Option {
	return func(c *Config) { c.ProtocolSupportedVersions = versions }
}
