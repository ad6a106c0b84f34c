// config.go ports original_source/src/config.rs's Discv5Config /
// Discv5ConfigBuilder: the defaults table of spec.md §6, expressed as a Go
// builder whose Build() returns an error instead of panicking when a
// setting is invalid at construction time (spec.md §7).
package discover

import (
	"errors"
	"fmt"
	"time"

	"github.com/yaanhyy/discv5/p2p/enr"
)

// Config holds every tunable of the discovery service.
type Config struct {
	RequestTimeout   time.Duration
	QueryPeerTimeout time.Duration
	QueryTimeout     time.Duration
	RequestRetries   uint8
	SessionTimeout   time.Duration
	EnrUpdate        bool
	EnrPeerUpdateMin uint64
	QueryParallelism int // alpha
	IPLimit          bool
	IPLimitCount     int
	TableFilter      func(*enr.Record) bool
	PingInterval     time.Duration
}

// DefaultConfig returns the defaults from spec.md §6.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:   4 * time.Second,
		QueryPeerTimeout: 2 * time.Second,
		QueryTimeout:     60 * time.Second,
		RequestRetries:   1,
		SessionTimeout:   86400 * time.Second,
		EnrUpdate:        true,
		EnrPeerUpdateMin: 10,
		QueryParallelism: 3,
		IPLimit:          false,
		IPLimitCount:     2,
		TableFilter:      func(*enr.Record) bool { return true },
		PingInterval:     300 * time.Second,
	}
}

// ErrInvalidConfig is returned by Build when a setting cannot be honored.
var ErrInvalidConfig = errors.New("discover: invalid configuration")

// ConfigBuilder incrementally assembles a Config, validating at Build time
// rather than failing individual setter calls.
type ConfigBuilder struct {
	cfg Config
}

// NewConfigBuilder starts from DefaultConfig.
func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{cfg: DefaultConfig()}
}

func (b *ConfigBuilder) RequestTimeout(d time.Duration) *ConfigBuilder {
	b.cfg.RequestTimeout = d
	return b
}

func (b *ConfigBuilder) QueryPeerTimeout(d time.Duration) *ConfigBuilder {
	b.cfg.QueryPeerTimeout = d
	return b
}

func (b *ConfigBuilder) QueryTimeout(d time.Duration) *ConfigBuilder {
	b.cfg.QueryTimeout = d
	return b
}

func (b *ConfigBuilder) RequestRetries(n uint8) *ConfigBuilder {
	b.cfg.RequestRetries = n
	return b
}

func (b *ConfigBuilder) SessionTimeout(d time.Duration) *ConfigBuilder {
	b.cfg.SessionTimeout = d
	return b
}

func (b *ConfigBuilder) EnrUpdate(enabled bool) *ConfigBuilder {
	b.cfg.EnrUpdate = enabled
	return b
}

// EnrPeerUpdateMin sets the minimum vote count before the IP-vote majority
// can update the local ENR. Per original_source/src/config.rs, this is
// fatal at construction if < 2 -- here expressed as a Build()-time error
// rather than a panic (spec.md §7: library code should not crash its
// caller's process over a misconfiguration that is cheaply checkable).
func (b *ConfigBuilder) EnrPeerUpdateMin(min uint64) *ConfigBuilder {
	b.cfg.EnrPeerUpdateMin = min
	return b
}

func (b *ConfigBuilder) QueryParallelism(alpha int) *ConfigBuilder {
	b.cfg.QueryParallelism = alpha
	return b
}

func (b *ConfigBuilder) IPLimit(enabled bool, limit int) *ConfigBuilder {
	b.cfg.IPLimit = enabled
	b.cfg.IPLimitCount = limit
	return b
}

func (b *ConfigBuilder) TableFilter(f func(*enr.Record) bool) *ConfigBuilder {
	b.cfg.TableFilter = f
	return b
}

func (b *ConfigBuilder) PingInterval(d time.Duration) *ConfigBuilder {
	b.cfg.PingInterval = d
	return b
}

// Build validates and returns the assembled Config.
func (b *ConfigBuilder) Build() (*Config, error) {
	if b.cfg.EnrPeerUpdateMin < 2 {
		return nil, fmt.Errorf("%w: enr_peer_update_min must be >= 2", ErrInvalidConfig)
	}
	if b.cfg.QueryParallelism < 1 {
		return nil, fmt.Errorf("%w: query_parallelism must be >= 1", ErrInvalidConfig)
	}
	cfg := b.cfg
	if cfg.TableFilter == nil {
		cfg.TableFilter = func(*enr.Record) bool { return true }
	}
	return &cfg, nil
}
