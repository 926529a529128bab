// Package serviceconfig provides per-method configuration for RPC calls —
// default timeouts and wait-for-ready behavior keyed by interface and
// method, without threading options through every call site. Adapted from
// the teacher's rpc/serviceconfig, narrowed from its three-level
// "pkg/service/method" pattern to this runtime's two-level
// (interface_id, method) addressing (spec.md §3's manifest numbers methods
// per interface, not per package/service).
package serviceconfig

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MethodConfig configures behavior for matching methods.
type MethodConfig struct {
	// Timeout is the default timeout for calls to this method. Zero means
	// no default (use CallOptions.Deadline or the connection default only).
	Timeout time.Duration

	// WaitForReady, if true, causes calls to block until a connection is
	// established rather than failing immediately with CatTransport.
	WaitForReady bool
}

// Config maps method patterns to their configuration. Patterns are matched
// in order of specificity:
//  1. "interface_id/method" - exact match
//  2. "interface_id/*"      - all methods on an interface
//  3. "*/*"                 - global default
type Config struct {
	methods map[string]MethodConfig
}

// New creates a new empty service config.
func New() *Config {
	return &Config{methods: make(map[string]MethodConfig)}
}

func pattern(interfaceID uint32, method string) string {
	return fmt.Sprintf("%d/%s", interfaceID, method)
}

// SetMethodConfig sets the configuration for a method pattern, e.g.
// "7/Echo", "7/*", or "*/*".
func (c *Config) SetMethodConfig(pat string, cfg MethodConfig) *Config {
	c.methods[pat] = cfg
	return c
}

// SetTimeout is a convenience method to set just the timeout for a pattern.
func (c *Config) SetTimeout(pat string, timeout time.Duration) *Config {
	cfg := c.methods[pat]
	cfg.Timeout = timeout
	c.methods[pat] = cfg
	return c
}

// SetWaitForReady is a convenience method to set wait-for-ready for a pattern.
func (c *Config) SetWaitForReady(pat string, wait bool) *Config {
	cfg := c.methods[pat]
	cfg.WaitForReady = wait
	c.methods[pat] = cfg
	return c
}

// GetMethodConfig returns the configuration for a specific interface/method,
// trying exact match, then interface wildcard, then global wildcard.
func (c *Config) GetMethodConfig(interfaceID uint32, method string) (MethodConfig, bool) {
	if c == nil || len(c.methods) == 0 {
		return MethodConfig{}, false
	}
	if cfg, ok := c.methods[pattern(interfaceID, method)]; ok {
		return cfg, true
	}
	if cfg, ok := c.methods[fmt.Sprintf("%d/*", interfaceID)]; ok {
		return cfg, true
	}
	if cfg, ok := c.methods["*/*"]; ok {
		return cfg, true
	}
	return MethodConfig{}, false
}

// GetTimeout returns the configured timeout, or 0 if none matches.
func (c *Config) GetTimeout(interfaceID uint32, method string) time.Duration {
	cfg, ok := c.GetMethodConfig(interfaceID, method)
	if !ok {
		return 0
	}
	return cfg.Timeout
}

// GetWaitForReady returns the configured wait-for-ready setting.
func (c *Config) GetWaitForReady(interfaceID uint32, method string) bool {
	cfg, ok := c.GetMethodConfig(interfaceID, method)
	if !ok {
		return false
	}
	return cfg.WaitForReady
}

// ParsePattern parses a pattern into its interface id and method components.
func ParsePattern(pat string) (interfaceID uint32, method string, ok bool) {
	parts := strings.SplitN(pat, "/", 2)
	if len(parts) != 2 {
		return 0, "", false
	}
	if parts[0] == "*" {
		return 0, parts[1], parts[0] == "*"
	}
	n, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, "", false
	}
	return uint32(n), parts[1], true
}

// Builder provides a fluent interface for building service configs.
type Builder struct {
	config *Config
}

// NewBuilder creates a new config builder.
func NewBuilder() *Builder {
	return &Builder{config: New()}
}

// WithTimeout adds a timeout for a pattern.
func (b *Builder) WithTimeout(pat string, timeout time.Duration) *Builder {
	b.config.SetTimeout(pat, timeout)
	return b
}

// WithWaitForReady sets wait-for-ready for a pattern.
func (b *Builder) WithWaitForReady(pat string, wait bool) *Builder {
	b.config.SetWaitForReady(pat, wait)
	return b
}

// WithMethodConfig adds a full method config for a pattern.
func (b *Builder) WithMethodConfig(pat string, cfg MethodConfig) *Builder {
	b.config.SetMethodConfig(pat, cfg)
	return b
}

// WithDefaultTimeout sets a global default timeout for all methods.
func (b *Builder) WithDefaultTimeout(timeout time.Duration) *Builder {
	b.config.SetTimeout("*/*", timeout)
	return b
}

// Build returns the completed config.
func (b *Builder) Build() *Config {
	return b.config
}
