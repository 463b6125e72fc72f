package poolmanager

import (
	"strings"

	"github.com/ajitpratap0/snowpool/pkg/errors"
)

// Version selects the pool registry strategy.
type Version int

const (
	// MultiPool keeps one pool per identity key. It is the default.
	MultiPool Version = iota
	// SingleSharedPool resolves every identity to one process-wide pool with
	// pooling forced on, as older driver versions did.
	SingleSharedPool
)

// DefaultVersion is the strategy restored by Reset.
const DefaultVersion = MultiPool

// String returns the configuration name of the version.
func (v Version) String() string {
	switch v {
	case MultiPool:
		return "multi_pool"
	case SingleSharedPool:
		return "single_shared_pool"
	default:
		return "unknown"
	}
}

// Valid reports whether v names a known strategy.
func (v Version) Valid() bool {
	return v == MultiPool || v == SingleSharedPool
}

// ParseVersion parses a strategy name as used in configuration files.
func ParseVersion(s string) (Version, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "multi_pool", "multiple", "multi":
		return MultiPool, nil
	case "single_shared_pool", "single", "legacy":
		return SingleSharedPool, nil
	default:
		return 0, errors.Newf(errors.ErrorTypeConfig, "unknown pool version %q", s)
	}
}
