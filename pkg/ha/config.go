// Package ha holds what several sync-server replicas need to share one
// database: a stable node address that job specs are pinned to, and a lock
// that serializes schema migrations.
package ha

import (
	"net"
	"os"
	"strings"
)

// NodeConfig identifies this replica.
type NodeConfig struct {
	// Address is matched against JobSpec.Address to decide which jobs this
	// node schedules. Defaults to the first non-loopback IPv4 address, then
	// the hostname.
	Address string

	// MigrationLockEnabled serializes AutoMigrate across replicas.
	MigrationLockEnabled bool
}

// DefaultNodeConfig returns a NodeConfig with a detected address.
func DefaultNodeConfig() *NodeConfig {
	return &NodeConfig{
		Address:              detectAddress(),
		MigrationLockEnabled: true,
	}
}

// NodeConfigFromEnv reads node configuration from environment variables,
// falling back to defaults for any unset variable.
//
// Environment variables:
//   - SYNC_NODE_ADDRESS: address this node answers to in job specs
//   - SYNC_MIGRATION_LOCK_ENABLED: "true" or "false" (default: "true")
func NodeConfigFromEnv() *NodeConfig {
	cfg := DefaultNodeConfig()

	if v := strings.TrimSpace(os.Getenv("SYNC_NODE_ADDRESS")); v != "" {
		cfg.Address = v
	}
	if v := os.Getenv("SYNC_MIGRATION_LOCK_ENABLED"); v != "" {
		cfg.MigrationLockEnabled = strings.EqualFold(v, "true") || v == "1"
	}

	return cfg
}

var interfaceAddrs = net.InterfaceAddrs

func detectAddress() string {
	if addrs, err := interfaceAddrs(); err == nil {
		if ip := firstIPv4(addrs); ip != "" {
			return ip
		}
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}

func firstIPv4(addrs []net.Addr) string {
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}
