// Package config handles configuration loading for swarm-relay.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from SWARM_RELAY_CONFIG environment variable
//  2. ./config.yaml (current directory)
//  3. ~/.config/swarm-relay/relay.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	database:
//	  path: "${SWARM_RELAY_DB}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	coordination:
//	  heartbeat_interval: "30s"
//	  heartbeat_timeout: "90s"
//	  cleanup_interval: "60s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8420"   # websocket, health, and control endpoints
//	  server_id: "swarm-relay"
//
// Database (empty path disables the audit log):
//
//	database:
//	  path: "/var/lib/swarm-relay/audit.db"
//
// Coordination:
//
//	coordination:
//	  heartbeat_interval: "30s"
//	  heartbeat_timeout: "90s"
//	  cleanup_interval: "60s"
//	  pending_grace_period: "5m"
//	  request_timeout: "30s"
//	  queue_size: 100
//	  max_connections: 0          # 0 = unlimited
//	  topology: "mesh"            # none, mesh, hierarchical, ring, star
//
// Orchestrator bridge:
//
//	bridge:
//	  enabled: true
//	  source: "bridge"
//	  status_interval: "60s"
//	  stats_interval: "5m"
//
// Logging:
//
//	logging:
//	  level: "info"               # debug, info, warn, error
//	  format: "text"              # text, json
package config
