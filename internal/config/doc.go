// Package config handles configuration loading for mothership-gateway.
//
// # Overview
//
// Configuration is loaded from YAML (or TOML, by file extension) with
// environment variable expansion. Omitted values get defaults and the result
// is validated before use.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from MOTHERSHIP_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/mothership/gateway.yaml
//  3. ~/.config/mothership/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${MOTHERSHIP_JWT_SECRET}"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"    # websocket endpoint, API, health
//	  grpc_addr: "0.0.0.0:50051"   # optional gRPC agent transport
//	  ws_path: "/agents/ws"
//
//	agents:
//	  heartbeat_interval: "30s"
//	  heartbeat_deadline: "90s"    # must exceed heartbeat_interval
//	  dispatch_timeout: "5m"       # unset or 0 waits forever
//	  write_timeout: "10s"
//	  allowed_types: [pastoral, worship, finance]
//	  max_parallel_sends: 64
//
//	persistence:
//	  backend: "sqlite"            # sqlite, redis, none
//	  queue_size: 1024
//	  sqlite:
//	    path: "/var/lib/mothership/mothership.db"
//	  redis:
//	    addr: "localhost:6379"
//	    prefix: "mothership:"
//
//	tailscale:
//	  enabled: false
//	  hostname: "mothership"
//	  auth_key: "${TS_AUTHKEY}"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() rejects:
//
//   - heartbeat_deadline not greater than heartbeat_interval
//   - unknown persistence backends or a backend missing its address/path
//   - JWT secrets shorter than 32 bytes
//   - malformed durations
package config
